package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-presence/pkg/state"
)

// Memory is the single-process Store. All state lives in maps; the store
// mutex guards the entity maps and each entity guards its own contents.
type Memory struct {
	opts   state.Options
	logger *slog.Logger

	mu        sync.RWMutex
	rooms     map[string]*memRoom
	users     map[string]*memUser
	instances map[string]*memInstance
}

type memInstance struct {
	heartbeat time.Time
	sockets   map[string]string // socketID -> userName
}

func NewMemory(logger *slog.Logger, opts state.Options) *Memory {
	return &Memory{
		opts:      opts.WithDefaults(),
		logger:    logger.With(slog.String("component", "statestore_memory")),
		rooms:     make(map[string]*memRoom),
		users:     make(map[string]*memUser),
		instances: make(map[string]*memInstance),
	}
}

// compile-time check to ensure Memory implements Store.
var _ state.Store = (*Memory)(nil)

func (m *Memory) MakeRoom(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[name]; exists {
		return state.ErrRoomExists
	}
	m.rooms[name] = newMemRoom(m, owner)
	m.logger.Debug("Room created", "room", name, "owner", owner)
	return nil
}

func (m *Memory) RemoveRoom(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[name]; !ok {
		return state.ErrNoSuchRoom
	}
	delete(m.rooms, name)
	m.logger.Debug("Room removed", "room", name)
	return nil
}

func (m *Memory) GetRoom(ctx context.Context, name string) (state.RoomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[name]
	if !ok {
		return nil, state.ErrNoSuchRoom
	}
	return room, nil
}

func (m *Memory) HasRoom(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[name]
	return ok, nil
}

func (m *Memory) ListRooms(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	return names, nil
}

func (m *Memory) MakeUser(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[name]; exists {
		return state.ErrUserExists
	}
	m.users[name] = newMemUser(m, name)
	m.logger.Debug("User created", "user", name)
	return nil
}

func (m *Memory) RemoveUser(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[name]
	if !ok {
		return state.ErrNoSuchUser
	}
	user.mu.Lock()
	live := len(user.sockets)
	user.mu.Unlock()
	if live > 0 {
		return fmt.Errorf("cannot remove user %q: %d live sockets", name, live)
	}
	delete(m.users, name)
	m.logger.Debug("User removed", "user", name)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, name string) (state.UserState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[name]
	if !ok {
		return nil, state.ErrNoSuchUser
	}
	return user, nil
}

func (m *Memory) HasUser(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[name]
	return ok, nil
}

func (m *Memory) SetInstanceHeartbeat(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instance(instanceID).heartbeat = time.Now().UTC()
	return nil
}

func (m *Memory) GetInstanceHeartbeat(ctx context.Context, instanceID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return time.Time{}, nil
	}
	return inst.heartbeat, nil
}

func (m *Memory) GetInstanceSockets(ctx context.Context, instanceID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	if inst, ok := m.instances[instanceID]; ok {
		for sock, user := range inst.sockets {
			out[sock] = user
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// instance returns the record for id, creating it if needed.
// Caller must hold m.mu.
func (m *Memory) instance(id string) *memInstance {
	inst, ok := m.instances[id]
	if !ok {
		inst = &memInstance{sockets: make(map[string]string)}
		m.instances[id] = inst
	}
	return inst
}

// --- Room state ---

type memRoom struct {
	store *Memory

	mu            sync.Mutex
	owner         string
	lists         map[state.ListName]map[string]struct{}
	whitelistOnly bool
	history       []state.Message // newest first
	lastID        uint64
	maxSize       int
	seen          map[string]time.Time
}

func newMemRoom(store *Memory, owner string) *memRoom {
	return &memRoom{
		store: store,
		owner: owner,
		lists: map[state.ListName]map[string]struct{}{
			state.ListAdmin: {},
			state.ListWhite: {},
			state.ListBlack: {},
			state.ListUsers: {},
		},
		maxSize: store.opts.HistoryMaxSize,
		seen:    make(map[string]time.Time),
	}
}

var _ state.RoomState = (*memRoom)(nil)

func (r *memRoom) AddToList(ctx context.Context, list state.ListName, names ...string) error {
	if !state.KnownList(list) {
		return state.ErrNoSuchList
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.lists[list]
	if list != state.ListUsers {
		added := 0
		for _, name := range names {
			if _, ok := set[name]; !ok {
				added++
			}
		}
		if len(set)+added > r.store.opts.ListSizeLimit {
			return state.ErrListLimitExceeded
		}
	}
	for _, name := range names {
		set[name] = struct{}{}
	}
	return nil
}

func (r *memRoom) RemoveFromList(ctx context.Context, list state.ListName, names ...string) error {
	if !state.KnownList(list) {
		return state.ErrNoSuchList
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		delete(r.lists[list], name)
	}
	return nil
}

func (r *memRoom) GetList(ctx context.Context, list state.ListName) ([]string, error) {
	if !state.KnownList(list) {
		return nil, state.ErrNoSuchList
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.lists[list]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names, nil
}

func (r *memRoom) HasInList(ctx context.Context, list state.ListName, name string) (bool, error) {
	if !state.KnownList(list) {
		return false, state.ErrNoSuchList
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lists[list][name]
	return ok, nil
}

func (r *memRoom) OwnerGet(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner, nil
}

func (r *memRoom) OwnerSet(ctx context.Context, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = owner
	return nil
}

func (r *memRoom) WhitelistOnlyGet(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.whitelistOnly, nil
}

func (r *memRoom) WhitelistOnlySet(ctx context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelistOnly = on
	return nil
}

func (r *memRoom) MessageAdd(ctx context.Context, msg state.Message) (state.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	msg.ID = r.lastID
	msg.Timestamp = time.Now().UTC()

	if r.maxSize > 0 {
		r.history = append([]state.Message{msg}, r.history...)
		if len(r.history) > r.maxSize {
			r.history = r.history[:r.maxSize]
		}
	}
	return msg, nil
}

func (r *memRoom) MessagesGet(ctx context.Context, sinceID uint64, limit int) ([]state.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > r.store.opts.MaxGetMessages {
		limit = r.store.opts.MaxGetMessages
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]state.Message, 0, limit)
	for _, msg := range r.history {
		if msg.ID <= sinceID {
			break
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRoom) HistoryInfo(ctx context.Context) (state.HistoryInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return state.HistoryInfo{
		Size:           len(r.history),
		MaxSize:        r.maxSize,
		MaxGetMessages: r.store.opts.MaxGetMessages,
		LastID:         r.lastID,
	}, nil
}

func (r *memRoom) HistoryMaxSizeSet(ctx context.Context, maxSize int) error {
	if maxSize < 0 {
		maxSize = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maxSize = maxSize
	if len(r.history) > maxSize {
		r.history = r.history[:maxSize]
	}
	return nil
}

func (r *memRoom) UserSeenGet(ctx context.Context, user string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[user], nil
}

func (r *memRoom) UserSeenSet(ctx context.Context, user string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[user] = t
	return nil
}

// --- User state ---

type memLock struct {
	value   string
	expires time.Time
}

type memUser struct {
	store *Memory
	name  string

	mu          sync.Mutex
	sockets     map[string]string              // socketID -> instanceID
	socketRooms map[string]map[string]struct{} // socketID -> rooms
	roomSockets map[string]map[string]struct{} // room -> this user's sockets
	locks       map[string]memLock             // room -> reservation
}

func newMemUser(store *Memory, name string) *memUser {
	return &memUser{
		store:       store,
		name:        name,
		sockets:     make(map[string]string),
		socketRooms: make(map[string]map[string]struct{}),
		roomSockets: make(map[string]map[string]struct{}),
		locks:       make(map[string]memLock),
	}
}

var _ state.UserState = (*memUser)(nil)

func (u *memUser) Lock(ctx context.Context, room, value string, ttl time.Duration) error {
	return acquireWithBackoff(ctx, u.store.opts, func() (bool, error) {
		u.mu.Lock()
		defer u.mu.Unlock()
		held, ok := u.locks[room]
		if ok && time.Now().Before(held.expires) {
			return false, nil
		}
		u.locks[room] = memLock{value: value, expires: time.Now().Add(ttl)}
		return true, nil
	})
}

func (u *memUser) Unlock(ctx context.Context, room, value string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	held, ok := u.locks[room]
	if !ok || held.value != value {
		return state.ErrLockNotHeld
	}
	delete(u.locks, room)
	return nil
}

func (u *memUser) AddSocket(ctx context.Context, socketID, instanceID string) error {
	u.mu.Lock()
	u.sockets[socketID] = instanceID
	u.socketRooms[socketID] = make(map[string]struct{})
	u.mu.Unlock()

	u.store.mu.Lock()
	u.store.instance(instanceID).sockets[socketID] = u.name
	u.store.mu.Unlock()
	return nil
}

func (u *memUser) RemoveSocket(ctx context.Context, socketID string) (state.SocketRemoval, error) {
	u.mu.Lock()
	instanceID, ok := u.sockets[socketID]
	if !ok {
		u.mu.Unlock()
		return state.SocketRemoval{}, state.ErrNoSuchSocket
	}

	removal := state.SocketRemoval{Rooms: make(map[string]int)}
	for room := range u.socketRooms[socketID] {
		delete(u.roomSockets[room], socketID)
		removal.Rooms[room] = len(u.roomSockets[room])
		if len(u.roomSockets[room]) == 0 {
			delete(u.roomSockets, room)
		}
	}
	delete(u.socketRooms, socketID)
	delete(u.sockets, socketID)
	removal.ConnectionsLeft = len(u.sockets)
	u.mu.Unlock()

	u.store.mu.Lock()
	if inst, ok := u.store.instances[instanceID]; ok {
		delete(inst.sockets, socketID)
	}
	u.store.mu.Unlock()
	return removal, nil
}

func (u *memUser) GetAllSockets(ctx context.Context) (map[string][]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string][]string, len(u.sockets))
	for sock := range u.sockets {
		rooms := make([]string, 0, len(u.socketRooms[sock]))
		for room := range u.socketRooms[sock] {
			rooms = append(rooms, room)
		}
		out[sock] = rooms
	}
	return out, nil
}

func (u *memUser) GetSocketsToInstance(ctx context.Context) (map[string]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]string, len(u.sockets))
	for sock, inst := range u.sockets {
		out[sock] = inst
	}
	return out, nil
}

func (u *memUser) AddSocketToRoom(ctx context.Context, socketID, room string) (int, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.sockets[socketID]; !ok {
		return 0, false, state.ErrNoSuchSocket
	}
	if u.roomSockets[room] == nil {
		u.roomSockets[room] = make(map[string]struct{})
	}
	_, already := u.roomSockets[room][socketID]
	u.roomSockets[room][socketID] = struct{}{}
	u.socketRooms[socketID][room] = struct{}{}
	return len(u.roomSockets[room]), !already, nil
}

func (u *memUser) RemoveSocketFromRoom(ctx context.Context, socketID, room string) (int, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.sockets[socketID]; !ok {
		return 0, false, state.ErrNoSuchSocket
	}
	_, present := u.roomSockets[room][socketID]
	delete(u.roomSockets[room], socketID)
	delete(u.socketRooms[socketID], room)

	occupancy := len(u.roomSockets[room])
	if occupancy == 0 {
		delete(u.roomSockets, room)
	}
	return occupancy, present, nil
}

func (u *memUser) RemoveAllSocketsFromRoom(ctx context.Context, room string) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	popped := make([]string, 0, len(u.roomSockets[room]))
	for sock := range u.roomSockets[room] {
		popped = append(popped, sock)
		delete(u.socketRooms[sock], room)
	}
	delete(u.roomSockets, room)
	return popped, nil
}

func (u *memUser) ConnectionCount(ctx context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sockets), nil
}

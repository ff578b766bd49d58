package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-presence/pkg/state"
)

const keyPrefix = "presence:"

// Lua scripts give us the atomic read-modify-write primitives the protocol
// relies on; everything cross-user on a shared store goes through one of
// these single round trips.
var (
	// KEYS[1]=list set, ARGV[1]=cap, ARGV[2..]=names. Returns -1 on cap hit.
	addToListScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local added = 0
for i = 2, #ARGV do
  if redis.call('sismember', KEYS[1], ARGV[i]) == 0 then added = added + 1 end
end
if cap > 0 and redis.call('scard', KEYS[1]) + added > cap then return -1 end
for i = 2, #ARGV do redis.call('sadd', KEYS[1], ARGV[i]) end
return added`)

	// KEYS[1]=meta hash, KEYS[2]=history list, ARGV[1]=maxSize, ARGV[2]=msg json (no id)
	messageAddScript = redis.NewScript(`
local id = redis.call('hincrby', KEYS[1], 'lastId', 1)
local maxSize = tonumber(ARGV[1])
if maxSize > 0 then
  local msg = cjson.decode(ARGV[2])
  msg['id'] = id
  redis.call('lpush', KEYS[2], cjson.encode(msg))
  redis.call('ltrim', KEYS[2], 0, maxSize - 1)
end
return id`)

	// KEYS[1]=socket rooms set, KEYS[2]=room sockets set, ARGV[1]=socketID, ARGV[2]=room
	addSocketToRoomScript = redis.NewScript(`
local added = redis.call('sadd', KEYS[2], ARGV[1])
redis.call('sadd', KEYS[1], ARGV[2])
return {redis.call('scard', KEYS[2]), added}`)

	// KEYS[1]=socket rooms set, KEYS[2]=room sockets set, ARGV[1]=socketID, ARGV[2]=room
	removeSocketFromRoomScript = redis.NewScript(`
local removed = redis.call('srem', KEYS[2], ARGV[1])
redis.call('srem', KEYS[1], ARGV[2])
return {redis.call('scard', KEYS[2]), removed}`)

	// KEYS[1]=sockets hash, KEYS[2]=socket rooms set
	// ARGV[1]=socketID, ARGV[2]=room sockets key prefix, ARGV[3]=instance key prefix
	// Returns {room1, occ1, room2, occ2, ..., connectionsLeft}; false if unknown.
	removeSocketScript = redis.NewScript(`
local inst = redis.call('hget', KEYS[1], ARGV[1])
if not inst then return false end
local rooms = redis.call('smembers', KEYS[2])
local out = {}
for _, room in ipairs(rooms) do
  local rk = ARGV[2] .. room .. ':sockets'
  redis.call('srem', rk, ARGV[1])
  table.insert(out, room)
  table.insert(out, redis.call('scard', rk))
end
redis.call('del', KEYS[2])
redis.call('hdel', KEYS[1], ARGV[1])
redis.call('hdel', ARGV[3] .. inst .. ':sockets', ARGV[1])
table.insert(out, redis.call('hlen', KEYS[1]))
return out`)

	// KEYS[1]=room sockets set, ARGV[1]=socket rooms key prefix, ARGV[2]=room
	removeAllFromRoomScript = redis.NewScript(`
local socks = redis.call('smembers', KEYS[1])
for _, s in ipairs(socks) do
  redis.call('srem', ARGV[1] .. s .. ':rooms', ARGV[2])
end
redis.call('del', KEYS[1])
return socks`)

	// compare-and-delete unlock
	unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0`)
)

// Redis is the shared Store, usable by multiple cooperating instances
// against one backend.
type Redis struct {
	client *redis.Client
	opts   state.Options
	logger *slog.Logger
}

func NewRedis(logger *slog.Logger, client *redis.Client, opts state.Options) *Redis {
	return &Redis{
		client: client,
		opts:   opts.WithDefaults(),
		logger: logger.With(slog.String("component", "statestore_redis")),
	}
}

var _ state.Store = (*Redis)(nil)

func roomKey(room, suffix string) string { return keyPrefix + "room:" + room + ":" + suffix }
func userKey(user, suffix string) string { return keyPrefix + "user:" + user + ":" + suffix }
func instKey(id, suffix string) string   { return keyPrefix + "instance:" + id + ":" + suffix }

func (s *Redis) MakeRoom(ctx context.Context, name, owner string) error {
	added, err := s.client.SAdd(ctx, keyPrefix+"rooms", name).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return state.ErrRoomExists
	}
	return s.client.HSet(ctx, roomKey(name, "meta"),
		"owner", owner,
		"whitelistOnly", "0",
		"lastId", 0,
		"maxSize", s.opts.HistoryMaxSize,
	).Err()
}

func (s *Redis) RemoveRoom(ctx context.Context, name string) error {
	removed, err := s.client.SRem(ctx, keyPrefix+"rooms", name).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return state.ErrNoSuchRoom
	}
	keys := []string{
		roomKey(name, "meta"), roomKey(name, "history"), roomKey(name, "seen"),
		roomKey(name, "list:"+string(state.ListAdmin)),
		roomKey(name, "list:"+string(state.ListWhite)),
		roomKey(name, "list:"+string(state.ListBlack)),
		roomKey(name, "list:"+string(state.ListUsers)),
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Redis) GetRoom(ctx context.Context, name string) (state.RoomState, error) {
	ok, err := s.client.SIsMember(ctx, keyPrefix+"rooms", name).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, state.ErrNoSuchRoom
	}
	return &redisRoom{store: s, name: name}, nil
}

func (s *Redis) HasRoom(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, keyPrefix+"rooms", name).Result()
}

func (s *Redis) ListRooms(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, keyPrefix+"rooms").Result()
}

func (s *Redis) MakeUser(ctx context.Context, name string) error {
	added, err := s.client.SAdd(ctx, keyPrefix+"users", name).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return state.ErrUserExists
	}
	return nil
}

func (s *Redis) RemoveUser(ctx context.Context, name string) error {
	ok, err := s.client.SIsMember(ctx, keyPrefix+"users", name).Result()
	if err != nil {
		return err
	}
	if !ok {
		return state.ErrNoSuchUser
	}
	live, err := s.client.HLen(ctx, userKey(name, "sockets")).Result()
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("cannot remove user %q: %d live sockets", name, live)
	}
	if err := s.client.SRem(ctx, keyPrefix+"users", name).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, userKey(name, "sockets")).Err()
}

func (s *Redis) GetUser(ctx context.Context, name string) (state.UserState, error) {
	ok, err := s.client.SIsMember(ctx, keyPrefix+"users", name).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, state.ErrNoSuchUser
	}
	return &redisUser{store: s, name: name}, nil
}

func (s *Redis) HasUser(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, keyPrefix+"users", name).Result()
}

func (s *Redis) SetInstanceHeartbeat(ctx context.Context, instanceID string) error {
	return s.client.Set(ctx, instKey(instanceID, "heartbeat"),
		time.Now().UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *Redis) GetInstanceHeartbeat(ctx context.Context, instanceID string) (time.Time, error) {
	val, err := s.client.Get(ctx, instKey(instanceID, "heartbeat")).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

func (s *Redis) GetInstanceSockets(ctx context.Context, instanceID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, instKey(instanceID, "sockets")).Result()
}

func (s *Redis) Close() error { return s.client.Close() }

// --- Room state ---

type redisRoom struct {
	store *Redis
	name  string
}

var _ state.RoomState = (*redisRoom)(nil)

func (r *redisRoom) listKey(list state.ListName) string {
	return roomKey(r.name, "list:"+string(list))
}

func (r *redisRoom) AddToList(ctx context.Context, list state.ListName, names ...string) error {
	if !state.KnownList(list) {
		return state.ErrNoSuchList
	}
	if len(names) == 0 {
		return nil
	}
	limit := r.store.opts.ListSizeLimit
	if list == state.ListUsers {
		limit = 0 // userlist is exempt
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, limit)
	for _, n := range names {
		args = append(args, n)
	}
	res, err := addToListScript.Run(ctx, r.store.client, []string{r.listKey(list)}, args...).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return state.ErrListLimitExceeded
	}
	return nil
}

func (r *redisRoom) RemoveFromList(ctx context.Context, list state.ListName, names ...string) error {
	if !state.KnownList(list) {
		return state.ErrNoSuchList
	}
	if len(names) == 0 {
		return nil
	}
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	return r.store.client.SRem(ctx, r.listKey(list), members...).Err()
}

func (r *redisRoom) GetList(ctx context.Context, list state.ListName) ([]string, error) {
	if !state.KnownList(list) {
		return nil, state.ErrNoSuchList
	}
	return r.store.client.SMembers(ctx, r.listKey(list)).Result()
}

func (r *redisRoom) HasInList(ctx context.Context, list state.ListName, name string) (bool, error) {
	if !state.KnownList(list) {
		return false, state.ErrNoSuchList
	}
	return r.store.client.SIsMember(ctx, r.listKey(list), name).Result()
}

func (r *redisRoom) OwnerGet(ctx context.Context) (string, error) {
	owner, err := r.store.client.HGet(ctx, roomKey(r.name, "meta"), "owner").Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

func (r *redisRoom) OwnerSet(ctx context.Context, owner string) error {
	return r.store.client.HSet(ctx, roomKey(r.name, "meta"), "owner", owner).Err()
}

func (r *redisRoom) WhitelistOnlyGet(ctx context.Context) (bool, error) {
	val, err := r.store.client.HGet(ctx, roomKey(r.name, "meta"), "whitelistOnly").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

func (r *redisRoom) WhitelistOnlySet(ctx context.Context, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	return r.store.client.HSet(ctx, roomKey(r.name, "meta"), "whitelistOnly", val).Err()
}

func (r *redisRoom) maxSize(ctx context.Context) (int, error) {
	val, err := r.store.client.HGet(ctx, roomKey(r.name, "meta"), "maxSize").Result()
	if err == redis.Nil {
		return r.store.opts.HistoryMaxSize, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	_, err = fmt.Sscanf(val, "%d", &n)
	return n, err
}

func (r *redisRoom) MessageAdd(ctx context.Context, msg state.Message) (state.Message, error) {
	maxSize, err := r.maxSize(ctx)
	if err != nil {
		return state.Message{}, err
	}
	msg.ID = 0
	msg.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(msg)
	if err != nil {
		return state.Message{}, err
	}
	id, err := messageAddScript.Run(ctx, r.store.client,
		[]string{roomKey(r.name, "meta"), roomKey(r.name, "history")},
		maxSize, string(raw)).Int64()
	if err != nil {
		return state.Message{}, err
	}
	msg.ID = uint64(id)
	return msg, nil
}

func (r *redisRoom) MessagesGet(ctx context.Context, sinceID uint64, limit int) ([]state.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > r.store.opts.MaxGetMessages {
		limit = r.store.opts.MaxGetMessages
	}
	raws, err := r.store.client.LRange(ctx, roomKey(r.name, "history"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]state.Message, 0, len(raws))
	for _, raw := range raws {
		var msg state.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("corrupt history entry in room %q: %w", r.name, err)
		}
		if msg.ID <= sinceID {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *redisRoom) HistoryInfo(ctx context.Context) (state.HistoryInfo, error) {
	vals, err := r.store.client.HMGet(ctx, roomKey(r.name, "meta"), "lastId", "maxSize").Result()
	if err != nil {
		return state.HistoryInfo{}, err
	}
	info := state.HistoryInfo{MaxGetMessages: r.store.opts.MaxGetMessages}
	if s, ok := vals[0].(string); ok {
		fmt.Sscanf(s, "%d", &info.LastID)
	}
	if s, ok := vals[1].(string); ok {
		fmt.Sscanf(s, "%d", &info.MaxSize)
	}
	size, err := r.store.client.LLen(ctx, roomKey(r.name, "history")).Result()
	if err != nil {
		return state.HistoryInfo{}, err
	}
	info.Size = int(size)
	return info, nil
}

func (r *redisRoom) HistoryMaxSizeSet(ctx context.Context, maxSize int) error {
	if maxSize < 0 {
		maxSize = 0
	}
	if err := r.store.client.HSet(ctx, roomKey(r.name, "meta"), "maxSize", maxSize).Err(); err != nil {
		return err
	}
	if maxSize == 0 {
		return r.store.client.Del(ctx, roomKey(r.name, "history")).Err()
	}
	return r.store.client.LTrim(ctx, roomKey(r.name, "history"), 0, int64(maxSize-1)).Err()
}

func (r *redisRoom) UserSeenGet(ctx context.Context, user string) (time.Time, error) {
	val, err := r.store.client.HGet(ctx, roomKey(r.name, "seen"), user).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

func (r *redisRoom) UserSeenSet(ctx context.Context, user string, t time.Time) error {
	return r.store.client.HSet(ctx, roomKey(r.name, "seen"), user, t.UTC().Format(time.RFC3339Nano)).Err()
}

// --- User state ---

type redisUser struct {
	store *Redis
	name  string
}

var _ state.UserState = (*redisUser)(nil)

func (u *redisUser) socketsKey() string             { return userKey(u.name, "sockets") }
func (u *redisUser) socketRoomsKey(s string) string { return userKey(u.name, "socket:"+s+":rooms") }
func (u *redisUser) roomSocketsKey(r string) string { return userKey(u.name, "room:"+r+":sockets") }
func (u *redisUser) lockKey(room string) string     { return keyPrefix + "lock:" + u.name + ":" + room }

func (u *redisUser) Lock(ctx context.Context, room, value string, ttl time.Duration) error {
	return acquireWithBackoff(ctx, u.store.opts, func() (bool, error) {
		return u.store.client.SetNX(ctx, u.lockKey(room), value, ttl).Result()
	})
}

func (u *redisUser) Unlock(ctx context.Context, room, value string) error {
	res, err := unlockScript.Run(ctx, u.store.client, []string{u.lockKey(room)}, value).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return state.ErrLockNotHeld
	}
	return nil
}

func (u *redisUser) AddSocket(ctx context.Context, socketID, instanceID string) error {
	pipe := u.store.client.TxPipeline()
	pipe.HSet(ctx, u.socketsKey(), socketID, instanceID)
	pipe.HSet(ctx, instKey(instanceID, "sockets"), socketID, u.name)
	_, err := pipe.Exec(ctx)
	return err
}

func (u *redisUser) RemoveSocket(ctx context.Context, socketID string) (state.SocketRemoval, error) {
	res, err := removeSocketScript.Run(ctx, u.store.client,
		[]string{u.socketsKey(), u.socketRoomsKey(socketID)},
		socketID,
		userKey(u.name, "room:"),
		keyPrefix+"instance:",
	).Slice()
	if err == redis.Nil {
		return state.SocketRemoval{}, state.ErrNoSuchSocket
	}
	if err != nil {
		return state.SocketRemoval{}, err
	}

	removal := state.SocketRemoval{Rooms: make(map[string]int)}
	// flattened [room, occ, room, occ, ..., connectionsLeft]
	for i := 0; i+1 < len(res); i += 2 {
		room, _ := res[i].(string)
		occ, _ := res[i+1].(int64)
		removal.Rooms[room] = int(occ)
	}
	if last, ok := res[len(res)-1].(int64); ok {
		removal.ConnectionsLeft = int(last)
	}
	return removal, nil
}

func (u *redisUser) GetAllSockets(ctx context.Context) (map[string][]string, error) {
	sockets, err := u.store.client.HKeys(ctx, u.socketsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(sockets))
	for _, sock := range sockets {
		rooms, err := u.store.client.SMembers(ctx, u.socketRoomsKey(sock)).Result()
		if err != nil {
			return nil, err
		}
		out[sock] = rooms
	}
	return out, nil
}

func (u *redisUser) GetSocketsToInstance(ctx context.Context) (map[string]string, error) {
	return u.store.client.HGetAll(ctx, u.socketsKey()).Result()
}

func (u *redisUser) AddSocketToRoom(ctx context.Context, socketID, room string) (int, bool, error) {
	known, err := u.store.client.HExists(ctx, u.socketsKey(), socketID).Result()
	if err != nil {
		return 0, false, err
	}
	if !known {
		return 0, false, state.ErrNoSuchSocket
	}
	res, err := addSocketToRoomScript.Run(ctx, u.store.client,
		[]string{u.socketRoomsKey(socketID), u.roomSocketsKey(room)},
		socketID, room).Slice()
	if err != nil {
		return 0, false, err
	}
	occ, _ := res[0].(int64)
	added, _ := res[1].(int64)
	return int(occ), added == 1, nil
}

func (u *redisUser) RemoveSocketFromRoom(ctx context.Context, socketID, room string) (int, bool, error) {
	known, err := u.store.client.HExists(ctx, u.socketsKey(), socketID).Result()
	if err != nil {
		return 0, false, err
	}
	if !known {
		return 0, false, state.ErrNoSuchSocket
	}
	res, err := removeSocketFromRoomScript.Run(ctx, u.store.client,
		[]string{u.socketRoomsKey(socketID), u.roomSocketsKey(room)},
		socketID, room).Slice()
	if err != nil {
		return 0, false, err
	}
	occ, _ := res[0].(int64)
	removed, _ := res[1].(int64)
	return int(occ), removed == 1, nil
}

func (u *redisUser) RemoveAllSocketsFromRoom(ctx context.Context, room string) ([]string, error) {
	res, err := removeAllFromRoomScript.Run(ctx, u.store.client,
		[]string{u.roomSocketsKey(room)},
		userKey(u.name, "socket:"), room).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (u *redisUser) ConnectionCount(ctx context.Context) (int, error) {
	n, err := u.store.client.HLen(ctx, u.socketsKey()).Result()
	return int(n), err
}

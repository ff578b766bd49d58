package statestore_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-presence/pkg/state"
	"github.com/a-essam23/go-presence/pkg/state/statestore"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestStore(opts state.Options) *statestore.Memory {
	if opts.LockBackoffBase == 0 {
		opts.LockBackoffBase = time.Millisecond
	}
	return statestore.NewMemory(newTestLogger(), opts)
}

func mustRoom(t *testing.T, s *statestore.Memory, name, owner string) state.RoomState {
	t.Helper()
	ctx := context.Background()
	if err := s.MakeRoom(ctx, name, owner); err != nil {
		t.Fatalf("MakeRoom failed: %v", err)
	}
	rm, err := s.GetRoom(ctx, name)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	return rm
}

func mustUser(t *testing.T, s *statestore.Memory, name string) state.UserState {
	t.Helper()
	ctx := context.Background()
	if err := s.MakeUser(ctx, name); err != nil {
		t.Fatalf("MakeUser failed: %v", err)
	}
	u, err := s.GetUser(ctx, name)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return u
}

// --- Lifecycle Tests ---

func TestRoomLifecycle(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()

	mustRoom(t, s, "general", "alice")

	if err := s.MakeRoom(ctx, "general", "bob"); !errors.Is(err, state.ErrRoomExists) {
		t.Errorf("Expected ErrRoomExists on duplicate create, got %v", err)
	}
	if _, err := s.GetRoom(ctx, "missing"); !errors.Is(err, state.ErrNoSuchRoom) {
		t.Errorf("Expected ErrNoSuchRoom, got %v", err)
	}
	if err := s.RemoveRoom(ctx, "general"); err != nil {
		t.Fatalf("RemoveRoom failed: %v", err)
	}
	if ok, _ := s.HasRoom(ctx, "general"); ok {
		t.Error("Room still present after removal")
	}
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()

	user := mustUser(t, s, "alice")
	if err := s.MakeUser(ctx, "alice"); !errors.Is(err, state.ErrUserExists) {
		t.Errorf("Expected ErrUserExists on duplicate create, got %v", err)
	}

	if err := user.AddSocket(ctx, "s1", "inst-1"); err != nil {
		t.Fatalf("AddSocket failed: %v", err)
	}
	if err := s.RemoveUser(ctx, "alice"); err == nil {
		t.Error("Expected RemoveUser to fail while user has live sockets")
	}
	if _, err := user.RemoveSocket(ctx, "s1"); err != nil {
		t.Fatalf("RemoveSocket failed: %v", err)
	}
	if err := s.RemoveUser(ctx, "alice"); err != nil {
		t.Fatalf("RemoveUser failed: %v", err)
	}
}

// --- List Tests ---

func TestListOperations(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	if err := rm.AddToList(ctx, "no-such", "bob"); !errors.Is(err, state.ErrNoSuchList) {
		t.Errorf("Expected ErrNoSuchList, got %v", err)
	}
	if err := rm.AddToList(ctx, state.ListWhite, "bob", "carol"); err != nil {
		t.Fatalf("AddToList failed: %v", err)
	}
	names, err := rm.GetList(ctx, state.ListWhite)
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("Expected 2 whitelist entries, got %d", len(names))
	}
	ok, _ := rm.HasInList(ctx, state.ListWhite, "bob")
	if !ok {
		t.Error("Expected bob on whitelist")
	}
	if err := rm.RemoveFromList(ctx, state.ListWhite, "bob"); err != nil {
		t.Fatalf("RemoveFromList failed: %v", err)
	}
	if ok, _ := rm.HasInList(ctx, state.ListWhite, "bob"); ok {
		t.Error("bob still whitelisted after removal")
	}
}

func TestListSizeLimit(t *testing.T) {
	s := newTestStore(state.Options{ListSizeLimit: 2})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	if err := rm.AddToList(ctx, state.ListBlack, "u1", "u2"); err != nil {
		t.Fatalf("AddToList within cap failed: %v", err)
	}
	err := rm.AddToList(ctx, state.ListBlack, "u3")
	if !errors.Is(err, state.ErrListLimitExceeded) {
		t.Fatalf("Expected ErrListLimitExceeded, got %v", err)
	}
	// failed add must leave the list unchanged
	names, _ := rm.GetList(ctx, state.ListBlack)
	if len(names) != 2 {
		t.Errorf("List changed by failed add: %d entries", len(names))
	}
	// re-adding existing names is not growth
	if err := rm.AddToList(ctx, state.ListBlack, "u1"); err != nil {
		t.Errorf("Idempotent re-add rejected: %v", err)
	}
	// removal is always permitted
	if err := rm.RemoveFromList(ctx, state.ListBlack, "u1"); err != nil {
		t.Errorf("RemoveFromList at cap failed: %v", err)
	}
}

func TestUserlistExemptFromCap(t *testing.T) {
	s := newTestStore(state.Options{ListSizeLimit: 1})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	for i := 0; i < 10; i++ {
		if err := rm.AddToList(ctx, state.ListUsers, "user"+strconv.Itoa(i)); err != nil {
			t.Fatalf("Userlist add %d hit the cap: %v", i, err)
		}
	}
}

// --- History Tests ---

func TestMessageIDsMonotonic(t *testing.T) {
	s := newTestStore(state.Options{HistoryMaxSize: 1000})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	const n = 100
	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := rm.MessageAdd(ctx, state.Message{Author: "alice"})
			if err != nil {
				t.Errorf("MessageAdd failed: %v", err)
				return
			}
			ids <- msg.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Message id %d assigned twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("Expected %d distinct ids, got %d", n, len(seen))
	}
	info, _ := rm.HistoryInfo(ctx)
	if info.LastID != n {
		t.Errorf("Expected lastId %d, got %d", n, info.LastID)
	}
}

func TestHistoryTruncation(t *testing.T) {
	s := newTestStore(state.Options{HistoryMaxSize: 1})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	m1, _ := rm.MessageAdd(ctx, state.Message{Author: "alice"})
	m2, _ := rm.MessageAdd(ctx, state.Message{Author: "alice"})
	if m1.ID != 1 || m2.ID != 2 {
		t.Fatalf("Expected ids 1 and 2, got %d and %d", m1.ID, m2.ID)
	}

	msgs, err := rm.MessagesGet(ctx, 0, 10)
	if err != nil {
		t.Fatalf("MessagesGet failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 2 {
		t.Fatalf("Expected only m2 retained, got %v", msgs)
	}

	// asking since a truncated id still returns what is retained
	msgs, err = rm.MessagesGet(ctx, 1, 10)
	if err != nil {
		t.Fatalf("MessagesGet after truncation failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 2 {
		t.Fatalf("Expected m2 for sinceId 1, got %v", msgs)
	}
}

func TestHistoryDefaultsApply(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	// zero-value options mean defaults, not zero retention
	if _, err := rm.MessageAdd(ctx, state.Message{Author: "alice"}); err != nil {
		t.Fatalf("MessageAdd failed: %v", err)
	}
	info, err := rm.HistoryInfo(ctx)
	if err != nil {
		t.Fatalf("HistoryInfo failed: %v", err)
	}
	if info.MaxSize != state.DefaultHistoryMaxSize {
		t.Errorf("Expected default max size %d, got %d", state.DefaultHistoryMaxSize, info.MaxSize)
	}
	if info.Size != 1 {
		t.Errorf("Expected 1 retained message, got %d", info.Size)
	}
}

func TestHistoryMaxSizeZeroRetainsNothing(t *testing.T) {
	// negative option value requests zero retention
	s := newTestStore(state.Options{HistoryMaxSize: -1})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	msg, err := rm.MessageAdd(ctx, state.Message{Author: "alice"})
	if err != nil {
		t.Fatalf("MessageAdd failed: %v", err)
	}
	if msg.ID != 1 || msg.Timestamp.IsZero() {
		t.Error("Message not stamped with max size 0")
	}
	msgs, _ := rm.MessagesGet(ctx, 0, 10)
	if len(msgs) != 0 {
		t.Errorf("Expected no retained messages, got %d", len(msgs))
	}
	info, _ := rm.HistoryInfo(ctx)
	if info.LastID != 1 || info.Size != 0 {
		t.Errorf("Expected lastId 1 size 0, got %+v", info)
	}
}

func TestHistoryMaxSizeReductionTrims(t *testing.T) {
	s := newTestStore(state.Options{HistoryMaxSize: 10})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	for i := 0; i < 5; i++ {
		rm.MessageAdd(ctx, state.Message{Author: "alice"})
	}
	if err := rm.HistoryMaxSizeSet(ctx, 2); err != nil {
		t.Fatalf("HistoryMaxSizeSet failed: %v", err)
	}
	msgs, _ := rm.MessagesGet(ctx, 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 retained after trim, got %d", len(msgs))
	}
	// newest survive
	if msgs[0].ID != 5 || msgs[1].ID != 4 {
		t.Errorf("Expected ids 5,4 after trim, got %d,%d", msgs[0].ID, msgs[1].ID)
	}

	// explicit zero drops everything retained
	if err := rm.HistoryMaxSizeSet(ctx, 0); err != nil {
		t.Fatalf("HistoryMaxSizeSet(0) failed: %v", err)
	}
	if msgs, _ := rm.MessagesGet(ctx, 0, 10); len(msgs) != 0 {
		t.Errorf("Expected empty history after setting max size 0, got %d", len(msgs))
	}
}

func TestMessagesGetBounds(t *testing.T) {
	s := newTestStore(state.Options{HistoryMaxSize: 100, MaxGetMessages: 3})
	ctx := context.Background()
	rm := mustRoom(t, s, "general", "alice")

	for i := 0; i < 10; i++ {
		rm.MessageAdd(ctx, state.Message{Author: "alice"})
	}

	if msgs, _ := rm.MessagesGet(ctx, 0, 0); len(msgs) != 0 {
		t.Error("Expected empty result for limit 0")
	}
	msgs, _ := rm.MessagesGet(ctx, 0, 100)
	if len(msgs) != 3 {
		t.Errorf("Expected server-wide cap of 3, got %d", len(msgs))
	}
	// idempotent with identical arguments
	again, _ := rm.MessagesGet(ctx, 0, 100)
	if len(again) != len(msgs) || again[0].ID != msgs[0].ID {
		t.Error("MessagesGet not idempotent")
	}
	// newest first
	if msgs[0].ID != 10 || msgs[2].ID != 8 {
		t.Errorf("Expected newest-first 10..8, got %d..%d", msgs[0].ID, msgs[2].ID)
	}
}

// --- Lock Tests ---

func TestLockMutualExclusionAndTimeout(t *testing.T) {
	s := newTestStore(state.Options{LockAttempts: 3, LockBackoffBase: time.Millisecond})
	ctx := context.Background()
	user := mustUser(t, s, "alice")

	if err := user.Lock(ctx, "general", "tok-1", time.Minute); err != nil {
		t.Fatalf("First Lock failed: %v", err)
	}
	err := user.Lock(ctx, "general", "tok-2", time.Minute)
	if !errors.Is(err, state.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout on contended lock, got %v", err)
	}

	// unlock with the wrong token must not release
	if err := user.Unlock(ctx, "general", "tok-2"); !errors.Is(err, state.ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld for wrong token, got %v", err)
	}
	if err := user.Unlock(ctx, "general", "tok-1"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := user.Lock(ctx, "general", "tok-3", time.Minute); err != nil {
		t.Errorf("Lock after release failed: %v", err)
	}
}

func TestLockTimeoutReturnsWithoutFinalWait(t *testing.T) {
	s := newTestStore(state.Options{LockAttempts: 1, LockBackoffBase: time.Hour})
	ctx := context.Background()
	user := mustUser(t, s, "alice")

	if err := user.Lock(ctx, "general", "tok-1", time.Minute); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// a single exhausted attempt must not sleep the backoff interval
	start := time.Now()
	err := user.Lock(ctx, "general", "tok-2", time.Minute)
	if !errors.Is(err, state.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took %v, expected an immediate return", elapsed)
	}
}

func TestLockExpiryAllowsReacquisition(t *testing.T) {
	s := newTestStore(state.Options{LockAttempts: 2, LockBackoffBase: time.Millisecond})
	ctx := context.Background()
	user := mustUser(t, s, "alice")

	if err := user.Lock(ctx, "general", "tok-1", 5*time.Millisecond); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := user.Lock(ctx, "general", "tok-2", time.Minute); err != nil {
		t.Fatalf("Lock after expiry failed: %v", err)
	}
	// the stale holder must not release the new reservation
	if err := user.Unlock(ctx, "general", "tok-1"); !errors.Is(err, state.ErrLockNotHeld) {
		t.Errorf("Stale holder released a reacquired lock: %v", err)
	}
}

// --- Socket Association Tests ---

func TestSocketRoomAssociation(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()
	user := mustUser(t, s, "alice")
	user.AddSocket(ctx, "s1", "inst-1")
	user.AddSocket(ctx, "s2", "inst-1")

	occ, changed, err := user.AddSocketToRoom(ctx, "s1", "general")
	if err != nil {
		t.Fatalf("AddSocketToRoom failed: %v", err)
	}
	if occ != 1 || !changed {
		t.Errorf("Expected occupancy 1 changed, got %d %v", occ, changed)
	}

	// idempotent re-join reports no change
	occ, changed, _ = user.AddSocketToRoom(ctx, "s1", "general")
	if occ != 1 || changed {
		t.Errorf("Expected occupancy 1 unchanged on re-join, got %d %v", occ, changed)
	}

	occ, changed, _ = user.AddSocketToRoom(ctx, "s2", "general")
	if occ != 2 || !changed {
		t.Errorf("Expected occupancy 2 changed, got %d %v", occ, changed)
	}

	occ, changed, _ = user.RemoveSocketFromRoom(ctx, "s1", "general")
	if occ != 1 || !changed {
		t.Errorf("Expected occupancy 1 after removal, got %d %v", occ, changed)
	}
	// removing again reports no change
	occ, changed, _ = user.RemoveSocketFromRoom(ctx, "s1", "general")
	if occ != 1 || changed {
		t.Errorf("Expected unchanged repeat removal, got %d %v", occ, changed)
	}

	if _, _, err := user.AddSocketToRoom(ctx, "ghost", "general"); !errors.Is(err, state.ErrNoSuchSocket) {
		t.Errorf("Expected ErrNoSuchSocket, got %v", err)
	}
}

func TestRemoveSocketPopsAllRooms(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()
	user := mustUser(t, s, "alice")
	user.AddSocket(ctx, "s1", "inst-1")
	user.AddSocket(ctx, "s2", "inst-1")
	user.AddSocketToRoom(ctx, "s1", "general")
	user.AddSocketToRoom(ctx, "s1", "dev")
	user.AddSocketToRoom(ctx, "s2", "general")

	removal, err := user.RemoveSocket(ctx, "s1")
	if err != nil {
		t.Fatalf("RemoveSocket failed: %v", err)
	}
	if removal.ConnectionsLeft != 1 {
		t.Errorf("Expected 1 connection left, got %d", removal.ConnectionsLeft)
	}
	if occ := removal.Rooms["general"]; occ != 1 {
		t.Errorf("Expected residual occupancy 1 in general, got %d", occ)
	}
	if occ, ok := removal.Rooms["dev"]; !ok || occ != 0 {
		t.Errorf("Expected residual occupancy 0 in dev, got %d (present %v)", occ, ok)
	}

	if _, err := user.RemoveSocket(ctx, "s1"); !errors.Is(err, state.ErrNoSuchSocket) {
		t.Errorf("Expected ErrNoSuchSocket on double removal, got %v", err)
	}
}

func TestInstanceBookkeeping(t *testing.T) {
	s := newTestStore(state.Options{})
	ctx := context.Background()
	user := mustUser(t, s, "alice")
	user.AddSocket(ctx, "s1", "inst-1")
	user.AddSocket(ctx, "s2", "inst-2")

	sockets, err := s.GetInstanceSockets(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstanceSockets failed: %v", err)
	}
	if len(sockets) != 1 || sockets["s1"] != "alice" {
		t.Errorf("Unexpected instance sockets: %v", sockets)
	}

	user.RemoveSocket(ctx, "s1")
	sockets, _ = s.GetInstanceSockets(ctx, "inst-1")
	if len(sockets) != 0 {
		t.Errorf("Expected no sockets after removal, got %v", sockets)
	}

	if err := s.SetInstanceHeartbeat(ctx, "inst-1"); err != nil {
		t.Fatalf("SetInstanceHeartbeat failed: %v", err)
	}
	hb, err := s.GetInstanceHeartbeat(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstanceHeartbeat failed: %v", err)
	}
	if hb.IsZero() {
		t.Error("Expected non-zero heartbeat")
	}
	if hb2, _ := s.GetInstanceHeartbeat(ctx, "never-seen"); !hb2.IsZero() {
		t.Error("Expected zero heartbeat for unknown instance")
	}
}

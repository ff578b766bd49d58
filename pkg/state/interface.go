package state

import (
	"context"
	"time"
)

// Store is the pluggable persistence contract. Two conforming
// implementations exist: a single-process in-memory one and a Redis-backed
// one shared by multiple cooperating instances. Protocol code must behave
// identically against either.
type Store interface {
	// --- Room lifecycle ---
	MakeRoom(ctx context.Context, name, owner string) error
	RemoveRoom(ctx context.Context, name string) error
	GetRoom(ctx context.Context, name string) (RoomState, error)
	HasRoom(ctx context.Context, name string) (bool, error)
	ListRooms(ctx context.Context) ([]string, error)

	// --- User lifecycle ---
	// MakeUser provisions a user record; users are also created implicitly
	// on first connection.
	MakeUser(ctx context.Context, name string) error
	// RemoveUser deletes a user's stored state. It fails while the user
	// still has live sockets.
	RemoveUser(ctx context.Context, name string) error
	GetUser(ctx context.Context, name string) (UserState, error)
	HasUser(ctx context.Context, name string) (bool, error)

	// --- Instance bookkeeping ---
	SetInstanceHeartbeat(ctx context.Context, instanceID string) error
	GetInstanceHeartbeat(ctx context.Context, instanceID string) (time.Time, error)
	// GetInstanceSockets returns socketID -> userName for every socket the
	// given instance owns (or owned, if it died without cleanup).
	GetInstanceSockets(ctx context.Context, instanceID string) (map[string]string, error)

	Close() error
}

// RoomState is the per-room persistence surface: permission lists, the
// derived userlist, the whitelist-only flag and bounded message history.
type RoomState interface {
	// List operations fail with ErrNoSuchList for unrecognized names.
	// AddToList fails with ErrListLimitExceeded when the post-add size
	// would exceed the configured cap; the userlist is exempt from the
	// cap. Removal is always permitted.
	AddToList(ctx context.Context, list ListName, names ...string) error
	RemoveFromList(ctx context.Context, list ListName, names ...string) error
	GetList(ctx context.Context, list ListName) ([]string, error)
	HasInList(ctx context.Context, list ListName, name string) (bool, error)

	OwnerGet(ctx context.Context) (string, error)
	OwnerSet(ctx context.Context, owner string) error

	WhitelistOnlyGet(ctx context.Context) (bool, error)
	WhitelistOnlySet(ctx context.Context, on bool) error

	// MessageAdd stamps msg with the next per-room id and the current
	// time, prepends it, and trims the oldest entry past the configured
	// max size. With max size zero the message is stamped but not
	// retained. The stamped message is returned.
	MessageAdd(ctx context.Context, msg Message) (Message, error)
	// MessagesGet returns messages with id > sinceID, newest first,
	// capped at min(limit, maxGetMessages). Asking for ids already
	// truncated is not an error; whatever is retained is returned.
	// limit <= 0 returns nothing.
	MessagesGet(ctx context.Context, sinceID uint64, limit int) ([]Message, error)
	HistoryInfo(ctx context.Context) (HistoryInfo, error)
	// HistoryMaxSizeSet reconfigures the cap, trimming oldest-first
	// immediately if the retained history exceeds the new value.
	HistoryMaxSizeSet(ctx context.Context, maxSize int) error

	// Per user-room last-seen stamps, written on first join.
	UserSeenGet(ctx context.Context, user string) (time.Time, error)
	UserSeenSet(ctx context.Context, user string, t time.Time) error
}

// UserState is the per-user persistence surface: the short-lived per-room
// lock and socket/room association bookkeeping.
type UserState interface {
	// Lock acquires the (user, room) reservation, retrying with bounded
	// exponential backoff before failing with ErrTimeout. value is the
	// holder token; Unlock releases only while that exact value is still
	// held, so an expired lock reacquired by a later holder is never
	// released by the earlier one.
	Lock(ctx context.Context, room, value string, ttl time.Duration) error
	Unlock(ctx context.Context, room, value string) error

	AddSocket(ctx context.Context, socketID, instanceID string) error
	// RemoveSocket atomically pops the socket's full room set, reporting
	// the user's residual socket count per vacated room and the user's
	// remaining connection count.
	RemoveSocket(ctx context.Context, socketID string) (SocketRemoval, error)
	// GetAllSockets returns socketID -> joined room names.
	GetAllSockets(ctx context.Context) (map[string][]string, error)
	// GetSocketsToInstance returns socketID -> owning instance id.
	GetSocketsToInstance(ctx context.Context) (map[string]string, error)

	// AddSocketToRoom and RemoveSocketFromRoom update the socket->rooms
	// and room->sockets mappings atomically, returning the user's
	// resulting socket count in the room and whether it actually changed
	// (idempotent re-joins report changed == false).
	AddSocketToRoom(ctx context.Context, socketID, room string) (occupancy int, changed bool, err error)
	RemoveSocketFromRoom(ctx context.Context, socketID, room string) (occupancy int, changed bool, err error)
	// RemoveAllSocketsFromRoom atomically pops every socket of this user
	// from the room, returning the popped socket ids.
	RemoveAllSocketsFromRoom(ctx context.Context, room string) ([]string, error)

	ConnectionCount(ctx context.Context) (int, error)
}

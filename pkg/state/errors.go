package state

import "errors"

// Expected, recoverable outcomes of protocol operations. Callers are meant
// to match these with errors.Is after any wrapping.
var (
	ErrNoSuchList        = errors.New("no such list")
	ErrListLimitExceeded = errors.New("list size limit exceeded")
	ErrNotAllowed        = errors.New("not allowed")
	ErrNotJoined         = errors.New("not joined to room")
	ErrTimeout           = errors.New("lock acquisition timed out")
	ErrNoSuchRoom        = errors.New("no such room")
	ErrNoSuchUser        = errors.New("no such user")
	ErrRoomExists        = errors.New("room already exists")
	ErrUserExists        = errors.New("user already exists")
	ErrNoSuchSocket      = errors.New("no such socket")
	ErrLockNotHeld       = errors.New("lock not held by caller")
)

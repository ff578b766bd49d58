package service

import (
	"log/slog"
	"time"
)

// FailureKind classifies which piece of bookkeeping diverged.
type FailureKind string

const (
	FailureUserRooms        FailureKind = "userRooms"
	FailureRoomUserlist     FailureKind = "roomUserlist"
	FailureUserSockets      FailureKind = "userSockets"
	FailureTransportChannel FailureKind = "transportChannel"
)

// ConsistencyFailure records a backend or transport error that occurred
// during best-effort cleanup. It is reported, never returned to the
// operation's caller; the reconciler is the designated repair path.
type ConsistencyFailure struct {
	Kind   FailureKind
	Op     string
	User   string
	Room   string
	Socket string
	Err    error
}

// LockNote is emitted when a lock was held past its TTL. Expiry already
// protects correctness, so this is an operational signal, not an error.
type LockNote struct {
	User string
	Room string
	TTL  time.Duration
	Held time.Duration
}

type FailureReporter func(ConsistencyFailure)
type LockReporter func(LockNote)

func (s *Service) report(f ConsistencyFailure) {
	s.logger.Warn("Consistency failure",
		slog.String("kind", string(f.Kind)),
		slog.String("op", f.Op),
		slog.String("user", f.User),
		slog.String("room", f.Room),
		slog.String("socket", f.Socket),
		slog.Any("error", f.Err),
	)
	if s.onFailure != nil {
		s.onFailure(f)
	}
}

func (s *Service) reportLock(n LockNote) {
	s.logger.Warn("Lock held past TTL",
		slog.String("user", n.User),
		slog.String("room", n.Room),
		slog.Duration("ttl", n.TTL),
		slog.Duration("held", n.Held),
	)
	if s.onLockHeld != nil {
		s.onLockHeld(n)
	}
}

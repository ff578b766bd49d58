// Package reconcile contains the read-repair routines that detect and
// correct divergence between live socket state and stored membership after
// crashes, lock timeouts, or backend failures. None of this is needed on
// the happy path; the association protocol is correct on its own and these
// routines only heal the aftermath of partial failures.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/go-presence/internal/service"
	"github.com/a-essam23/go-presence/pkg/room"
	"github.com/a-essam23/go-presence/pkg/state"
	"github.com/a-essam23/go-presence/pkg/transport"
)

type Reconciler struct {
	store      state.Store
	transport  transport.Transport
	svc        *service.Service
	logger     *slog.Logger
	instanceID string
}

func New(logger *slog.Logger, store state.Store, tr transport.Transport, svc *service.Service, instanceID string) *Reconciler {
	return &Reconciler{
		store:      store,
		transport:  tr,
		svc:        svc,
		logger:     logger.With(slog.String("component", "reconciler")),
		instanceID: instanceID,
	}
}

// CheckUserSockets drops socket records that claim ownership by this
// instance but have no live transport connection, then repairs rooms every
// remaining socket agrees the user is in but whose userlist lost the user
// (a crash between the room write and the per-socket write).
func (r *Reconciler) CheckUserSockets(ctx context.Context, userName string) error {
	user, err := r.store.GetUser(ctx, userName)
	if err != nil {
		return err
	}

	instances, err := user.GetSocketsToInstance(ctx)
	if err != nil {
		return err
	}
	for socketID, instanceID := range instances {
		if instanceID != r.instanceID || r.transport.IsConnected(socketID) {
			continue
		}
		r.logger.Info("Dropping dead socket record", slog.String("user", userName), slog.String("socket", socketID))
		if _, err := user.RemoveSocket(ctx, socketID); err != nil {
			r.logger.Warn("Failed to drop dead socket record",
				slog.String("user", userName), slog.String("socket", socketID), slog.Any("error", err))
		}
	}

	sockets, err := user.GetAllSockets(ctx)
	if err != nil {
		return err
	}
	if len(sockets) == 0 {
		return nil
	}

	// rooms present in every remaining socket's room set
	counts := make(map[string]int)
	for _, rooms := range sockets {
		for _, roomName := range rooms {
			counts[roomName]++
		}
	}
	for roomName, n := range counts {
		if n != len(sockets) {
			continue
		}
		rm, err := r.store.GetRoom(ctx, roomName)
		if err != nil {
			if errors.Is(err, state.ErrNoSuchRoom) {
				continue
			}
			return err
		}
		listed, err := rm.HasInList(ctx, state.ListUsers, userName)
		if err != nil {
			return err
		}
		if listed {
			continue
		}
		r.logger.Info("Repairing user missing from userlist",
			slog.String("user", userName), slog.String("room", roomName))
		if err := r.svc.RemoveFromRoom(ctx, userName, roomName); err != nil {
			r.logger.Warn("Repair removal failed",
				slog.String("user", userName), slog.String("room", roomName), slog.Any("error", err))
		}
	}
	return nil
}

// CheckRoomJoined verifies every userlist entry still has a socket in the
// room and still passes the room's access check, removing those that fail
// either condition.
func (r *Reconciler) CheckRoomJoined(ctx context.Context, roomName string) error {
	rm, err := r.store.GetRoom(ctx, roomName)
	if err != nil {
		return err
	}
	checker := room.NewChecker(rm)

	joined, err := rm.GetList(ctx, state.ListUsers)
	if err != nil {
		return err
	}
	for _, userName := range joined {
		stale, err := r.userlistEntryStale(ctx, checker, userName, roomName)
		if err != nil {
			return err
		}
		if !stale {
			continue
		}
		r.logger.Info("Removing stale userlist entry",
			slog.String("user", userName), slog.String("room", roomName))
		if err := r.svc.RemoveFromRoom(ctx, userName, roomName); err != nil {
			r.logger.Warn("Stale entry removal failed",
				slog.String("user", userName), slog.String("room", roomName), slog.Any("error", err))
		}
	}
	return nil
}

func (r *Reconciler) userlistEntryStale(ctx context.Context, checker room.Checker, userName, roomName string) (bool, error) {
	user, err := r.store.GetUser(ctx, userName)
	if err != nil {
		if errors.Is(err, state.ErrNoSuchUser) {
			return true, nil
		}
		return false, err
	}
	sockets, err := user.GetAllSockets(ctx)
	if err != nil {
		return false, err
	}
	joined := false
	for _, rooms := range sockets {
		for _, name := range rooms {
			if name == roomName {
				joined = true
			}
		}
	}
	if !joined {
		return true, nil
	}
	if err := checker.CheckAccess(ctx, userName); err != nil {
		if errors.Is(err, state.ErrNotAllowed) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// InstanceRecovery synthesizes a disconnect for every socket a dead
// instance left behind, driving each through the normal cleanup path.
func (r *Reconciler) InstanceRecovery(ctx context.Context, instanceID string) error {
	sockets, err := r.store.GetInstanceSockets(ctx, instanceID)
	if err != nil {
		return err
	}
	for socketID, userName := range sockets {
		r.logger.Info("Recovering socket of dead instance",
			slog.String("instance", instanceID), slog.String("socket", socketID), slog.String("user", userName))
		r.svc.RemoveUserSocket(ctx, userName, socketID)
	}
	return nil
}

// InstanceStale reports whether an instance's heartbeat is older than the
// given window. A stale heartbeat is the trigger for InstanceRecovery.
func (r *Reconciler) InstanceStale(ctx context.Context, instanceID string, window time.Duration) (bool, error) {
	hb, err := r.store.GetInstanceHeartbeat(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if hb.IsZero() {
		return true, nil
	}
	return time.Since(hb) > window, nil
}

// HeartbeatLoop periodically writes this instance's liveness stamp until
// ctx is done.
func (r *Reconciler) HeartbeatLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := r.store.SetInstanceHeartbeat(ctx, r.instanceID); err != nil {
			r.logger.Warn("Heartbeat write failed", slog.Any("error", err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

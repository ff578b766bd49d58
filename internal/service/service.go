// Package service implements the per-socket join/leave/disconnect protocol
// and the administrative eviction path, coordinating StateStore mutations
// with transport channel subscriptions and inter-instance drop requests.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/a-essam23/go-presence/pkg/bus"
	"github.com/a-essam23/go-presence/pkg/room"
	"github.com/a-essam23/go-presence/pkg/state"
	"github.com/a-essam23/go-presence/pkg/transport"
)

// Server-to-client event names.
const (
	EventJoinedEcho     = "roomJoinedEcho"
	EventLeftEcho       = "roomLeftEcho"
	EventUserJoined     = "roomUserJoined"
	EventUserLeft       = "roomUserLeft"
	EventAccessRemoved  = "roomAccessRemoved"
	EventMessage        = "roomMessage"
	EventConnectEcho    = "socketConnectEcho"
	EventDisconnectEcho = "socketDisconnectEcho"
)

const busBroadcast = "broadcast"

type Config struct {
	InstanceID            string
	LockTTL               time.Duration
	AckTimeout            time.Duration
	EnableUserlistUpdates bool
	DisconnectConcurrency int64
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = state.DefaultLockTTL
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.DisconnectConcurrency <= 0 {
		c.DisconnectConcurrency = 32
	}
	return c
}

// Service drives the user association protocol. Store, transport and bus
// are injected so tests can substitute fakes.
type Service struct {
	store     state.Store
	transport transport.Transport
	bus       bus.Bus
	logger    *slog.Logger
	cfg       Config

	onFailure  FailureReporter
	onLockHeld LockReporter

	stopBus func()
}

func New(logger *slog.Logger, store state.Store, tr transport.Transport, b bus.Bus, cfg Config) *Service {
	return &Service{
		store:     store,
		transport: tr,
		bus:       b,
		logger:    logger.With(slog.String("component", "service")),
		cfg:       cfg.withDefaults(),
	}
}

// SetFailureReporter registers an observer for consistency failures.
func (s *Service) SetFailureReporter(r FailureReporter) { s.onFailure = r }

// SetLockReporter registers an observer for lock-held-past-TTL notes.
func (s *Service) SetLockReporter(r LockReporter) { s.onLockHeld = r }

// Start wires the service to the bus: remote broadcast delivery and the
// drop-subscription responder for sockets this instance owns.
func (s *Service) Start() error {
	unsub, err := s.bus.Subscribe(busBroadcast, s.handleRemoteBroadcast)
	if err != nil {
		return err
	}
	s.stopBus = unsub

	return s.bus.ServeDrops(s.cfg.InstanceID, func(socketID, roomName string) error {
		return s.transport.Unsubscribe(socketID, roomChannel(roomName))
	})
}

func (s *Service) Stop() {
	if s.stopBus != nil {
		s.stopBus()
	}
}

func roomChannel(room string) string { return "room:" + room }
func userChannel(user string) string { return "user:" + user }

type busEvent struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// broadcast delivers to local subscribers and fans out to the other
// instances over the bus.
func (s *Service) broadcast(ctx context.Context, channel, event string, payload any) {
	s.transport.SendToChannel(channel, event, payload)

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast payload", slog.String("event", event), slog.Any("error", err))
		return
	}
	raw, err := json.Marshal(busEvent{
		Origin:  s.cfg.InstanceID,
		Channel: channel,
		Event:   event,
		Payload: rawPayload,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, busBroadcast, raw); err != nil {
		s.logger.Warn("Bus publish failed", slog.String("event", event), slog.Any("error", err))
	}
}

func (s *Service) handleRemoteBroadcast(payload []byte) {
	var evt busEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.logger.Warn("Malformed bus broadcast", slog.Any("error", err))
		return
	}
	if evt.Origin == s.cfg.InstanceID {
		return // already delivered locally
	}
	s.transport.SendToChannel(evt.Channel, evt.Event, evt.Payload)
}

// lockUserRoom acquires the per-(user, room) reservation and returns the
// release func. The lock scopes one user's state only; it does not
// serialize different users on the same room.
func (s *Service) lockUserRoom(ctx context.Context, user state.UserState, userName, roomName string) (func(), error) {
	token := uuid.NewString()
	if err := user.Lock(ctx, roomName, token, s.cfg.LockTTL); err != nil {
		return nil, err
	}
	acquired := time.Now()

	return func() {
		held := time.Since(acquired)
		if err := user.Unlock(ctx, roomName, token); err != nil {
			s.logger.Warn("Unlock failed", slog.String("user", userName), slog.String("room", roomName), slog.Any("error", err))
		}
		if held > s.cfg.LockTTL {
			s.reportLock(LockNote{User: userName, Room: roomName, TTL: s.cfg.LockTTL, Held: held})
		}
	}, nil
}

func (s *Service) roomFor(ctx context.Context, name string) (*room.Room, error) {
	st, err := s.store.GetRoom(ctx, name)
	if err != nil {
		return nil, err
	}
	return room.New(name, st), nil
}

type joinNotice struct {
	Room      string `json:"room"`
	User      string `json:"user,omitempty"`
	Occupancy int    `json:"occupancy"`
}

// JoinSocketToRoom joins one socket to a room. With bypass set (server
// authority) access checks are skipped and the join confirmation is echoed
// to all of the user's sockets. Returns the user's socket count in the
// room after the join.
func (s *Service) JoinSocketToRoom(ctx context.Context, userName, socketID, roomName string, bypass bool) (int, error) {
	user, err := s.store.GetUser(ctx, userName)
	if err != nil {
		return 0, err
	}
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return 0, err
	}

	unlock, err := s.lockUserRoom(ctx, user, userName, roomName)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if !bypass {
		if err := rm.CheckAccess(ctx, userName); err != nil {
			return 0, err
		}
	}

	joined, err := rm.State.HasInList(ctx, state.ListUsers, userName)
	if err != nil {
		return 0, err
	}
	if !joined {
		if err := rm.State.UserSeenSet(ctx, userName, time.Now().UTC()); err != nil {
			return 0, err
		}
		if err := rm.State.AddToList(ctx, state.ListUsers, userName); err != nil {
			return 0, err
		}
	}

	occupancy, changed, err := user.AddSocketToRoom(ctx, socketID, roomName)
	if err != nil {
		return 0, err
	}

	if err := s.transport.Subscribe(socketID, roomChannel(roomName)); err != nil {
		s.rollbackJoin(ctx, rm, user, userName, socketID, roomName)
		return 0, err
	}

	if changed && occupancy == 1 && s.cfg.EnableUserlistUpdates {
		s.broadcast(ctx, roomChannel(roomName), EventUserJoined, joinNotice{Room: roomName, User: userName, Occupancy: occupancy})
	}

	echo := joinNotice{Room: roomName, Occupancy: occupancy}
	if bypass {
		s.broadcast(ctx, userChannel(userName), EventJoinedEcho, echo)
	} else {
		s.transport.SendToSocket(socketID, EventJoinedEcho, echo)
	}
	return occupancy, nil
}

// rollbackJoin undoes the store mutations of a join whose subscribe step
// failed. Failures here are reported, not returned; the caller re-raises
// the original subscribe error.
func (s *Service) rollbackJoin(ctx context.Context, rm *room.Room, user state.UserState, userName, socketID, roomName string) {
	occupancy, _, err := user.RemoveSocketFromRoom(ctx, socketID, roomName)
	if err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureUserRooms, Op: "join.rollback",
			User: userName, Room: roomName, Socket: socketID, Err: err,
		})
		return
	}
	if occupancy == 0 {
		if err := rm.State.RemoveFromList(ctx, state.ListUsers, userName); err != nil {
			s.report(ConsistencyFailure{
				Kind: FailureRoomUserlist, Op: "join.rollback",
				User: userName, Room: roomName, Socket: socketID, Err: err,
			})
		}
	}
}

// LeaveSocketFromRoom removes one socket from a room. Transport
// unsubscription failures are reported but do not abort the flow.
func (s *Service) LeaveSocketFromRoom(ctx context.Context, userName, socketID, roomName string) (int, error) {
	user, err := s.store.GetUser(ctx, userName)
	if err != nil {
		return 0, err
	}
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return 0, err
	}

	unlock, err := s.lockUserRoom(ctx, user, userName, roomName)
	if err != nil {
		return 0, err
	}
	defer unlock()

	occupancy, changed, err := user.RemoveSocketFromRoom(ctx, socketID, roomName)
	if err != nil {
		return 0, err
	}

	if err := s.transport.Unsubscribe(socketID, roomChannel(roomName)); err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureTransportChannel, Op: "leave",
			User: userName, Room: roomName, Socket: socketID, Err: err,
		})
	}

	if occupancy == 0 {
		if err := rm.State.RemoveFromList(ctx, state.ListUsers, userName); err != nil {
			s.report(ConsistencyFailure{
				Kind: FailureRoomUserlist, Op: "leave",
				User: userName, Room: roomName, Socket: socketID, Err: err,
			})
		}
	}

	if changed {
		s.transport.SendToSocket(socketID, EventLeftEcho, joinNotice{Room: roomName, Occupancy: occupancy})
		if occupancy == 0 && s.cfg.EnableUserlistUpdates {
			s.broadcast(ctx, roomChannel(roomName), EventUserLeft, joinNotice{Room: roomName, User: userName})
		}
	}
	return occupancy, nil
}

type disconnectNotice struct {
	Socket      string `json:"socket"`
	Connections int    `json:"connections"`
}

// RemoveUserSocket runs the full disconnect cleanup for one socket across
// every room it had joined. It never returns an error: a disconnect must
// always complete, and any partial failure is surfaced as a consistency
// event for the reconciler.
func (s *Service) RemoveUserSocket(ctx context.Context, userName, socketID string) {
	user, err := s.store.GetUser(ctx, userName)
	if err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureUserSockets, Op: "disconnect",
			User: userName, Socket: socketID, Err: err,
		})
		return
	}

	removal, err := user.RemoveSocket(ctx, socketID)
	if err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureUserSockets, Op: "disconnect",
			User: userName, Socket: socketID, Err: err,
		})
		return
	}

	sem := semaphore.NewWeighted(s.cfg.DisconnectConcurrency)
	var wg sync.WaitGroup
	for roomName, occupancy := range removal.Rooms {
		if err := sem.Acquire(ctx, 1); err != nil {
			s.cleanupVacatedRoom(ctx, userName, socketID, roomName, occupancy)
			continue
		}
		wg.Add(1)
		go func(roomName string, occupancy int) {
			defer wg.Done()
			defer sem.Release(1)
			s.cleanupVacatedRoom(ctx, userName, socketID, roomName, occupancy)
		}(roomName, occupancy)
	}
	wg.Wait()

	s.broadcast(ctx, userChannel(userName), EventDisconnectEcho, disconnectNotice{
		Socket:      socketID,
		Connections: removal.ConnectionsLeft,
	})
}

// cleanupVacatedRoom is one room's share of a disconnect: unsubscribe the
// channel and, if the user's last socket left, repair the userlist. Every
// step is independently best-effort.
func (s *Service) cleanupVacatedRoom(ctx context.Context, userName, socketID, roomName string, occupancy int) {
	if err := s.transport.Unsubscribe(socketID, roomChannel(roomName)); err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureTransportChannel, Op: "disconnect",
			User: userName, Room: roomName, Socket: socketID, Err: err,
		})
	}
	if occupancy != 0 {
		return
	}
	rm, err := s.store.GetRoom(ctx, roomName)
	if err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureRoomUserlist, Op: "disconnect",
			User: userName, Room: roomName, Socket: socketID, Err: err,
		})
		return
	}
	if err := rm.RemoveFromList(ctx, state.ListUsers, userName); err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureRoomUserlist, Op: "disconnect",
			User: userName, Room: roomName, Socket: socketID, Err: err,
		})
		return
	}
	if s.cfg.EnableUserlistUpdates {
		s.broadcast(ctx, roomChannel(roomName), EventUserLeft, joinNotice{Room: roomName, User: userName})
	}
}

// RemoveFromRoom is the administrative eviction: it pops every socket the
// user has in the room, local or remote, and removes the user from the
// userlist. Remote drop requests are acknowledged within a bounded wait;
// a timeout is accepted as best-effort cleanup.
func (s *Service) RemoveFromRoom(ctx context.Context, userName, roomName string) error {
	user, err := s.store.GetUser(ctx, userName)
	if err != nil {
		return err
	}
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return err
	}

	unlock, err := s.lockUserRoom(ctx, user, userName, roomName)
	if err != nil {
		return err
	}
	defer unlock()

	instances, err := user.GetSocketsToInstance(ctx)
	if err != nil {
		return err
	}
	popped, err := user.RemoveAllSocketsFromRoom(ctx, roomName)
	if err != nil {
		return err
	}

	for _, socketID := range popped {
		instanceID := instances[socketID]
		if instanceID == s.cfg.InstanceID {
			if err := s.transport.Unsubscribe(socketID, roomChannel(roomName)); err != nil {
				s.report(ConsistencyFailure{
					Kind: FailureTransportChannel, Op: "eviction",
					User: userName, Room: roomName, Socket: socketID, Err: err,
				})
			}
			continue
		}
		if err := s.bus.RequestDrop(ctx, instanceID, socketID, roomName, s.cfg.AckTimeout); err != nil {
			// unacked drops are acceptable; expiry and the reconciler cover the rest
			s.logger.Warn("Remote drop unacknowledged",
				slog.String("instance", instanceID),
				slog.String("socket", socketID),
				slog.String("room", roomName),
				slog.Any("error", err),
			)
		}
	}

	if len(popped) > 0 {
		s.broadcast(ctx, userChannel(userName), EventAccessRemoved, joinNotice{Room: roomName})
		if s.cfg.EnableUserlistUpdates {
			s.broadcast(ctx, roomChannel(roomName), EventUserLeft, joinNotice{Room: roomName, User: userName})
		}
	}

	if err := rm.State.RemoveFromList(ctx, state.ListUsers, userName); err != nil {
		s.report(ConsistencyFailure{
			Kind: FailureRoomUserlist, Op: "eviction",
			User: userName, Room: roomName, Err: err,
		})
	}
	return nil
}

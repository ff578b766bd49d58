package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/a-essam23/go-presence/pkg/room"
	"github.com/a-essam23/go-presence/pkg/state"
)

// RoomOptions shape a room at creation time.
type RoomOptions struct {
	Owner         string
	WhitelistOnly bool
	Whitelist     []string
}

func (s *Service) MakeRoom(ctx context.Context, name string, opts RoomOptions) error {
	if err := s.store.MakeRoom(ctx, name, opts.Owner); err != nil {
		return err
	}
	rm, err := s.store.GetRoom(ctx, name)
	if err != nil {
		return err
	}
	if len(opts.Whitelist) > 0 {
		if err := rm.AddToList(ctx, state.ListWhite, opts.Whitelist...); err != nil {
			return err
		}
	}
	if opts.WhitelistOnly {
		if err := rm.WhitelistOnlySet(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRoom evicts every joined user through the normal removal path,
// then drops the room's stored state.
func (s *Service) DeleteRoom(ctx context.Context, name string) error {
	rm, err := s.store.GetRoom(ctx, name)
	if err != nil {
		return err
	}
	joined, err := rm.GetList(ctx, state.ListUsers)
	if err != nil {
		return err
	}
	for _, userName := range joined {
		if err := s.RemoveFromRoom(ctx, userName, name); err != nil {
			s.report(ConsistencyFailure{
				Kind: FailureRoomUserlist, Op: "room.delete",
				User: userName, Room: name, Err: err,
			})
		}
	}
	return s.store.RemoveRoom(ctx, name)
}

// ConnectSocket registers a freshly upgraded socket: the user record is
// provisioned on first connection, the socket joins the user's private
// channel, and a connect echo carries the new connection count.
func (s *Service) ConnectSocket(ctx context.Context, userName, socketID string) error {
	if err := s.store.MakeUser(ctx, userName); err != nil && !errors.Is(err, state.ErrUserExists) {
		return err
	}
	user, err := s.store.GetUser(ctx, userName)
	if err != nil {
		return err
	}
	if err := user.AddSocket(ctx, socketID, s.cfg.InstanceID); err != nil {
		return err
	}
	if err := s.transport.Subscribe(socketID, userChannel(userName)); err != nil {
		if _, rbErr := user.RemoveSocket(ctx, socketID); rbErr != nil {
			s.report(ConsistencyFailure{
				Kind: FailureUserSockets, Op: "connect.rollback",
				User: userName, Socket: socketID, Err: rbErr,
			})
		}
		return err
	}

	count, err := user.ConnectionCount(ctx)
	if err != nil {
		count = 0
	}
	s.transport.SendToSocket(socketID, EventConnectEcho, disconnectNotice{
		Socket:      socketID,
		Connections: count,
	})
	return nil
}

type listChange struct {
	Room  string   `json:"room"`
	List  string   `json:"list"`
	Names []string `json:"names"`
}

// AddToRoomList performs a permission-checked list addition, then applies
// the blacklist eviction side effect after the write commits.
func (s *Service) AddToRoomList(ctx context.Context, author, roomName string, list state.ListName, names []string, bypass bool) error {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return err
	}
	if err := rm.CheckListChanges(ctx, author, list, names, bypass); err != nil {
		return err
	}
	if err := rm.State.AddToList(ctx, list, names...); err != nil {
		return err
	}

	if list == state.ListBlack {
		s.evictBarred(ctx, rm, names)
	}
	return nil
}

// RemoveFromRoomList performs a permission-checked list removal. Removing
// whitelist entries while whitelist-only mode is active evicts the removed
// names that are joined and not admins.
func (s *Service) RemoveFromRoomList(ctx context.Context, author, roomName string, list state.ListName, names []string, bypass bool) error {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return err
	}
	if err := rm.CheckListChanges(ctx, author, list, names, bypass); err != nil {
		return err
	}
	if err := rm.State.RemoveFromList(ctx, list, names...); err != nil {
		return err
	}

	if list == state.ListWhite {
		wlOnly, err := rm.State.WhitelistOnlyGet(ctx)
		if err != nil {
			return err
		}
		if wlOnly {
			s.evictBarred(ctx, rm, names)
		}
	}
	return nil
}

// SetWhitelistOnly toggles whitelist-only mode. Turning it on evicts every
// joined name that is neither an admin nor whitelisted; turning it off
// evicts nobody.
func (s *Service) SetWhitelistOnly(ctx context.Context, author, roomName string, on, bypass bool) error {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return err
	}
	if err := rm.CheckModeChange(ctx, author, bypass); err != nil {
		return err
	}
	if err := rm.State.WhitelistOnlySet(ctx, on); err != nil {
		return err
	}
	if !on {
		return nil
	}

	joined, err := rm.State.GetList(ctx, state.ListUsers)
	if err != nil {
		return err
	}
	for _, name := range joined {
		whitelisted, err := rm.State.HasInList(ctx, state.ListWhite, name)
		if err != nil {
			s.report(ConsistencyFailure{Kind: FailureRoomUserlist, Op: "mode.evict", User: name, Room: roomName, Err: err})
			continue
		}
		if whitelisted {
			continue
		}
		s.evictIfNotAdmin(ctx, rm, name)
	}
	return nil
}

// evictBarred evicts every listed name that is currently joined and not an
// admin. Used after blacklist additions and whitelist removals.
func (s *Service) evictBarred(ctx context.Context, rm *room.Room, names []string) {
	for _, name := range names {
		joined, err := rm.State.HasInList(ctx, state.ListUsers, name)
		if err != nil {
			s.report(ConsistencyFailure{Kind: FailureRoomUserlist, Op: "list.evict", User: name, Room: rm.Name, Err: err})
			continue
		}
		if !joined {
			continue
		}
		s.evictIfNotAdmin(ctx, rm, name)
	}
}

func (s *Service) evictIfNotAdmin(ctx context.Context, rm *room.Room, name string) {
	admin, err := rm.IsAdmin(ctx, name)
	if err != nil {
		s.report(ConsistencyFailure{Kind: FailureRoomUserlist, Op: "list.evict", User: name, Room: rm.Name, Err: err})
		return
	}
	if admin {
		return
	}
	if err := s.RemoveFromRoom(ctx, name, rm.Name); err != nil {
		s.report(ConsistencyFailure{Kind: FailureRoomUserlist, Op: "list.evict", User: name, Room: rm.Name, Err: err})
	}
}

// GetRoomList reads a room list with a read permission check.
func (s *Service) GetRoomList(ctx context.Context, author, roomName string, list state.ListName, bypass bool) ([]string, error) {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return nil, err
	}
	if err := rm.CheckRead(ctx, author, bypass); err != nil {
		return nil, err
	}
	return rm.State.GetList(ctx, list)
}

// SendMessage appends a message to the room history and broadcasts it to
// the room channel. The author must be joined (or admin, or bypass).
func (s *Service) SendMessage(ctx context.Context, author, roomName string, payload json.RawMessage, bypass bool) (state.Message, error) {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return state.Message{}, err
	}
	if err := rm.CheckRead(ctx, author, bypass); err != nil {
		return state.Message{}, err
	}
	msg, err := rm.State.MessageAdd(ctx, state.Message{Author: author, Payload: payload})
	if err != nil {
		return state.Message{}, err
	}
	s.broadcast(ctx, roomChannel(roomName), EventMessage, struct {
		Room    string        `json:"room"`
		Message state.Message `json:"message"`
	}{Room: roomName, Message: msg})
	return msg, nil
}

// GetMessages reads room history newer than sinceID.
func (s *Service) GetMessages(ctx context.Context, author, roomName string, sinceID uint64, limit int, bypass bool) ([]state.Message, error) {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return nil, err
	}
	if err := rm.CheckRead(ctx, author, bypass); err != nil {
		return nil, err
	}
	return rm.State.MessagesGet(ctx, sinceID, limit)
}

// HistoryInfo reads the room's history bounds.
func (s *Service) HistoryInfo(ctx context.Context, author, roomName string, bypass bool) (state.HistoryInfo, error) {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return state.HistoryInfo{}, err
	}
	if err := rm.CheckRead(ctx, author, bypass); err != nil {
		return state.HistoryInfo{}, err
	}
	return rm.State.HistoryInfo(ctx)
}

// LastSeen reads a user's last-seen stamp in a room.
func (s *Service) LastSeen(ctx context.Context, author, roomName, target string, bypass bool) (time.Time, error) {
	rm, err := s.roomFor(ctx, roomName)
	if err != nil {
		return time.Time{}, err
	}
	if err := rm.CheckRead(ctx, author, bypass); err != nil {
		return time.Time{}, err
	}
	return rm.State.UserSeenGet(ctx, target)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/a-essam23/go-presence/pkg/state"
)

type ClientMessage struct {
	Event   string          `json:"event"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type ErrorReply struct {
	Room  string `json:"room,omitempty"`
	Error string `json:"error"`
}

type command struct {
	ctx      context.Context
	socketID string
	user     string
	bypass   bool
	msg      *ClientMessage
}

func seenString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// errorCode maps protocol errors to stable wire identifiers.
func errorCode(err error) string {
	switch {
	case errors.Is(err, state.ErrNoSuchList):
		return "NO_SUCH_LIST"
	case errors.Is(err, state.ErrListLimitExceeded):
		return "LIST_LIMIT_EXCEEDED"
	case errors.Is(err, state.ErrNotAllowed):
		return "NOT_ALLOWED"
	case errors.Is(err, state.ErrNotJoined):
		return "NOT_JOINED"
	case errors.Is(err, state.ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, state.ErrNoSuchRoom):
		return "NO_SUCH_ROOM"
	case errors.Is(err, state.ErrNoSuchUser):
		return "NO_SUCH_USER"
	case errors.Is(err, state.ErrRoomExists):
		return "ROOM_EXISTS"
	case errors.Is(err, state.ErrUserExists):
		return "USER_EXISTS"
	}
	return "INTERNAL"
}

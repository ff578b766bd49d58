// Package router maps client command messages onto the membership
// protocol and room operations, and sends replies and error events back
// to the acting socket.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/go-presence/internal/service"
	"github.com/a-essam23/go-presence/pkg/transport"
)

// Identity resolves the authenticated user behind a socket. bypass is the
// server-authority flag carried by the connection's credentials.
type Identity func(socketID string) (user string, bypass bool, ok bool)

type CommandRouter struct {
	logger    *slog.Logger
	svc       *service.Service
	transport transport.Transport
	identity  Identity
}

func NewCommandRouter(logger *slog.Logger, svc *service.Service, tr transport.Transport, identity Identity) *CommandRouter {
	return &CommandRouter{
		logger:    logger.With(slog.String("component", "command_router")),
		svc:       svc,
		transport: tr,
		identity:  identity,
	}
}

func (r *CommandRouter) HandleMessage(ctx context.Context, socketID string, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", "socketID", socketID, "error", err)
		r.transport.SendToSocket(socketID, "error", ErrorReply{Error: "BAD_MESSAGE"})
		return
	}

	user, bypass, ok := r.identity(socketID)
	if !ok {
		r.logger.Error("Message from socket with no identity", slog.String("socketID", socketID))
		return
	}

	cmd := command{
		ctx:      ctx,
		socketID: socketID,
		user:     user,
		bypass:   bypass,
		msg:      &clientMsg,
	}
	r.logger.Debug("Executing command",
		slog.String("event", clientMsg.Event),
		slog.String("room", clientMsg.Room),
		slog.String("user", user),
	)
	if err := r.execute(cmd); err != nil {
		r.logger.Debug("Command rejected",
			slog.String("event", clientMsg.Event),
			slog.String("user", user),
			slog.Any("error", err),
		)
		r.transport.SendToSocket(socketID, clientMsg.Event+".error", ErrorReply{
			Room:  clientMsg.Room,
			Error: errorCode(err),
		})
	}
}

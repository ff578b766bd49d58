package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	subjectEventPrefix = "presence.evt."
	subjectDropPrefix  = "presence.drop."
	dropAck            = "+OK"
)

type dropRequest struct {
	SocketID string `json:"socketId"`
	Room     string `json:"room"`
}

// NATS is the Bus for multi-instance deployments, carrying event fan-out
// and drop requests over a NATS cluster.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func ConnectNATS(logger *slog.Logger, url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc, logger: logger.With(slog.String("component", "bus_nats"))}, nil
}

var _ Bus = (*NATS)(nil)

func (b *NATS) Publish(ctx context.Context, event string, payload []byte) error {
	return b.nc.Publish(subjectEventPrefix+event, payload)
}

func (b *NATS) Subscribe(event string, handler func(payload []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(subjectEventPrefix+event, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", slog.String("event", event), slog.Any("error", err))
		}
	}, nil
}

func (b *NATS) RequestDrop(ctx context.Context, instanceID, socketID, room string, timeout time.Duration) error {
	raw, err := json.Marshal(dropRequest{SocketID: socketID, Room: room})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := b.nc.RequestWithContext(reqCtx, subjectDropPrefix+instanceID, raw)
	if err != nil {
		return fmt.Errorf("drop request to instance %q: %w", instanceID, err)
	}
	if string(reply.Data) != dropAck {
		return fmt.Errorf("drop request to instance %q refused: %s", instanceID, reply.Data)
	}
	return nil
}

func (b *NATS) ServeDrops(instanceID string, handler DropHandler) error {
	_, err := b.nc.Subscribe(subjectDropPrefix+instanceID, func(m *nats.Msg) {
		var req dropRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			b.logger.Warn("Malformed drop request", slog.Any("error", err))
			m.Respond([]byte("bad request"))
			return
		}
		if err := handler(req.SocketID, req.Room); err != nil {
			m.Respond([]byte(err.Error()))
			return
		}
		m.Respond([]byte(dropAck))
	})
	return err
}

func (b *NATS) Close() error {
	b.nc.Drain()
	b.nc.Close()
	return nil
}

// Package bus is the inter-instance coordination surface: event fan-out
// between cooperating service instances and the request/ack used to ask a
// remote instance to drop one socket's channel subscription.
package bus

import (
	"context"
	"time"
)

// DropHandler drops the local channel subscription for (socketID, room).
type DropHandler func(socketID, room string) error

type Bus interface {
	Publish(ctx context.Context, event string, payload []byte) error
	// Subscribe registers a handler for an event and returns an
	// unsubscribe func.
	Subscribe(event string, handler func(payload []byte)) (func(), error)

	// RequestDrop asks the instance owning socketID to drop its channel
	// subscription for room, waiting up to timeout for an ack. A timeout
	// is an error the caller is expected to treat as acceptable
	// best-effort cleanup.
	RequestDrop(ctx context.Context, instanceID, socketID, room string, timeout time.Duration) error
	// ServeDrops registers this instance's drop handler.
	ServeDrops(instanceID string, handler DropHandler) error

	Close() error
}

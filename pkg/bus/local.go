package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local is the in-process Bus for single-instance deployments and tests.
type Local struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func([]byte)
	drops    map[string]DropHandler
}

func NewLocal() *Local {
	return &Local{
		handlers: make(map[string]map[int]func([]byte)),
		drops:    make(map[string]DropHandler),
	}
}

var _ Bus = (*Local)(nil)

func (l *Local) Publish(ctx context.Context, event string, payload []byte) error {
	l.mu.RLock()
	targets := make([]func([]byte), 0, len(l.handlers[event]))
	for _, h := range l.handlers[event] {
		targets = append(targets, h)
	}
	l.mu.RUnlock()

	for _, h := range targets {
		h(payload)
	}
	return nil
}

func (l *Local) Subscribe(event string, handler func(payload []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handlers[event] == nil {
		l.handlers[event] = make(map[int]func([]byte))
	}
	id := l.nextID
	l.nextID++
	l.handlers[event][id] = handler

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers[event], id)
	}, nil
}

func (l *Local) RequestDrop(ctx context.Context, instanceID, socketID, room string, timeout time.Duration) error {
	l.mu.RLock()
	handler, ok := l.drops[instanceID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no drop handler registered for instance %q", instanceID)
	}
	return handler(socketID, room)
}

func (l *Local) ServeDrops(instanceID string, handler DropHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops[instanceID] = handler
	return nil
}

func (l *Local) Close() error { return nil }

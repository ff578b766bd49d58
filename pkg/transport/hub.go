package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// Transport is the delivery surface the membership protocol consumes.
// Sends are best-effort; subscription changes surface errors so callers
// can roll back or report them.
type Transport interface {
	Subscribe(socketID, channel string) error
	Unsubscribe(socketID, channel string) error
	IsConnected(socketID string) bool
	SendToChannel(channel, event string, payload any)
	SendToSocket(socketID, event string, payload any)
}

// Envelope is the wire frame for server-to-client events.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub tracks live connections and channel subscriptions for this instance.
// Channel and socket maps are kept bidirectionally consistent under one
// mutex, and pruned when empty.
type Hub struct {
	logger *slog.Logger

	mu             sync.RWMutex
	conns          map[string]*Connection
	channels       map[string]map[string]struct{} // channel -> socketIDs
	socketChannels map[string]map[string]struct{} // socketID -> channels
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:         logger.With(slog.String("component", "transport_hub")),
		conns:          make(map[string]*Connection),
		channels:       make(map[string]map[string]struct{}),
		socketChannels: make(map[string]map[string]struct{}),
	}
}

var _ Transport = (*Hub)(nil)

// Add registers a live connection with the hub.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID()] = conn
}

// Remove drops a connection and all of its channel subscriptions.
func (h *Hub) Remove(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel := range h.socketChannels[socketID] {
		delete(h.channels[channel], socketID)
		if len(h.channels[channel]) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(h.socketChannels, socketID)
	delete(h.conns, socketID)
}

func (h *Hub) Subscribe(socketID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[socketID]; !ok {
		return errors.New("cannot subscribe unknown socket")
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]struct{})
	}
	h.channels[channel][socketID] = struct{}{}
	if h.socketChannels[socketID] == nil {
		h.socketChannels[socketID] = make(map[string]struct{})
	}
	h.socketChannels[socketID][channel] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(socketID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] != nil {
		delete(h.channels[channel], socketID)
		if len(h.channels[channel]) == 0 {
			delete(h.channels, channel)
		}
	}
	if h.socketChannels[socketID] != nil {
		delete(h.socketChannels[socketID], channel)
		if len(h.socketChannels[socketID]) == 0 {
			delete(h.socketChannels, socketID)
		}
	}
	return nil
}

func (h *Hub) IsConnected(socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[socketID]
	return ok
}

func (h *Hub) SendToChannel(channel, event string, payload any) {
	raw, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to marshal channel event", slog.String("event", event), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.channels[channel]))
	for socketID := range h.channels[channel] {
		if conn, ok := h.conns[socketID]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(raw)
	}
}

func (h *Hub) SendToSocket(socketID, event string, payload any) {
	raw, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to marshal socket event", slog.String("event", event), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	conn, ok := h.conns[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	conn.Send(raw)
}

// Channels returns the channels a socket is currently subscribed to.
func (h *Hub) Channels(socketID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.socketChannels[socketID]))
	for channel := range h.socketChannels[socketID] {
		out = append(out, channel)
	}
	return out
}

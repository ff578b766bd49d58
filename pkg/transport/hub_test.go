package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newHubConn(t *testing.T, wg *sync.WaitGroup) *Connection {
	t.Helper()
	// pumps are not started; Send buffers into the send channel
	return NewConnection(context.Background(), wg, nil, ConnectionConfig{ReadTimeout: time.Minute}, nil, nil, newTestLogger())
}

func drain(c *Connection) int {
	n := 0
	for {
		select {
		case <-c.send:
			n++
		default:
			return n
		}
	}
}

func TestHubSubscriptions(t *testing.T) {
	hub := NewHub(newTestLogger())
	var wg sync.WaitGroup
	conn := newHubConn(t, &wg)

	if err := hub.Subscribe(conn.ID(), "room:general"); err == nil {
		t.Error("Subscribe of unadded socket succeeded")
	}

	hub.Add(conn)
	if !hub.IsConnected(conn.ID()) {
		t.Error("Added connection not reported as connected")
	}
	if err := hub.Subscribe(conn.ID(), "room:general"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := hub.Subscribe(conn.ID(), "user:alice"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := hub.Channels(conn.ID()); len(got) != 2 {
		t.Errorf("Expected 2 channels, got %v", got)
	}

	if err := hub.Unsubscribe(conn.ID(), "room:general"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := hub.Channels(conn.ID()); len(got) != 1 || got[0] != "user:alice" {
		t.Errorf("Expected only user:alice, got %v", got)
	}
	// unsubscribing an absent pair is a no-op
	if err := hub.Unsubscribe(conn.ID(), "room:ghost"); err != nil {
		t.Errorf("Unsubscribe of absent channel failed: %v", err)
	}
}

func TestHubChannelDelivery(t *testing.T) {
	hub := NewHub(newTestLogger())
	var wg sync.WaitGroup
	a := newHubConn(t, &wg)
	b := newHubConn(t, &wg)
	c := newHubConn(t, &wg)
	for _, conn := range []*Connection{a, b, c} {
		hub.Add(conn)
	}
	hub.Subscribe(a.ID(), "room:general")
	hub.Subscribe(b.ID(), "room:general")

	hub.SendToChannel("room:general", "roomMessage", map[string]string{"text": "hi"})

	if got := drain(a); got != 1 {
		t.Errorf("Expected 1 frame for subscriber a, got %d", got)
	}
	if got := drain(b); got != 1 {
		t.Errorf("Expected 1 frame for subscriber b, got %d", got)
	}
	if got := drain(c); got != 0 {
		t.Errorf("Expected no frames for unsubscribed c, got %d", got)
	}

	hub.SendToSocket(a.ID(), "socketConnectEcho", nil)
	if got := drain(a); got != 1 {
		t.Errorf("Expected 1 direct frame, got %d", got)
	}
	// unknown socket is a silent no-op
	hub.SendToSocket("ghost", "socketConnectEcho", nil)
}

func TestHubRemoveDropsSubscriptions(t *testing.T) {
	hub := NewHub(newTestLogger())
	var wg sync.WaitGroup
	conn := newHubConn(t, &wg)
	hub.Add(conn)
	hub.Subscribe(conn.ID(), "room:general")

	hub.Remove(conn.ID())
	if hub.IsConnected(conn.ID()) {
		t.Error("Removed connection still reported as connected")
	}
	if got := hub.Channels(conn.ID()); len(got) != 0 {
		t.Errorf("Removed connection still has channels: %v", got)
	}

	hub.SendToChannel("room:general", "roomMessage", nil)
	if got := drain(conn); got != 0 {
		t.Errorf("Removed connection still received frames: %d", got)
	}
}

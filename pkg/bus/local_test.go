package bus

import (
	"context"
	"testing"
	"time"
)

func TestLocalPublishSubscribe(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	var got [][]byte
	unsub, err := b.Subscribe("broadcast", func(payload []byte) {
		got = append(got, payload)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "broadcast", []byte("one")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(ctx, "other", []byte("two")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "one" {
		t.Errorf("Expected exactly the matching event, got %v", got)
	}

	unsub()
	b.Publish(ctx, "broadcast", []byte("three"))
	if len(got) != 1 {
		t.Errorf("Handler still invoked after unsubscribe: %v", got)
	}
}

func TestLocalDropRouting(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	var dropped []string
	if err := b.ServeDrops("inst-1", func(socketID, room string) error {
		dropped = append(dropped, socketID+"@"+room)
		return nil
	}); err != nil {
		t.Fatalf("ServeDrops failed: %v", err)
	}

	if err := b.RequestDrop(ctx, "inst-1", "s1", "general", time.Second); err != nil {
		t.Fatalf("RequestDrop failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "s1@general" {
		t.Errorf("Unexpected drops: %v", dropped)
	}

	if err := b.RequestDrop(ctx, "inst-ghost", "s1", "general", time.Second); err == nil {
		t.Error("Expected error for an instance with no drop handler")
	}
}

package room_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/a-essam23/go-presence/pkg/room"
	"github.com/a-essam23/go-presence/pkg/state"
	"github.com/a-essam23/go-presence/pkg/state/statestore"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRoom(t *testing.T, owner string) *room.Room {
	t.Helper()
	ctx := context.Background()
	s := statestore.NewMemory(newTestLogger(), state.Options{LockBackoffBase: time.Millisecond})
	if err := s.MakeRoom(ctx, "general", owner); err != nil {
		t.Fatalf("MakeRoom failed: %v", err)
	}
	st, err := s.GetRoom(ctx, "general")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	return room.New("general", st)
}

func TestIsAdmin(t *testing.T) {
	ctx := context.Background()
	rm := newTestRoom(t, "owner")
	rm.State.AddToList(ctx, state.ListAdmin, "mod")

	for name, want := range map[string]bool{"owner": true, "mod": true, "rando": false} {
		got, err := rm.IsAdmin(ctx, name)
		if err != nil {
			t.Fatalf("IsAdmin(%s) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("IsAdmin(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestCheckAccess(t *testing.T) {
	ctx := context.Background()
	rm := newTestRoom(t, "owner")
	rm.State.AddToList(ctx, state.ListAdmin, "mod")
	rm.State.AddToList(ctx, state.ListBlack, "banned", "mod")

	if err := rm.CheckAccess(ctx, "rando"); err != nil {
		t.Errorf("Open room rejected rando: %v", err)
	}
	if err := rm.CheckAccess(ctx, "banned"); !errors.Is(err, state.ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed for blacklisted user, got %v", err)
	}
	// admin status overrides the blacklist
	if err := rm.CheckAccess(ctx, "mod"); err != nil {
		t.Errorf("Blacklisted admin rejected: %v", err)
	}

	rm.State.WhitelistOnlySet(ctx, true)
	rm.State.AddToList(ctx, state.ListWhite, "friend")

	if err := rm.CheckAccess(ctx, "rando"); !errors.Is(err, state.ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed under whitelist-only, got %v", err)
	}
	if err := rm.CheckAccess(ctx, "friend"); err != nil {
		t.Errorf("Whitelisted user rejected: %v", err)
	}
	if err := rm.CheckAccess(ctx, "owner"); err != nil {
		t.Errorf("Owner rejected under whitelist-only: %v", err)
	}
}

func TestCheckRead(t *testing.T) {
	ctx := context.Background()
	rm := newTestRoom(t, "owner")
	rm.State.AddToList(ctx, state.ListUsers, "member")

	if err := rm.CheckRead(ctx, "member", false); err != nil {
		t.Errorf("Joined member denied read: %v", err)
	}
	if err := rm.CheckRead(ctx, "outsider", false); !errors.Is(err, state.ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined for outsider, got %v", err)
	}
	// owner and bypass read without being joined
	if err := rm.CheckRead(ctx, "owner", false); err != nil {
		t.Errorf("Owner denied read: %v", err)
	}
	if err := rm.CheckRead(ctx, "outsider", true); err != nil {
		t.Errorf("Bypass denied read: %v", err)
	}
}

func TestCheckListChanges(t *testing.T) {
	ctx := context.Background()
	rm := newTestRoom(t, "owner")
	rm.State.AddToList(ctx, state.ListAdmin, "mod")

	cases := []struct {
		name    string
		author  string
		list    state.ListName
		targets []string
		bypass  bool
		want    error
	}{
		{"unknown list", "owner", "friends", nil, false, state.ErrNoSuchList},
		{"userlist never editable", "owner", state.ListUsers, nil, false, state.ErrNotAllowed},
		{"userlist never editable with bypass", "svc", state.ListUsers, nil, true, state.ErrNotAllowed},
		{"owner edits adminlist", "owner", state.ListAdmin, []string{"mod2"}, false, nil},
		{"owner targets self", "owner", state.ListBlack, []string{"owner"}, false, nil},
		{"bypass edits adminlist", "svc", state.ListAdmin, []string{"mod2"}, true, nil},
		{"admin edits whitelist", "mod", state.ListWhite, []string{"friend"}, false, nil},
		{"admin cannot edit adminlist", "mod", state.ListAdmin, []string{"mod2"}, false, state.ErrNotAllowed},
		{"admin cannot target owner", "mod", state.ListBlack, []string{"owner"}, false, state.ErrNotAllowed},
		{"non-admin cannot edit", "rando", state.ListWhite, []string{"friend"}, false, state.ErrNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rm.CheckListChanges(ctx, tc.author, tc.list, tc.targets, tc.bypass)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCheckModeChange(t *testing.T) {
	ctx := context.Background()
	rm := newTestRoom(t, "owner")
	rm.State.AddToList(ctx, state.ListAdmin, "mod")

	if err := rm.CheckModeChange(ctx, "owner", false); err != nil {
		t.Errorf("Owner denied mode change: %v", err)
	}
	if err := rm.CheckModeChange(ctx, "mod", false); err != nil {
		t.Errorf("Admin denied mode change: %v", err)
	}
	if err := rm.CheckModeChange(ctx, "rando", false); !errors.Is(err, state.ErrNotAllowed) {
		t.Errorf("Expected ErrNotAllowed for non-admin, got %v", err)
	}
	if err := rm.CheckModeChange(ctx, "rando", true); err != nil {
		t.Errorf("Bypass denied mode change: %v", err)
	}
}

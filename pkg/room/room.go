// Package room implements the access-control decisions for a single room:
// ownership, adminlist/whitelist/blacklist checks and the whitelist-only
// mode. It reads through a state.RoomState and makes no mutations itself;
// side effects of permission changes belong to the service layer.
package room

import (
	"context"

	"github.com/a-essam23/go-presence/pkg/state"
)

// Room pairs a room name with its stored state. Permission predicates come
// from the embedded Checker.
type Room struct {
	Name  string
	State state.RoomState
	Checker
}

func New(name string, st state.RoomState) *Room {
	return &Room{Name: name, State: st, Checker: Checker{st: st}}
}

// Checker evaluates permission predicates against stored room state.
type Checker struct {
	st state.RoomState
}

func NewChecker(st state.RoomState) Checker {
	return Checker{st: st}
}

// IsAdmin reports whether name is the owner or on the adminlist.
func (c Checker) IsAdmin(ctx context.Context, name string) (bool, error) {
	owner, err := c.st.OwnerGet(ctx)
	if err != nil {
		return false, err
	}
	if owner != "" && name == owner {
		return true, nil
	}
	return c.st.HasInList(ctx, state.ListAdmin, name)
}

// CheckAccess decides whether name may join. Admins always pass; a
// blacklisted name is rejected; with whitelist-only mode on, so is any
// name not on the whitelist.
func (c Checker) CheckAccess(ctx context.Context, name string) error {
	admin, err := c.IsAdmin(ctx, name)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	blacklisted, err := c.st.HasInList(ctx, state.ListBlack, name)
	if err != nil {
		return err
	}
	if blacklisted {
		return state.ErrNotAllowed
	}
	wlOnly, err := c.st.WhitelistOnlyGet(ctx)
	if err != nil {
		return err
	}
	if wlOnly {
		whitelisted, err := c.st.HasInList(ctx, state.ListWhite, name)
		if err != nil {
			return err
		}
		if !whitelisted {
			return state.ErrNotAllowed
		}
	}
	return nil
}

// CheckRead decides whether name may read room state (history, userlist).
func (c Checker) CheckRead(ctx context.Context, name string, bypass bool) error {
	if bypass {
		return nil
	}
	admin, err := c.IsAdmin(ctx, name)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	joined, err := c.st.HasInList(ctx, state.ListUsers, name)
	if err != nil {
		return err
	}
	if !joined {
		return state.ErrNotJoined
	}
	return nil
}

// CheckListChanges decides whether author may edit the given list. The
// userlist is derived state and never directly editable, bypass or not.
// The owner may edit any list; a non-owner never edits the adminlist, must
// be an admin to edit whitelist/blacklist, and may not target the owner.
func (c Checker) CheckListChanges(ctx context.Context, author string, list state.ListName, targets []string, bypass bool) error {
	if !state.KnownList(list) {
		return state.ErrNoSuchList
	}
	if list == state.ListUsers {
		return state.ErrNotAllowed
	}
	if bypass {
		return nil
	}
	owner, err := c.st.OwnerGet(ctx)
	if err != nil {
		return err
	}
	if owner != "" && author == owner {
		return nil
	}
	if list == state.ListAdmin {
		return state.ErrNotAllowed
	}
	admin, err := c.IsAdmin(ctx, author)
	if err != nil {
		return err
	}
	if !admin {
		return state.ErrNotAllowed
	}
	for _, target := range targets {
		if owner != "" && target == owner {
			return state.ErrNotAllowed
		}
	}
	return nil
}

// CheckModeChange decides whether author may toggle whitelist-only mode.
func (c Checker) CheckModeChange(ctx context.Context, author string, bypass bool) error {
	if bypass {
		return nil
	}
	admin, err := c.IsAdmin(ctx, author)
	if err != nil {
		return err
	}
	if !admin {
		return state.ErrNotAllowed
	}
	return nil
}

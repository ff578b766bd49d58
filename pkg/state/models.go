package state

import (
	"encoding/json"
	"time"
)

// ListName identifies one of a room's named sets.
type ListName string

const (
	ListAdmin ListName = "adminlist"
	ListWhite ListName = "whitelist"
	ListBlack ListName = "blacklist"
	ListUsers ListName = "userlist"
)

// KnownList reports whether name is one of the recognized room lists.
func KnownList(name ListName) bool {
	switch name {
	case ListAdmin, ListWhite, ListBlack, ListUsers:
		return true
	}
	return false
}

// Message is immutable once stamped. IDs are assigned at append time,
// strictly increasing per room, and never reused after truncation.
type Message struct {
	ID        uint64          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Author    string          `json:"author"`
	Payload   json.RawMessage `json:"payload"`
}

// HistoryInfo describes a room's retained message history.
type HistoryInfo struct {
	Size           int    `json:"size"`
	MaxSize        int    `json:"maxSize"`
	MaxGetMessages int    `json:"maxGetMessages"`
	LastID         uint64 `json:"lastId"`
}

// SocketRemoval is the atomic result of popping a socket: every room the
// socket had joined with the user's residual socket count in each, plus
// the user's remaining connection count.
type SocketRemoval struct {
	Rooms           map[string]int
	ConnectionsLeft int
}

// Options tunes a Store. Zero values are replaced by the defaults below;
// a negative HistoryMaxSize asks for no retained history at all (message
// ids are still assigned).
type Options struct {
	ListSizeLimit  int
	HistoryMaxSize int
	MaxGetMessages int

	LockTTL         time.Duration
	LockAttempts    int
	LockBackoffBase time.Duration
	LockBackoffMult float64
}

const (
	DefaultListSizeLimit  = 10000
	DefaultHistoryMaxSize = 100
	DefaultMaxGetMessages = 100

	DefaultLockTTL         = 10 * time.Second
	DefaultLockAttempts    = 10
	DefaultLockBackoffBase = 100 * time.Millisecond
	DefaultLockBackoffMult = 1.5
)

func (o Options) WithDefaults() Options {
	if o.ListSizeLimit <= 0 {
		o.ListSizeLimit = DefaultListSizeLimit
	}
	switch {
	case o.HistoryMaxSize == 0:
		o.HistoryMaxSize = DefaultHistoryMaxSize
	case o.HistoryMaxSize < 0:
		o.HistoryMaxSize = 0
	}
	if o.MaxGetMessages <= 0 {
		o.MaxGetMessages = DefaultMaxGetMessages
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = DefaultLockAttempts
	}
	if o.LockBackoffBase <= 0 {
		o.LockBackoffBase = DefaultLockBackoffBase
	}
	if o.LockBackoffMult <= 1 {
		o.LockBackoffMult = DefaultLockBackoffMult
	}
	return o
}

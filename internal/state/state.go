// Package state stores the per-conversation record that links a chat
// conversation to the file it last uploaded.
//
// All mutation goes through Store.Update, which runs a function against the
// current record while holding that conversation's lock and saves the result
// only if the function succeeds. Records nobody touches for the configured
// TTL are evicted; an eviction hook lets callers release what the record
// referenced.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state store closed")

// ConversationState is what the bot remembers between two messages of one
// conversation. The zero value means "nothing uploaded yet".
type ConversationState struct {
	LastFileRef  string
	LastFileName string
	UpdatedAt    time.Time
}

// HasFile reports whether a staged file is recorded.
func (s ConversationState) HasFile() bool {
	return s.LastFileRef != ""
}

// EvictFunc is called after a record is evicted for inactivity.
type EvictFunc func(ctx context.Context, key string, evicted ConversationState)

// Store is a keyed conversation state store.
type Store interface {
	// Load returns the current record for key, or the zero value.
	Load(ctx context.Context, key string) (ConversationState, error)

	// Update calls fn with a copy of key's record while no other Update for
	// key can run. The record is saved when fn returns nil and discarded
	// otherwise; fn's error is returned unchanged.
	Update(ctx context.Context, key string, fn func(*ConversationState) error) error

	// Run evicts idle records until ctx is done.
	Run(ctx context.Context) error

	Close() error
}

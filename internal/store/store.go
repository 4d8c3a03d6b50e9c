// ABOUTME: Store interface and data types for the channel event ledger
// ABOUTME: Defines ChannelEvent and the Store interface for audit persistence

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event is missing required fields
var ErrInvalidEvent = errors.New("invalid channel event")

// EventKind categorizes a ledger entry
type EventKind string

const (
	EventKindCreated   EventKind = "created"    // channel registered
	EventKindQueued    EventKind = "queued"     // command stored for the next attach
	EventKindHandedOff EventKind = "handed_off" // command given to a held responder
	EventKindCompleted EventKind = "completed"  // attach cycle ended (Ok, Conflict, Timeout)
)

// DefaultListLimit and MaxListLimit bound ListChannelEvents.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ChannelEvent is one append-only ledger entry for a channel.
type ChannelEvent struct {
	ID        string
	ChannelID string
	Kind      EventKind
	Status    string // reply status for completed events
	Action    string // command action, when one was involved
	Actor     string // authenticated producer, empty when anonymous
	CreatedAt time.Time
}

// Validate checks the fields every event needs.
func (e *ChannelEvent) Validate() error {
	if e.ID == "" || e.ChannelID == "" || e.Kind == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Store persists the channel event ledger. Mailbox state itself is never
// stored; the ledger is for audit and debugging only.
type Store interface {
	SaveChannelEvent(ctx context.Context, event *ChannelEvent) error
	ListChannelEvents(ctx context.Context, channelID string, limit int) ([]*ChannelEvent, error)
	Close() error
}

// clampLimit normalizes a caller-supplied limit.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps the channel ledger in memory and can be told to fail writes

package store

import (
	"context"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	events    map[string][]*ChannelEvent // keyed by channel ID, append order
	eventIDs  map[string]bool
	saveError error
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		events:   make(map[string][]*ChannelEvent),
		eventIDs: make(map[string]bool),
	}
}

// FailSaves makes every later SaveChannelEvent return err (nil restores normal behaviour).
func (m *MockStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SaveChannelEvent stores a copy of event.
func (m *MockStore) SaveChannelEvent(ctx context.Context, event *ChannelEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveError != nil {
		return m.saveError
	}
	if m.eventIDs[event.ID] {
		return ErrInvalidEvent
	}

	e := *event
	m.events[e.ChannelID] = append(m.events[e.ChannelID], &e)
	m.eventIDs[e.ID] = true
	return nil
}

// ListChannelEvents returns copies of the most recent events, oldest first.
func (m *MockStore) ListChannelEvents(ctx context.Context, channelID string, limit int) ([]*ChannelEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[channelID]
	limit = clampLimit(limit)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*ChannelEvent, len(all))
	for i, e := range all {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

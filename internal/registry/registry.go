// ABOUTME: Registry maps channel ids to their mailboxes for the life of the process
// ABOUTME: Creates channels with generated ids and resolves ids, failing on unknown ones

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-mailbox/internal/idgen"
	"github.com/2389/coven-mailbox/internal/mailbox"
)

// ErrUnknownChannel indicates no mailbox is registered under the given id.
var ErrUnknownChannel = errors.New("unknown channel")

// maxIDAttempts bounds regeneration when a generator repeats an id.
const maxIDAttempts = 8

// Config configures a Registry.
type Config struct {
	// IDs generates channel ids. Defaults to idgen.Random(idgen.DefaultLength).
	IDs idgen.Generator
	// HoldTimeout is passed to every mailbox. Defaults to mailbox.DefaultHoldTimeout.
	HoldTimeout time.Duration
	Logger      *slog.Logger
}

// Registry owns every channel's mailbox. Entries are never removed.
type Registry struct {
	mailboxes   map[string]*mailbox.Mailbox
	mu          sync.RWMutex
	ids         idgen.Generator
	holdTimeout time.Duration
	logger      *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.IDs == nil {
		cfg.IDs = idgen.Random(idgen.DefaultLength)
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = mailbox.DefaultHoldTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		mailboxes:   make(map[string]*mailbox.Mailbox),
		ids:         cfg.IDs,
		holdTimeout: cfg.HoldTimeout,
		logger:      cfg.Logger,
	}
}

// Create registers a new channel and returns its id.
func (r *Registry) Create() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.NewID()
	for attempt := 1; attempt < maxIDAttempts; attempt++ {
		if _, exists := r.mailboxes[id]; !exists {
			break
		}
		r.logger.Warn("channel id collision, regenerating", "channel_id", id)
		id = r.ids.NewID()
	}

	r.mailboxes[id] = mailbox.New(id, mailbox.Options{
		HoldTimeout: r.holdTimeout,
		Logger:      r.logger,
	})
	r.logger.Info("channel created",
		"channel_id", id,
		"total_channels", len(r.mailboxes),
	)
	return id
}

// Get returns the mailbox for id, or ErrUnknownChannel.
func (r *Registry) Get(id string) (*mailbox.Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mb, ok := r.mailboxes[id]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return mb, nil
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mailboxes)
}

// Stats summarises the registered mailboxes by state.
type Stats struct {
	Channels   int `json:"channels"`
	Idle       int `json:"idle"`
	Waiting    int `json:"waiting"`
	Backlogged int `json:"backlogged"`
	Pending    int `json:"pending_commands"`
}

// Stats walks every mailbox. Mailbox locks are taken one at a time, so the
// result is not a single consistent cut across channels.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	boxes := make([]*mailbox.Mailbox, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		boxes = append(boxes, mb)
	}
	r.mu.RUnlock()

	stats := Stats{Channels: len(boxes)}
	for _, mb := range boxes {
		snap := mb.Snapshot()
		stats.Pending += snap.Pending
		switch snap.State {
		case mailbox.StateWaiting:
			stats.Waiting++
		case mailbox.StateBacklogged:
			stats.Backlogged++
		default:
			stats.Idle++
		}
	}
	return stats
}

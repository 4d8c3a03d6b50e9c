// ABOUTME: Per-channel mailbox pairing long-poll responders with delivered commands
// ABOUTME: Holds at most one responder, a FIFO of pending commands, and one hold timer

package mailbox

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultHoldTimeout keeps held polls under the common 60s proxy idle limit.
const DefaultHoldTimeout = 55 * time.Second

// Responder is a single-shot response handle owned by the transport layer.
// Complete is called exactly once per attach, with the Mailbox lock held, so
// it must return promptly and must not call back into the Mailbox.
type Responder interface {
	Complete(reply Reply)
}

// State is the observable rest state of a Mailbox.
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateBacklogged State = "backlogged"
)

// Outcome reports what Deliver did with a command.
type Outcome string

const (
	// OutcomeHandedOff means an attached responder received the command.
	OutcomeHandedOff Outcome = "handed_off"
	// OutcomeQueued means the command waits for the next attach.
	OutcomeQueued Outcome = "queued"
)

// Options configures a Mailbox.
type Options struct {
	HoldTimeout time.Duration
	Logger      *slog.Logger
}

// Mailbox is the per-channel state machine. See the package documentation
// for the state diagram.
type Mailbox struct {
	id          string
	holdTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	attached Responder
	pending  []Command
	timer    *time.Timer
	// generation increments on every attach; a hold timer only acts if the
	// generation it captured is still current.
	generation uint64
}

// New creates an idle Mailbox for the given channel id.
func New(id string, opts Options) *Mailbox {
	if opts.HoldTimeout <= 0 {
		opts.HoldTimeout = DefaultHoldTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mailbox{
		id:          id,
		holdTimeout: opts.HoldTimeout,
		logger:      opts.Logger.With("channel_id", id),
	}
}

// ID returns the channel id.
func (m *Mailbox) ID() string {
	return m.id
}

// Attach registers r as the channel's long-poll responder.
//
// A responder that was already attached is completed with StatusConflict
// first. If commands are queued, r receives the oldest one immediately;
// otherwise r is held until Deliver or the hold timeout completes it.
func (m *Mailbox) Attach(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached != nil {
		m.logger.Debug("responder superseded")
		m.completeAttached(Reply{Status: StatusConflict})
	}

	m.generation++
	m.attached = r

	if len(m.pending) > 0 {
		cmd := m.pending[0]
		m.pending[0] = Command{}
		m.pending = m.pending[1:]
		m.completeAttached(Reply{Status: StatusOk, Command: &cmd})
		return
	}

	gen := m.generation
	m.timer = time.AfterFunc(m.holdTimeout, func() {
		m.expire(gen)
	})
}

// Deliver hands cmd to the attached responder or queues it. It never blocks
// on the client.
func (m *Mailbox) Deliver(cmd Command) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached != nil {
		m.completeAttached(Reply{Status: StatusOk, Command: &cmd})
		return OutcomeHandedOff
	}

	m.pending = append(m.pending, cmd)
	m.logger.Debug("command queued", "action", cmd.Action, "pending", len(m.pending))
	return OutcomeQueued
}

// expire runs on the hold timer's goroutine.
func (m *Mailbox) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached == nil || m.generation != gen {
		return
	}
	m.logger.Debug("hold timeout")
	m.completeAttached(Reply{Status: StatusTimeout})
}

// completeAttached answers the attached responder and detaches it.
// Must be called with mu held. Every caller checks m.attached first, so an
// empty slot here is a bug.
func (m *Mailbox) completeAttached(reply Reply) {
	if m.attached == nil {
		panic("mailbox: completing channel " + m.id + " with no attached responder")
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	r := m.attached
	m.attached = nil
	r.Complete(reply)
}

// Snapshot is a point-in-time view of a Mailbox.
type Snapshot struct {
	ID         string `json:"channel_id"`
	State      State  `json:"state"`
	Pending    int    `json:"pending"`
	Generation uint64 `json:"generation"`
}

// Snapshot returns the current state of the Mailbox.
func (m *Mailbox) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		ID:         m.id,
		State:      m.stateLocked(),
		Pending:    len(m.pending),
		Generation: m.generation,
	}
}

func (m *Mailbox) stateLocked() State {
	switch {
	case m.attached != nil:
		return StateWaiting
	case len(m.pending) > 0:
		return StateBacklogged
	default:
		return StateIdle
	}
}

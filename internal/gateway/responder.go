// ABOUTME: One-shot response handle bridging a held HTTP poll to its mailbox
// ABOUTME: Buffers the single reply and logs completions that arrive after the client left

package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-mailbox/internal/mailbox"
)

// pollResponder implements mailbox.Responder for one GET .../poll request.
// Complete never blocks: the channel has room for exactly one reply.
type pollResponder struct {
	channelID string
	logger    *slog.Logger
	replies   chan mailbox.Reply

	mu        sync.Mutex
	completed bool
	abandoned bool
}

func newPollResponder(channelID string, logger *slog.Logger) *pollResponder {
	return &pollResponder{
		channelID: channelID,
		logger:    logger,
		replies:   make(chan mailbox.Reply, 1),
	}
}

// Complete is called by the mailbox with its lock held.
func (p *pollResponder) Complete(reply mailbox.Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		p.logger.Error("poll responder completed twice, reply discarded",
			"channel_id", p.channelID,
			"status", reply.Status,
		)
		return
	}
	p.completed = true

	if p.abandoned {
		p.logDropped(reply)
		return
	}
	p.replies <- reply
}

// wait blocks until the mailbox completes the responder or ctx ends.
// When ctx ends first the responder is abandoned and ok is false.
func (p *pollResponder) wait(ctx context.Context) (reply mailbox.Reply, ok bool) {
	select {
	case reply = <-p.replies:
		return reply, true
	case <-ctx.Done():
		p.abandon()
		return mailbox.Reply{}, false
	}
}

// abandon marks the client gone. A reply already buffered is drained so a
// command lost to a race with the disconnect is still reported.
func (p *pollResponder) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.abandoned = true
	select {
	case reply := <-p.replies:
		p.logDropped(reply)
	default:
	}
}

func (p *pollResponder) logDropped(reply mailbox.Reply) {
	if reply.Command == nil {
		p.logger.Debug("poll client gone before completion",
			"channel_id", p.channelID,
			"status", reply.Status,
		)
		return
	}
	p.logger.Warn("command dropped, poll client disconnected",
		"channel_id", p.channelID,
		"action", reply.Command.Action,
	)
}

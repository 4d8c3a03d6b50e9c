// ABOUTME: HTTP API handlers for channels: create, deliver, long-poll, inspect
// ABOUTME: Translates requests into registry/mailbox calls and appends ledger events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mailbox/internal/auth"
	"github.com/2389/coven-mailbox/internal/mailbox"
	"github.com/2389/coven-mailbox/internal/registry"
	"github.com/2389/coven-mailbox/internal/store"
)

// maxCommandBytes caps a delivered command body.
const maxCommandBytes = 1 << 20

// IdempotencyKeyHeader lets a producer retry a delivery without queueing it twice.
const IdempotencyKeyHeader = "Idempotency-Key"

// OutcomeDuplicate is reported when a delivery repeats a recent idempotency key.
const OutcomeDuplicate = "duplicate"

// CreateChannelResponse is the JSON response for POST /api/channels.
type CreateChannelResponse struct {
	ChannelID string `json:"channel_id"`
}

// DeliverResponse is the JSON response for POST /api/channels/{id}/commands.
type DeliverResponse struct {
	Outcome string `json:"outcome"`
}

// ChannelEventResponse is one ledger entry in GET /api/channels/{id}/events.
type ChannelEventResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status,omitempty"`
	Action    string `json:"action,omitempty"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

// handleCreateChannel registers a new channel.
func (g *Gateway) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	id := g.registry.Create()
	g.recordEvent(r.Context(), &store.ChannelEvent{
		ChannelID: id,
		Kind:      store.EventKindCreated,
		Actor:     auth.PrincipalID(r.Context()),
	})

	g.writeJSON(w, http.StatusCreated, CreateChannelResponse{ChannelID: id})
}

// handleDeliver passes a command to the channel's mailbox.
func (g *Gateway) handleDeliver(w http.ResponseWriter, r *http.Request) {
	mb, ok := g.lookupChannel(w, r)
	if !ok {
		return
	}

	cmd, err := parseCommand(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		if g.dedupe.Seen(mb.ID() + ":" + key) {
			g.logger.Debug("duplicate delivery ignored", "channel_id", mb.ID(), "idempotency_key", key)
			g.writeJSON(w, http.StatusOK, DeliverResponse{Outcome: OutcomeDuplicate})
			return
		}
	}

	outcome := mb.Deliver(cmd)

	kind := store.EventKindQueued
	if outcome == mailbox.OutcomeHandedOff {
		kind = store.EventKindHandedOff
	}
	g.recordEvent(r.Context(), &store.ChannelEvent{
		ChannelID: mb.ID(),
		Kind:      kind,
		Action:    cmd.Action,
		Actor:     auth.PrincipalID(r.Context()),
	})

	g.writeJSON(w, http.StatusAccepted, DeliverResponse{Outcome: string(outcome)})
}

// parseCommand decodes and validates a command body.
func parseCommand(w http.ResponseWriter, r *http.Request) (mailbox.Command, error) {
	var cmd mailbox.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return cmd, errors.New("command body too large")
		}
		return cmd, errors.New("invalid JSON body")
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// handlePoll attaches the request to the channel and holds it until the
// mailbox completes it or the client goes away.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	mb, ok := g.lookupChannel(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(g.shutdownCtx, cancel)
	defer stop()

	responder := newPollResponder(mb.ID(), g.logger)
	mb.Attach(responder)

	reply, ok := responder.wait(ctx)
	if !ok {
		if g.shutdownCtx.Err() != nil {
			g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
			return
		}
		g.logger.Debug("poll client disconnected", "channel_id", mb.ID())
		return
	}

	event := &store.ChannelEvent{
		ChannelID: mb.ID(),
		Kind:      store.EventKindCompleted,
		Status:    string(reply.Status),
	}
	if reply.Command != nil {
		event.Action = reply.Command.Action
	}
	g.recordEvent(r.Context(), event)

	w.Header().Set("Cache-Control", "no-store")
	g.writeJSON(w, http.StatusOK, reply)
}

// handleSnapshot reports a channel's current state.
func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	mb, ok := g.lookupChannel(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, mb.Snapshot())
}

// handleListEvents returns the channel's most recent ledger entries, oldest first.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	mb, ok := g.lookupChannel(w, r)
	if !ok {
		return
	}

	limit := store.DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, store.MaxListLimit)
	}

	events, err := g.store.ListChannelEvents(r.Context(), mb.ID(), limit)
	if err != nil {
		g.logger.Error("failed to list channel events", "channel_id", mb.ID(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ChannelEventResponse, len(events))
	for i, evt := range events {
		response[i] = ChannelEventResponse{
			ID:        evt.ID,
			ChannelID: evt.ChannelID,
			Kind:      string(evt.Kind),
			Status:    evt.Status,
			Action:    evt.Action,
			Actor:     evt.Actor,
			CreatedAt: evt.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleStats reports registry-wide counts.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.Stats())
}

// lookupChannel resolves the {id} path value, writing a 404 when unknown.
func (g *Gateway) lookupChannel(w http.ResponseWriter, r *http.Request) (*mailbox.Mailbox, bool) {
	mb, err := g.registry.Get(r.PathValue("id"))
	if errors.Is(err, registry.ErrUnknownChannel) {
		g.sendJSONError(w, http.StatusNotFound, "unknown channel")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to resolve channel", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return mb, true
}

// recordEvent appends to the ledger. Ledger failures are logged and never
// fail the request: the mailbox transition has already happened.
func (g *Gateway) recordEvent(ctx context.Context, event *store.ChannelEvent) {
	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UTC()

	if err := g.store.SaveChannelEvent(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Warn("failed to record channel event",
			"channel_id", event.ChannelID,
			"kind", event.Kind,
			"error", err,
		)
	}
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

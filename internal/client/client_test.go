// ABOUTME: Tests for the mailbox HTTP client
// ABOUTME: Runs the real gateway handler behind httptest and exercises every client call

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mailbox/internal/auth"
	"github.com/2389/coven-mailbox/internal/config"
	"github.com/2389/coven-mailbox/internal/gateway"
	"github.com/2389/coven-mailbox/internal/mailbox"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, secret string) string {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:     config.AuthConfig{JWTSecret: secret},
		Channels: config.ChannelsConfig{HoldTimeout: 150 * time.Millisecond},
	}
	cfg.ApplyDefaults()

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return srv.URL
}

func TestClient_RoundTrip(t *testing.T) {
	c := New(newTestServer(t, ""), "")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	id, err := c.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cmd := mailbox.NewCommand("Open")
	cmd.Fields = map[string]json.RawMessage{"url": json.RawMessage(`"https://example.com"`)}

	outcome, err := c.Deliver(ctx, id, cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "queued", outcome)

	snap, err := c.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailbox.StateBacklogged, snap.State)

	reply, err := c.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusOk, reply.Status)
	require.NotNil(t, reply.Command)
	assert.Equal(t, "Open", reply.Command.Action)
	assert.JSONEq(t, `"https://example.com"`, string(reply.Command.Fields["url"]))

	reply, err = c.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusTimeout, reply.Status)
	assert.Nil(t, reply.Command)

	events, err := c.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "created", events[0].Kind)
	assert.Equal(t, "Timeout", events[3].Status)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Channels)
	assert.Equal(t, 1, stats.Idle)
}

func TestClient_DeliverDuplicate(t *testing.T) {
	c := New(newTestServer(t, ""), "")
	ctx := context.Background()

	id, err := c.Create(ctx)
	require.NoError(t, err)

	outcome, err := c.Deliver(ctx, id, mailbox.NewCommand("Open"), "k1")
	require.NoError(t, err)
	assert.Equal(t, "queued", outcome)

	outcome, err = c.Deliver(ctx, id, mailbox.NewCommand("Open"), "k1")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", outcome)
}

func TestClient_UnknownChannel(t *testing.T) {
	c := New(newTestServer(t, ""), "")
	ctx := context.Background()

	_, err := c.Deliver(ctx, "missing", mailbox.NewCommand("Open"), "")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = c.Poll(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestClient_BadRequest(t *testing.T) {
	c := New(newTestServer(t, ""), "")
	ctx := context.Background()

	id, err := c.Create(ctx)
	require.NoError(t, err)

	_, err = c.Deliver(ctx, id, mailbox.Command{}, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, mailbox.ErrMissingAction.Error(), apiErr.Message)
}

func TestClient_Auth(t *testing.T) {
	url := newTestServer(t, testSecret)
	ctx := context.Background()

	_, err := New(url, "").Create(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate("cli", time.Hour)
	require.NoError(t, err)

	id, err := New(url, token).Create(ctx)
	require.NoError(t, err)

	// Polling works without a token.
	reply, err := New(url, "").Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusTimeout, reply.Status)
}

func TestClient_PollContextCancel(t *testing.T) {
	c := New(newTestServer(t, ""), "")

	id, err := c.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Poll(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "HTTP 500", (&APIError{StatusCode: 500}).Error())
	assert.Equal(t, "HTTP 400: bad", (&APIError{StatusCode: 400, Message: "bad"}).Error())
}

// ABOUTME: Typed HTTP client for the coven-mailbox API
// ABOUTME: Used by the CLI to create channels, deliver commands, and long-poll

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/coven-mailbox/internal/mailbox"
	"github.com/2389/coven-mailbox/internal/registry"
)

// Client errors
var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnauthorized   = errors.New("unauthorized")
)

// APIError is a non-2xx response the client has no sentinel for.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to a coven-mailbox server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for baseURL. token may be empty when the server runs
// without producer auth. The HTTP client has no overall timeout since polls
// are held server-side; bound calls with ctx instead.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Event is one ledger entry as returned by the events endpoint.
type Event struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status,omitempty"`
	Action    string `json:"action,omitempty"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Create registers a new channel and returns its id.
func (c *Client) Create(ctx context.Context) (string, error) {
	var out struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/channels", nil, nil, &out); err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}
	return out.ChannelID, nil
}

// Deliver sends cmd to a channel. The returned outcome is "handed_off",
// "queued", or "duplicate" when idempotencyKey repeats a recent delivery.
func (c *Client) Deliver(ctx context.Context, channelID string, cmd mailbox.Command, idempotencyKey string) (string, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("deliver: encoding command: %w", err)
	}

	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}

	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := c.do(ctx, http.MethodPost, channelPath(channelID, "commands"), body, headers, &out); err != nil {
		return "", fmt.Errorf("deliver: %w", err)
	}
	return out.Outcome, nil
}

// Poll blocks until the server completes the poll (Ok, Conflict, or Timeout)
// or ctx ends.
func (c *Client) Poll(ctx context.Context, channelID string) (mailbox.Reply, error) {
	var reply mailbox.Reply
	if err := c.do(ctx, http.MethodGet, channelPath(channelID, "poll"), nil, nil, &reply); err != nil {
		return mailbox.Reply{}, fmt.Errorf("poll: %w", err)
	}
	return reply, nil
}

// Snapshot returns a channel's current mailbox state.
func (c *Client) Snapshot(ctx context.Context, channelID string) (mailbox.Snapshot, error) {
	var snap mailbox.Snapshot
	if err := c.do(ctx, http.MethodGet, channelPath(channelID, ""), nil, nil, &snap); err != nil {
		return mailbox.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// Events returns up to limit recent ledger entries for a channel, oldest
// first. A limit of 0 uses the server default.
func (c *Client) Events(ctx context.Context, channelID string, limit int) ([]Event, error) {
	path := channelPath(channelID, "events")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var events []Event
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &events); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return events, nil
}

// Stats returns registry-wide channel counts.
func (c *Client) Stats(ctx context.Context) (registry.Stats, error) {
	var stats registry.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &stats); err != nil {
		return registry.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func channelPath(channelID, suffix string) string {
	p := "/api/channels/" + url.PathEscape(channelID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do sends a request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorFromResponse maps an error status to a sentinel or APIError.
func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		if body.Error == "unknown channel" {
			return ErrUnknownChannel
		}
	case http.StatusUnauthorized:
		if body.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, body.Error)
		}
		return ErrUnauthorized
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

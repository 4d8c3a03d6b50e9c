// Package gateway serves the coven-mailbox HTTP API and gRPC health endpoint.
//
// # Overview
//
// The Gateway owns the channel registry, the event ledger, the idempotency
// window for deliveries, and the listeners. Listeners are plain TCP, or a
// tsnet node when tailscale is enabled.
//
// # HTTP API
//
//	POST /api/channels                 create a channel (producer)
//	POST /api/channels/{id}/commands   deliver a command (producer)
//	GET  /api/channels/{id}/poll       long-poll for the next command
//	GET  /api/channels/{id}            mailbox snapshot (producer)
//	GET  /api/channels/{id}/events     ledger entries (producer)
//	GET  /api/stats                    registry counts (producer)
//	GET  /health, /health/ready
//
// Producer routes require "Authorization: Bearer <jwt>" when auth.jwt_secret
// is set. Polls are authorized by knowledge of the channel id.
//
// # Long-poll
//
// Each poll request attaches a pollResponder to the channel's mailbox and
// blocks until the mailbox completes it with Ok, Conflict, or Timeout. The
// response body is {"status": ..., ...command fields}. If the client
// disconnects first, a command later handed to that responder is dropped and
// logged; it is not re-queued.
//
// On Shutdown, held polls are released with 503 and the gRPC health status
// flips to NOT_SERVING.
package gateway

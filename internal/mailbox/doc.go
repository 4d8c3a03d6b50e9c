// Package mailbox correlates command producers with long-polling clients.
//
// # Overview
//
// A Mailbox belongs to one channel. Long-polling clients attach a response
// handle (a Responder) and producers deliver commands. The Mailbox decides
// synchronously whether to answer an attach immediately, hold it, or evict
// the client that was holding the slot before it.
//
// # States
//
//	Idle        no handle attached, empty queue, no timer
//	Waiting     handle attached, empty queue, hold timer armed
//	Backlogged  no handle attached, commands queued, no timer
//
// A handle and a non-empty queue never coexist once an operation returns.
//
// # Operations
//
//   - Attach(r): evicts a previously attached handle with StatusConflict,
//     then either hands r the oldest queued command (StatusOk) or holds r
//     until a command arrives or the hold timeout fires (StatusTimeout).
//   - Deliver(cmd): hands cmd to the attached handle, or queues it.
//
// Exactly one command is handed out per attach cycle. Queued commands leave
// in the order they were delivered.
//
// # Responders
//
// The Mailbox calls Responder.Complete exactly once per attach cycle, while
// holding its lock. Implementations must not block and must not call back
// into the Mailbox.
//
// # Thread Safety
//
// Attach, Deliver and hold-timer expiry are serialised by a per-Mailbox
// mutex. A timer that fires after its handle was already answered or
// replaced is detected through the attach generation and does nothing.
package mailbox

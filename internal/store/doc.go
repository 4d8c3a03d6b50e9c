// Package store persists the channel event ledger.
//
// # Overview
//
// Every channel creation, command delivery and attach completion can be
// appended as a ChannelEvent. The ledger is an audit trail: mailbox state is
// held in memory only and is never rebuilt from it.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, file-backed (WAL) or ":memory:"
//   - MockStore: in-memory, with write-failure injection for tests
//
// # Schema
//
//	channel_events(seq, event_id, channel_id, kind, status, action, actor, created_at)
//
// seq preserves insertion order; ListChannelEvents returns the newest
// `limit` events for a channel, oldest first.
package store

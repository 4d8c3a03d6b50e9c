// Package registry maps channel ids to mailboxes.
//
// A Registry is constructed once at start-up and handed to whatever needs
// channel lookup; tests build a fresh one each. Create generates an id with
// the configured idgen.Generator and registers an idle mailbox under it. Get
// resolves an id or returns ErrUnknownChannel. Channels are never removed.
package registry

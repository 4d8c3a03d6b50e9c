// Package auth authenticates mailbox producers.
//
// Producers (the side that creates channels and delivers commands) present
// an HS256 JWT in the Authorization header. The token's "sub" claim names
// the producer and is recorded as the actor on ledger events.
//
// Consumers polling a channel are not authenticated: the unguessable channel
// id is the capability.
//
// When no jwt_secret is configured the gateway passes a nil verifier to
// RequireToken and the producer API is open.
package auth

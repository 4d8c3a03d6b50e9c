// Package client is a typed HTTP client for the coven-mailbox API.
//
// It mirrors the server's wire format: commands and replies use the mailbox
// package's JSON encoding, and error bodies of the form {"error": "..."} are
// mapped to ErrUnknownChannel, ErrUnauthorized, or an *APIError.
//
// Poll blocks for as long as the server holds the request, so the
// underlying http.Client has no timeout. Callers bound it with a context.
package client

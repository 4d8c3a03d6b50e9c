// ABOUTME: Producer identity carried through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified producer via context

package auth

import (
	"context"
)

// AuthContext holds the producer identity extracted from a verified token.
type AuthContext struct {
	PrincipalID string // the token's "sub" claim
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// PrincipalID returns the producer name in ctx, or "" for anonymous requests.
func PrincipalID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.PrincipalID
	}
	return ""
}

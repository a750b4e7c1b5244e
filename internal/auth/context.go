// ABOUTME: Session identity carried through gateway handlers via context
// ABOUTME: Populated once connection.init has been verified

package auth

import "context"

// Identity is the authenticated party behind one gateway session.
type Identity struct {
	PrincipalID string // "sub" claim, or "anonymous" when auth is disabled
	ClientID    string
	SessionID   string
}

// Anonymous is the principal used when no JWT secret is configured.
const Anonymous = "anonymous"

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity, or nil if none is attached.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

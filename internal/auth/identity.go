// Package auth verifies bearer tokens and resolves the caller identity
// used for rate-limit caller keys and realtime channel authorization.
package auth

import "context"

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique identifier for the caller (e.g., user ID).
	Subject string `json:"sub"`

	// Tier is the subscription tier claimed by the token.
	Tier string `json:"tier,omitempty"`

	// Permissions contains the permissions granted to the caller.
	Permissions []string `json:"permissions,omitempty"`

	// Anonymous is true when no token was presented.
	Anonymous bool `json:"anonymous,omitempty"`
}

// HasPermission checks if the identity holds a specific permission.
func (i *Identity) HasPermission(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AnonymousIdentity returns the identity used for unauthenticated callers.
func AnonymousIdentity() *Identity {
	return &Identity{Subject: "", Anonymous: true}
}

// Context key type for identity.
type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}

package auth

import (
	"context"
	"strings"
)

// Marketplace roles carried in the "role" custom claim.
const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Identity is the authenticated principal extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Role  string
}

// HasRole reports whether the identity holds role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	return i != nil && strings.EqualFold(i.Role, strings.TrimSpace(role))
}

// IsAdmin reports whether the identity may act on any order.
func (i *Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type identityKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

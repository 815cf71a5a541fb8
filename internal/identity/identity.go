// Package identity derives the pseudonymous per-caller identity used as the
// budgeting and accounting key, and carries it through request context.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// PermissionGateway grants access to the completion-proxying surface.
const PermissionGateway = "gateway"

// Identity is the request-scoped caller context. Sub is derived from the
// gateway token (never the token itself) so it is safe to log and to use as
// a store key.
type Identity struct {
	Sub         string
	Project     string
	Permissions []string
}

// Can reports whether the identity holds the given permission.
func (id Identity) Can(permission string) bool {
	for _, p := range id.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Derive computes the identity subject for a gateway token. The same token
// and project always produce the same subject; the raw token is never
// retained.
func Derive(token, projectID string) Identity {
	sum := sha256.Sum256([]byte(token))
	sub := hex.EncodeToString(sum[:])
	if projectID != "" {
		sub = sub + ":" + projectID
	}
	return Identity{
		Sub:         sub,
		Project:     projectID,
		Permissions: []string{PermissionGateway},
	}
}

type contextKey struct{}

// NewContext returns a context carrying the identity.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the identity attached by the auth gate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Package secrets fetches upstream provider credentials just-in-time from
// the secret store. Credentials are scoped to a single request and must
// never be logged or cached.
package secrets

import (
	"context"
	"errors"
)

// ErrUnavailable is the only error the broker exposes. Fetch failures,
// empty secrets and malformed secret structures all collapse to it so that
// secret-store internals never leak to callers.
var ErrUnavailable = errors.New("security subsystem unavailable")

// Broker resolves a provider secret path to an upstream API key.
type Broker interface {
	APIKey(ctx context.Context, providerPath string) (string, error)
}

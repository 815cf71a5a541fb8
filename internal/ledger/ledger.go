// Package ledger provides the per-identity budget counters backing
// admission control and usage accounting. Counters live in an external
// key-value store; this package defines the narrow contract the pipeline
// needs plus the Redis implementation.
package ledger

import "context"

// Store is the counter-store contract.
//
// Remaining returns the raw remaining-budget value for an identity.
// found=false means the key is absent, which admission treats as zero
// budget. Commit debits the remaining counter and credits the cumulative
// usage counter by the same amount in one pipelined transaction.
type Store interface {
	Remaining(ctx context.Context, identity string) (value string, found bool, err error)
	Commit(ctx context.Context, identity string, tokens int64) error
}

// remainingKey is the admission counter for an identity.
func remainingKey(identity string) string {
	return "budget:" + identity + ":remaining"
}

// usageKey is the cumulative usage counter for an identity.
func usageKey(identity string) string {
	return "usage:" + identity + ":total"
}

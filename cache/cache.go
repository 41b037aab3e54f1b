/*
Package cache provides the fast tier of two-tier credential validation.

PURPOSE:

	Answers "is this token currently valid" with sub-millisecond latency on
	hit. The fast tier is ADVISORY: the durable store stays authoritative.
	A fast-tier failure is never surfaced to a caller; the validator treats
	it as a miss and falls through (graceful degradation, same correctness).

TTL CONTRACT:

	An entry's TTL matches exactly the time remaining until the credential
	expires - never longer. A cache entry must not outlive durable validity.

EVICTION CONTRACT:

	Revocation and forced expiry actively Delete the entry. This is a strict
	correctness requirement: a revoked credential must not keep validating
	via stale cache state.

IMPLEMENTATIONS:
  - memory.go: in-process map with per-entry expiry (default)
  - redis.go:  shared Redis tier for multi-instance deployments

SEE ALSO:
  - credential/validator.go: the only consumer
  - metrics.go: hit/miss/unavailable counters
*/
package cache

import (
	"context"
	"time"
)

// Entry is the cached validation context for one credential.
type Entry struct {
	CredentialID   string    `json:"credential_id"`
	OwnerAccountID string    `json:"owner_account_id"`
	Scope          string    `json:"scope"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// FastTier is the advisory lookup layer keyed by token hash.
//
// Implementations have no locking requirement beyond their own internal
// safety; entries are read and written optimistically.
type FastTier interface {
	// Get returns the entry and true on hit. An error means the tier is
	// unavailable; callers must degrade to the durable store.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores the entry with the given TTL. TTL must equal the time
	// remaining until durable expiry.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error

	// Delete actively evicts the entry (revocation, forced expiry).
	Delete(ctx context.Context, key string) error
}

/*
validator.go - Two-tier credential validation (the hot path)

ALGORITHM:
 1. Hash the presented token; look up the fast tier.
 2. Hit with cached expiry still ahead of now => success, no durable read.
 3. Miss or stale => durable lookup of an active, non-revoked credential.
 4. Not yet activated => set activatedAt = now (first-use activation) as a
    single atomic update. Already activated => check expiry.
 5. Valid => repopulate the fast tier with TTL exactly equal to the time
    remaining until expiry. Never longer.
 6. Not found, revoked or expired => invalid. Negative results are not
    cached.

DEGRADATION:

	Fast-tier errors are counted and swallowed: the durable store always
	produces the correct answer, just slower. Validation never touches the
	ledger lock.
*/
package credential

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/ledger"
)

// Result is the validation context returned to the proxy layer.
type Result struct {
	Valid          bool
	CredentialID   ledger.CredentialID
	OwnerAccountID ledger.AccountID
	Scope          ledger.Scope
	ExpiresAt      time.Time
}

// Validator answers "is this token currently usable, and under what scope".
type Validator struct {
	store ledger.TxStore
	fast  cache.FastTier
	now   func() time.Time
}

func NewValidator(store ledger.TxStore, fast cache.FastTier) *Validator {
	return &Validator{store: store, fast: fast, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// Validate checks a presented token. A nil error with Valid=false is the
// normal outcome for unknown, revoked or expired tokens; errors are
// reserved for durable-store failures.
func (v *Validator) Validate(ctx context.Context, token string) (Result, error) {
	hash := HashToken(token)
	now := v.now()

	// Fast tier first.
	if entry, ok, err := v.fast.Get(ctx, hash); err != nil {
		cache.Unavailable.Inc()
		log.Printf("[Validator] fast tier unavailable, degrading: %v", err)
	} else if ok {
		if entry.ExpiresAt.After(now) {
			cache.Hits.Inc()
			cache.ValidationResults.WithLabelValues("valid").Inc()
			return Result{
				Valid:          true,
				CredentialID:   ledger.CredentialID(entry.CredentialID),
				OwnerAccountID: ledger.AccountID(entry.OwnerAccountID),
				Scope:          ledger.Scope(entry.Scope),
				ExpiresAt:      entry.ExpiresAt,
			}, nil
		}
		// Stale entry: fall through to the durable store.
	}
	cache.Misses.Inc()

	cred, err := v.store.GetCredentialByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ledger.ErrCredentialNotFound) {
			cache.ValidationResults.WithLabelValues("invalid").Inc()
			return Result{}, nil
		}
		return Result{}, err
	}

	if !cred.IsActive || cred.RevokedAt != nil {
		cache.ValidationResults.WithLabelValues("invalid").Inc()
		return Result{}, nil
	}

	var expiresAt time.Time
	if cred.ActivatedAt == nil {
		// First use starts the clock. The store resolves races: whichever
		// validator wins, everyone sees one activation time.
		activatedAt, err := v.store.ActivateCredential(ctx, cred.ID, now)
		if err != nil {
			return Result{}, err
		}
		expiresAt = activatedAt.Add(time.Duration(cred.DurationHours) * time.Hour)
	} else {
		expiresAt, _ = cred.ExpiresAt()
	}

	if !expiresAt.After(now) {
		cache.ValidationResults.WithLabelValues("invalid").Inc()
		return Result{}, nil
	}

	// Repopulate the fast tier. TTL matches remaining validity exactly.
	entry := cache.Entry{
		CredentialID:   string(cred.ID),
		OwnerAccountID: string(cred.OwnerAccountID),
		Scope:          string(cred.Scope),
		ExpiresAt:      expiresAt,
	}
	if err := v.fast.Set(ctx, hash, entry, expiresAt.Sub(now)); err != nil {
		cache.Unavailable.Inc()
		log.Printf("[Validator] fast tier write failed: %v", err)
	}

	cache.ValidationResults.WithLabelValues("valid").Inc()
	return Result{
		Valid:          true,
		CredentialID:   cred.ID,
		OwnerAccountID: cred.OwnerAccountID,
		Scope:          cred.Scope,
		ExpiresAt:      expiresAt,
	}, nil
}

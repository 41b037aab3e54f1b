/*
issuer.go - Credential issuance and revocation

ATOMICITY:

	Issue runs the debit and the credential INSERT in one unit of work via
	the ledger service's Within hook: either both commit or neither does.
	Revoke does the same with the refund credit and the revocation update.

EVICTION:

	Revocation actively evicts the fast-tier entry. A revoked credential
	continuing to validate from stale cache state is a correctness bug.
*/
package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/pricing"
	"github.com/keygate/credential-engine/referral"
)

// Issuer creates and revokes credentials against an account's balance.
type Issuer struct {
	store     ledger.TxStore
	ledger    *ledger.Service
	prices    *pricing.Table
	referrals *referral.Engine
	fast      cache.FastTier
	now       func() time.Time
}

func NewIssuer(store ledger.TxStore, svc *ledger.Service, prices *pricing.Table, referrals *referral.Engine, fast cache.FastTier) *Issuer {
	return &Issuer{
		store:     store,
		ledger:    svc,
		prices:    prices,
		referrals: referrals,
		fast:      fast,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// =============================================================================
// ISSUE - Atomic debit + credential creation
// =============================================================================

// Issue purchases a single credential. Fails with InvalidDuration for a
// duration not in the pricing table and InsufficientFunds when the balance
// cannot cover the cost; in both cases nothing is created.
func (i *Issuer) Issue(ctx context.Context, accountID ledger.AccountID, durationHours int, scope ledger.Scope) (*Issued, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	price, err := i.prices.Price(durationHours)
	if err != nil {
		return nil, err
	}

	cred, token := newCredential(accountID, durationHours, scope, i.now())
	newBalance, err := i.ledger.Debit(ctx, accountID, price, ledger.KindPurchase, ledger.EntryOptions{
		RelatedCredentialID: cred.ID,
		Description:         fmt.Sprintf("purchase: %dh %s credential", durationHours, scope),
		Within: func(tx ledger.Store) error {
			return tx.CreateCredential(ctx, cred)
		},
	})
	if err != nil {
		return nil, err
	}

	// Referral hook: last step of every purchase path. Idempotent per
	// (referrer, referee) pair, so a failure here is logged, not fatal to
	// the already-committed purchase.
	if _, err := i.referrals.Award(ctx, accountID, price, "credential:"+string(cred.ID)); err != nil {
		log.Printf("[Issuer] referral award failed for %s: %v", accountID, err)
	}

	return &Issued{Credential: cred, Token: token, Cost: price, NewBalance: newBalance}, nil
}

// issueUncharged creates a credential without touching the balance. Only
// the bundle coordinator calls it, inside the bundle's single debit
// transaction; it is deliberately unexported.
func issueUncharged(ctx context.Context, tx ledger.Store, accountID ledger.AccountID, durationHours int, scope ledger.Scope, now time.Time) (*ledger.Credential, string, error) {
	cred, token := newCredential(accountID, durationHours, scope, now)
	if err := tx.CreateCredential(ctx, cred); err != nil {
		return nil, "", err
	}
	return cred, token, nil
}

// =============================================================================
// REVOKE - Proportional refund credited atomically with revocation
// =============================================================================

// Revoke flips the credential inactive, credits the proportional refund in
// the same unit of work, and evicts the fast-tier entry. A credential that
// does not belong to accountID, or is already revoked, is NotFound.
func (i *Issuer) Revoke(ctx context.Context, credentialID ledger.CredentialID, accountID ledger.AccountID) (*RefundResult, error) {
	cred, err := i.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.OwnerAccountID != accountID || cred.RevokedAt != nil {
		return nil, ledger.ErrCredentialNotFound
	}

	price, err := i.prices.Price(cred.DurationHours)
	if err != nil {
		return nil, err
	}

	now := i.now()
	refund := Refund(price, cred.DurationHours, cred.ActivatedAt, now)

	var newBalance ledger.Money
	if refund.IsPositive() {
		newBalance, err = i.ledger.Credit(ctx, accountID, refund, ledger.KindRefund, ledger.EntryOptions{
			RelatedCredentialID: cred.ID,
			Description:         fmt.Sprintf("refund: revoked %dh credential", cred.DurationHours),
			Within: func(tx ledger.Store) error {
				return tx.RevokeCredential(ctx, cred.ID, now)
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		// Nothing to refund (fully used); no zero-amount ledger entries.
		err = i.store.WithTx(ctx, func(tx ledger.Store) error {
			return tx.RevokeCredential(ctx, cred.ID, now)
		})
		if err != nil {
			return nil, err
		}
		newBalance, err = i.ledger.GetBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}
	}

	i.evict(ctx, cred.TokenHash)

	return &RefundResult{CredentialID: cred.ID, RefundAmount: refund, NewBalance: newBalance}, nil
}

// evict actively removes a fast-tier entry. When the tier is unavailable
// its Get path fails too, so a revoked credential cannot keep validating
// from it; the failure is still logged for the operator.
func (i *Issuer) evict(ctx context.Context, tokenHash string) {
	if err := i.fast.Delete(ctx, tokenHash); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Issuer] cache eviction failed: %v", err)
		}
		return
	}
	cache.Evictions.Inc()
}

// ListCredentials returns all credentials owned by the account.
func (i *Issuer) ListCredentials(ctx context.Context, accountID ledger.AccountID) ([]*ledger.Credential, error) {
	if _, err := i.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return i.store.ListCredentials(ctx, accountID)
}

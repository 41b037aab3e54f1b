/*
bundle.go - Bundle purchase coordinator

PURPOSE:

	Issues N identical credentials for one discounted price under a SINGLE
	debit. The debit and every credential INSERT share one unit of work: a
	storage failure on credential #7 of 10 rolls back the whole purchase,
	including the charge. Partial bundles are not a valid terminal state.

PRICE SNAPSHOT:

	The bundle's pricing is rendered into the ledger entry description at
	purchase time. Later edits to the bundle never rewrite history.
*/
package credential

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keygate/credential-engine/ledger"
)

// BundlePurchase is the outcome of a bundle purchase. Tokens holds the
// plaintext bearer tokens, one per issued credential.
type BundlePurchase struct {
	Bundle      *ledger.Bundle
	Credentials []*ledger.Credential
	Tokens      []string
	Cost        ledger.Money
	NewBalance  ledger.Money
}

// =============================================================================
// ADMIN - Bundle definition
// =============================================================================

// CreateBundle defines a new package. BasePrice is derived from the
// pricing table (per-token price x count); TotalPrice applies the
// discount, rounded once.
func (i *Issuer) CreateBundle(ctx context.Context, name string, tokenCount, durationHours int, scope ledger.Scope, discountPercent int) (*ledger.Bundle, error) {
	if tokenCount <= 0 {
		return nil, fmt.Errorf("bundle token count must be positive, got %d", tokenCount)
	}
	if discountPercent < 0 || discountPercent >= 100 {
		return nil, fmt.Errorf("bundle discount must be in [0,100), got %d", discountPercent)
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	perToken, err := i.prices.Price(durationHours)
	if err != nil {
		return nil, err
	}

	base := perToken.Mul(decimal.NewFromInt(int64(tokenCount)))
	multiplier := decimal.NewFromInt(int64(100 - discountPercent)).Div(decimal.NewFromInt(100))
	total := base.Mul(multiplier).Round2()

	b := &ledger.Bundle{
		ID:                    ledger.BundleID(uuid.NewString()),
		Name:                  name,
		TokenCount:            tokenCount,
		DurationHoursPerToken: durationHours,
		Scope:                 scope,
		DiscountPercent:       discountPercent,
		BasePrice:             base,
		TotalPrice:            total,
		IsActive:              true,
		CreatedAt:             i.now().UTC(),
	}
	if err := i.store.CreateBundle(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Bundles lists purchasable bundles.
func (i *Issuer) Bundles(ctx context.Context, activeOnly bool) ([]*ledger.Bundle, error) {
	return i.store.ListBundles(ctx, activeOnly)
}

// DeactivateBundle soft-deletes a bundle; existing purchases keep their
// snapshotted price.
func (i *Issuer) DeactivateBundle(ctx context.Context, id ledger.BundleID) error {
	return i.store.DeactivateBundle(ctx, id)
}

// =============================================================================
// PURCHASE - One debit, N credentials, all or nothing
// =============================================================================

// PurchaseBundle buys every credential in the bundle under a single debit
// of TotalPrice. An inactive or unknown bundle is BundleNotFound.
func (i *Issuer) PurchaseBundle(ctx context.Context, bundleID ledger.BundleID, accountID ledger.AccountID) (*BundlePurchase, error) {
	b, err := i.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return nil, ledger.ErrBundleNotFound
	}

	now := i.now()
	description := fmt.Sprintf("bundle %q: %d x %dh %s at %s (%d%% off %s)",
		b.Name, b.TokenCount, b.DurationHoursPerToken, b.Scope,
		b.TotalPrice, b.DiscountPercent, b.BasePrice)

	var (
		creds  []*ledger.Credential
		tokens []string
	)
	newBalance, err := i.ledger.Debit(ctx, accountID, b.TotalPrice, ledger.KindPurchase, ledger.EntryOptions{
		Description: description,
		Within: func(tx ledger.Store) error {
			// The ledger retries conflicted transactions by re-running
			// this closure, so each attempt starts from empty slices.
			creds, tokens = nil, nil
			for n := 0; n < b.TokenCount; n++ {
				cred, token, err := issueUncharged(ctx, tx, accountID, b.DurationHoursPerToken, b.Scope, now)
				if err != nil {
					return err // rolls back the debit and every credential so far
				}
				creds = append(creds, cred)
				tokens = append(tokens, token)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	// Referral hook with the bundle's total as the qualifying amount.
	if _, err := i.referrals.Award(ctx, accountID, b.TotalPrice, "bundle:"+string(b.ID)); err != nil {
		log.Printf("[Issuer] referral award failed for %s: %v", accountID, err)
	}

	return &BundlePurchase{
		Bundle:      b,
		Credentials: creds,
		Tokens:      tokens,
		Cost:        b.TotalPrice,
		NewBalance:  newBalance,
	}, nil
}

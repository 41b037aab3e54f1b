/*
Package referral awards one-time bonuses to referrers.

PURPOSE:

	When an account referred by another makes a qualifying purchase, the
	referrer is credited a percentage of it. The bonus fires at most once
	per distinct (referrer, referee) pair, no matter how many qualifying
	purchases the referee makes later.

IDEMPOTENCY:

	The once-per-pair rule rides on the ledger's idempotency keys: the
	bonus credit carries the key "referral:<referrer>:<referee>", and the
	ledger turns a duplicate key into a no-op. Re-invoking the engine for
	the same purchase event is therefore harmless.

POLICY:

	A bonus, once awarded, is final. It is not reversed when the qualifying
	purchase is later refunded. See DESIGN.md for the rationale.

SEE ALSO:
  - ledger/service.go: idempotent Credit
  - pricing/pricing.go: ReferralRate and ReferralThreshold
*/
package referral

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/pricing"
)

// Engine evaluates and pays referral bonuses.
type Engine struct {
	ledger    *ledger.Service
	store     ledger.Store
	rate      decimal.Decimal
	threshold ledger.Money
}

func NewEngine(svc *ledger.Service, store ledger.Store, prices *pricing.Table) *Engine {
	return &Engine{
		ledger:    svc,
		store:     store,
		rate:      prices.ReferralRate(),
		threshold: prices.ReferralThreshold(),
	}
}

// PairKey is the idempotency key enforcing the once-per-pair rule.
func PairKey(referrer, referee ledger.AccountID) string {
	return fmt.Sprintf("referral:%s:%s", referrer, referee)
}

// =============================================================================
// AWARD - Invoked as the last step of every purchase path
// =============================================================================

// Award pays the referrer of the purchasing account when the purchase
// qualifies. Returns true when a bonus was credited by THIS call. A
// purchaser without a referrer, a purchase at or below the threshold, and
// an already-rewarded pair are all quiet no-ops.
func (e *Engine) Award(ctx context.Context, purchaser ledger.AccountID, purchaseAmount ledger.Money, eventRef string) (bool, error) {
	acct, err := e.store.GetAccount(ctx, purchaser)
	if err != nil {
		return false, err
	}
	if acct.ReferredBy == nil {
		return false, nil
	}
	if !purchaseAmount.GreaterThan(e.threshold) {
		return false, nil
	}

	referrer := *acct.ReferredBy
	key := PairKey(referrer, purchaser)
	exists, err := e.store.EntryExists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil // first purchase already paid out
	}

	bonus := purchaseAmount.Mul(e.rate).Round2()
	if !bonus.IsPositive() {
		return false, nil
	}

	_, err = e.ledger.Credit(ctx, referrer, bonus, ledger.KindReferralBonus, ledger.EntryOptions{
		Description:    fmt.Sprintf("referral bonus for %s (%s)", purchaser, eventRef),
		IdempotencyKey: key,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes an account's performance as a referrer.
type Stats struct {
	Code                string
	TotalReferrals      int
	QualifyingReferrals int
	BonusEarned         ledger.Money
}

// Stats reports the account's referral code, how many accounts it
// referred, how many of those produced a bonus, and the total earned.
func (e *Engine) Stats(ctx context.Context, accountID ledger.AccountID) (*Stats, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	referred, err := e.store.ListReferredAccounts(ctx, accountID)
	if err != nil {
		return nil, err
	}

	bonuses, _, err := e.store.ListEntries(ctx, accountID, ledger.EntryFilter{Kind: ledger.KindReferralBonus})
	if err != nil {
		return nil, err
	}

	earned := ledger.Zero()
	for _, b := range bonuses {
		earned = earned.Add(b.Amount)
	}

	return &Stats{
		Code:                acct.ReferralCode,
		TotalReferrals:      len(referred),
		QualifyingReferrals: len(bonuses),
		BonusEarned:         earned,
	}, nil
}

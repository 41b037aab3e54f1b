package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService() (*ledger.Service, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewService(mem), mem
}

// fundedAccount creates an account and credits it so that the balance and
// the entry sum stay consistent.
func fundedAccount(t *testing.T, svc *ledger.Service, balance string) *ledger.Account {
	t.Helper()
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "")
	require.NoError(t, err)

	amount := ledger.MustParseMoney(balance)
	if amount.IsPositive() {
		_, err = svc.Credit(ctx, acct.ID, amount, ledger.KindDeposit, ledger.EntryOptions{
			Description: "test funding",
		})
		require.NoError(t, err)
	}
	return acct
}

// =============================================================================
// DEBIT / CREDIT
// =============================================================================

func TestDebit_SufficientBalance_UpdatesBalanceAndAppendsEntry(t *testing.T) {
	// GIVEN: Account with balance 100.00
	// WHEN: Debiting 18.00 for a purchase
	// THEN: Balance is 82.00 and a single -18.00 purchase entry exists

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "100.00")

	newBalance, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("18.00"), ledger.KindPurchase, ledger.EntryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "82.00", newBalance.String())

	entries, total, err := svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindPurchase})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "-18.00", entries[0].Amount.String())
}

func TestDebit_InsufficientBalance_FailsWithoutSideEffects(t *testing.T) {
	// GIVEN: Account with balance 5.00
	// WHEN: Debiting 18.00
	// THEN: InsufficientFundsError with amounts; balance and history unchanged

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "5.00")

	_, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("18.00"), ledger.KindPurchase, ledger.EntryOptions{})

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "5.00", insufficient.Available.String())
	assert.Equal(t, "18.00", insufficient.Required.String())

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", balance.String())

	_, total, err := svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindPurchase})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "failed debit must not append an entry")
}

func TestDebit_ExactBalance_SucceedsToZero(t *testing.T) {
	// Balance may reach exactly zero; only negative is forbidden.

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "18.00")

	newBalance, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("18.00"), ledger.KindPurchase, ledger.EntryOptions{})
	require.NoError(t, err)
	assert.True(t, newBalance.IsZero())
}

func TestDebit_NonPositiveAmount_Rejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "10.00")

	_, err := svc.Debit(ctx, acct.ID, ledger.Zero(), ledger.KindPurchase, ledger.EntryOptions{})
	assert.Error(t, err)

	_, err = svc.Debit(ctx, acct.ID, ledger.MustParseMoney("-1.00"), ledger.KindPurchase, ledger.EntryOptions{})
	assert.Error(t, err)
}

func TestCredit_UnknownAccount_NotFound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, "nope", ledger.MustParseMoney("10.00"), ledger.KindDeposit, ledger.EntryOptions{})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestDebit_DeactivatedAccount_Rejected(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "50.00")

	require.NoError(t, mem.DeactivateAccount(ctx, acct.ID, time.Now()))

	_, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("10.00"), ledger.KindPurchase, ledger.EntryOptions{})
	assert.ErrorIs(t, err, ledger.ErrAccountDeactivated)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCredit_DuplicateIdempotencyKey_NoOp(t *testing.T) {
	// GIVEN: A credit already applied under key "deposit:ref-1"
	// WHEN: Replaying the same credit
	// THEN: Balance unchanged, still exactly one entry

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "0.00")

	opts := ledger.EntryOptions{IdempotencyKey: "deposit:ref-1"}
	amount := ledger.MustParseMoney("25.00")

	first, err := svc.Credit(ctx, acct.ID, amount, ledger.KindDeposit, opts)
	require.NoError(t, err)
	assert.Equal(t, "25.00", first.String())

	second, err := svc.Credit(ctx, acct.ID, amount, ledger.KindDeposit, opts)
	require.NoError(t, err)
	assert.Equal(t, "25.00", second.String(), "replay must not change the balance")

	_, total, err := svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindDeposit})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// =============================================================================
// WITHIN HOOK
// =============================================================================

func TestDebit_WithinFailure_RollsBackEverything(t *testing.T) {
	// GIVEN: A debit whose Within hook fails
	// WHEN: Applying it
	// THEN: Neither the balance change nor the entry survives

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "100.00")

	_, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("18.00"), ledger.KindPurchase, ledger.EntryOptions{
		Within: func(ledger.Store) error {
			return assert.AnError
		},
	})
	require.ErrorIs(t, err, assert.AnError)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", balance.String())

	require.NoError(t, svc.Reconcile(ctx, acct.ID))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestDebit_ConcurrentSpend_NeverOverdraws(t *testing.T) {
	// GIVEN: Balance 50.00 and 10 concurrent debits of 18.00
	// WHEN: All race
	// THEN: Exactly 2 succeed (3rd would overdraw); ledger stays consistent

	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "50.00")

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for n := 0; n < attempts; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, acct.ID, ledger.MustParseMoney("18.00"), ledger.KindPurchase, ledger.EntryOptions{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 2, succeeded)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "14.00", balance.String())
	require.NoError(t, svc.Reconcile(ctx, acct.ID))
}

// =============================================================================
// ACCOUNT CREATION
// =============================================================================

func TestCreateAccount_AssignsReferralCodeAndZeroBalance(t *testing.T) {
	svc, _ := newTestService()

	acct, err := svc.CreateAccount(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, acct.Balance.IsZero())
	assert.NotEmpty(t, acct.ReferralCode)
	assert.Nil(t, acct.ReferredBy)
}

func TestCreateAccount_WithReferralCode_RecordsWeakReference(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	referrer, err := svc.CreateAccount(ctx, "")
	require.NoError(t, err)

	referee, err := svc.CreateAccount(ctx, referrer.ReferralCode)
	require.NoError(t, err)

	require.NotNil(t, referee.ReferredBy)
	assert.Equal(t, referrer.ID, *referee.ReferredBy)
}

func TestCreateAccount_UnknownReferralCode_IgnoredNotFatal(t *testing.T) {
	// Signup must not fail because a shared link went stale.

	svc, _ := newTestService()

	acct, err := svc.CreateAccount(context.Background(), "ref-doesnotexist")
	require.NoError(t, err)
	assert.Nil(t, acct.ReferredBy)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestListTransactions_Pagination_NewestFirst(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	acct := fundedAccount(t, svc, "0.00")

	// Deterministic, strictly increasing timestamps.
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	svc.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	for n := 1; n <= 5; n++ {
		_, err := svc.Credit(ctx, acct.ID, ledger.NewMoneyFromInt(int64(n)), ledger.KindDeposit, ledger.EntryOptions{})
		require.NoError(t, err)
	}

	page1, total, err := svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindDeposit, Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "5.00", page1[0].Amount.String(), "newest entry first")

	page3, _, err := svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindDeposit, Page: 3, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "1.00", page3[0].Amount.String())
}

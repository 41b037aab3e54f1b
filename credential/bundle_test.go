package credential_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/credential"
	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/ledger/store"
	"github.com/keygate/credential-engine/pricing"
	"github.com/keygate/credential-engine/referral"
)

// =============================================================================
// DEFINITION
// =============================================================================

func TestCreateBundle_DerivesPricesFromTable(t *testing.T) {
	// 5 x 24h at 18.00 = 90.00 base; 10% off = 81.00 total, 9.00 savings.

	f := newFixture(t)

	b, err := f.issuer.CreateBundle(context.Background(), "Starter 5-pack", 5, 24, ledger.ScopeFull, 10)
	require.NoError(t, err)

	assert.Equal(t, "90.00", b.BasePrice.String())
	assert.Equal(t, "81.00", b.TotalPrice.String())
	assert.Equal(t, "9.00", b.Savings().String())
	assert.True(t, b.IsActive)
}

func TestCreateBundle_InvalidInputs_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.issuer.CreateBundle(ctx, "empty", 0, 24, ledger.ScopeFull, 10)
	assert.Error(t, err, "zero tokens")

	_, err = f.issuer.CreateBundle(ctx, "free", 5, 24, ledger.ScopeFull, 100)
	assert.Error(t, err, "100% discount")

	_, err = f.issuer.CreateBundle(ctx, "odd", 5, 13, ledger.ScopeFull, 10)
	assert.ErrorIs(t, err, ledger.ErrInvalidDuration)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchaseBundle_SingleDebitManyCredentials(t *testing.T) {
	// GIVEN: Balance 100.00 and a 5-token bundle priced 81.00
	// WHEN: Purchasing
	// THEN: Balance 19.00, exactly ONE -81.00 entry, 5 unactivated
	//       credentials each with its own token

	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "100.00")

	b, err := f.issuer.CreateBundle(ctx, "Starter 5-pack", 5, 24, ledger.ScopeFull, 10)
	require.NoError(t, err)

	purchase, err := f.issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	require.NoError(t, err)

	assert.Equal(t, "81.00", purchase.Cost.String())
	assert.Equal(t, "19.00", purchase.NewBalance.String())
	require.Len(t, purchase.Credentials, 5)
	require.Len(t, purchase.Tokens, 5)

	seen := make(map[string]bool)
	for n, c := range purchase.Credentials {
		assert.Nil(t, c.ActivatedAt)
		assert.True(t, c.IsActive)
		assert.False(t, seen[purchase.Tokens[n]], "tokens must be distinct")
		seen[purchase.Tokens[n]] = true
	}

	entries, total, err := f.svc.ListTransactions(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindPurchase})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "a bundle is one debit, not five")
	assert.Equal(t, "-81.00", entries[0].Amount.String())

	require.NoError(t, f.svc.Reconcile(ctx, acct.ID))
}

func TestPurchaseBundle_EveryTokenValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "100.00")

	b, err := f.issuer.CreateBundle(ctx, "pair", 2, 6, ledger.ScopeRestricted, 0)
	require.NoError(t, err)

	purchase, err := f.issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	require.NoError(t, err)

	for _, token := range purchase.Tokens {
		res, err := f.validator.Validate(ctx, token)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, ledger.ScopeRestricted, res.Scope)
	}
}

func TestPurchaseBundle_InsufficientFunds_NothingCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "50.00")

	b, err := f.issuer.CreateBundle(ctx, "Starter 5-pack", 5, 24, ledger.ScopeFull, 10)
	require.NoError(t, err)

	_, err = f.issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	creds, err := f.store.ListCredentials(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestPurchaseBundle_Deactivated_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "100.00")

	b, err := f.issuer.CreateBundle(ctx, "gone", 2, 24, ledger.ScopeFull, 0)
	require.NoError(t, err)
	require.NoError(t, f.issuer.DeactivateBundle(ctx, b.ID))

	_, err = f.issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	assert.ErrorIs(t, err, ledger.ErrBundleNotFound)
}

// =============================================================================
// ATOMICITY UNDER STORAGE FAILURE
// =============================================================================

// failNthCredentialStore fails the Nth CreateCredential inside a
// transaction, simulating a mid-bundle storage failure.
type failNthCredentialStore struct {
	*store.Memory
	failAt int
	calls  int
}

func (s *failNthCredentialStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&failNthCredentialTx{Store: tx, parent: s})
	})
}

type failNthCredentialTx struct {
	ledger.Store
	parent *failNthCredentialStore
}

func (t *failNthCredentialTx) CreateCredential(ctx context.Context, c *ledger.Credential) error {
	t.parent.calls++
	if t.parent.calls == t.parent.failAt {
		return errors.New("simulated storage failure")
	}
	return t.Store.CreateCredential(ctx, c)
}

// conflictOnceStore rolls back one armed transaction and reports a
// concurrency conflict, driving the ledger's retry path exactly once.
type conflictOnceStore struct {
	*store.Memory
	armed bool
}

func (s *conflictOnceStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.armed {
		s.armed = false
		return s.Memory.WithTx(ctx, func(tx ledger.Store) error {
			if err := fn(tx); err != nil {
				return err
			}
			return ledger.ErrConcurrencyConflict
		})
	}
	return s.Memory.WithTx(ctx, fn)
}

func TestPurchaseBundle_RetriedTransaction_NoDuplicateCredentials(t *testing.T) {
	// GIVEN: A 5-token bundle whose first debit attempt hits a
	//        concurrency conflict and is retried
	// WHEN: Purchasing
	// THEN: The committed attempt yields exactly 5 credentials and 5
	//       tokens, not the rolled-back attempt's output on top

	clock := newFakeClock()
	flaky := &conflictOnceStore{Memory: store.NewMemory()}

	svc := ledger.NewService(flaky)
	svc.SetClock(clock.Now)
	prices := pricing.Default()
	referrals := referral.NewEngine(svc, flaky, prices)
	fast := cache.NewMemory()
	fast.SetClock(clock.Now)
	issuer := credential.NewIssuer(flaky, svc, prices, referrals, fast)
	issuer.SetClock(clock.Now)
	validator := credential.NewValidator(flaky, fast)
	validator.SetClock(clock.Now)

	ctx := context.Background()
	acct, err := svc.CreateAccount(ctx, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, acct.ID, ledger.MustParseMoney("100.00"), ledger.KindDeposit, ledger.EntryOptions{})
	require.NoError(t, err)

	b, err := issuer.CreateBundle(ctx, "Starter 5-pack", 5, 24, ledger.ScopeFull, 10)
	require.NoError(t, err)

	flaky.armed = true
	purchase, err := issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	require.NoError(t, err)

	require.Len(t, purchase.Credentials, 5)
	require.Len(t, purchase.Tokens, 5)
	assert.Equal(t, "19.00", purchase.NewBalance.String())

	creds, err := flaky.ListCredentials(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 5, "only the committed attempt's credentials exist")

	// Every returned token must belong to the committed attempt.
	for _, token := range purchase.Tokens {
		res, err := validator.Validate(ctx, token)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	}

	require.NoError(t, svc.Reconcile(ctx, acct.ID))
}

func TestPurchaseBundle_MidLoopFailure_RollsBackDebitAndCredentials(t *testing.T) {
	// GIVEN: A 5-token bundle where credential #4 fails to persist
	// WHEN: Purchasing
	// THEN: The whole purchase rolls back: full balance, zero credentials

	clock := newFakeClock()
	flaky := &failNthCredentialStore{Memory: store.NewMemory(), failAt: 4}

	svc := ledger.NewService(flaky)
	svc.SetClock(clock.Now)
	prices := pricing.Default()
	referrals := referral.NewEngine(svc, flaky, prices)
	fast := cache.NewMemory()
	issuer := credential.NewIssuer(flaky, svc, prices, referrals, fast)
	issuer.SetClock(clock.Now)

	ctx := context.Background()
	acct, err := svc.CreateAccount(ctx, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, acct.ID, ledger.MustParseMoney("100.00"), ledger.KindDeposit, ledger.EntryOptions{})
	require.NoError(t, err)

	b, err := issuer.CreateBundle(ctx, "doomed", 5, 24, ledger.ScopeFull, 10)
	require.NoError(t, err)

	_, err = issuer.PurchaseBundle(ctx, b.ID, acct.ID)
	require.Error(t, err)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", balance.String(), "debit must roll back with the failed credentials")

	creds, err := flaky.ListCredentials(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, creds, "partial bundles are not a valid terminal state")

	require.NoError(t, svc.Reconcile(ctx, acct.ID))
}

/*
service.go - Atomic debit/credit over the account ledger

PURPOSE:

	The Service is the ONLY code path permitted to change an account's
	balance. Every mutation decrements/increments the balance and appends
	the matching signed entry inside one unit of work, under an exclusive
	per-account lock.

LOCKING MODEL:

	One short-lived exclusive lock per account row. Two concurrent debits
	against the same account serialize through it - both must never succeed
	if only one can be afforded. Operations on different accounts proceed
	fully in parallel. The lock covers the in-process store writes only,
	never a network call.

RETRIES:

	Store-level serialization failures (ErrConcurrencyConflict, e.g.
	SQLITE_BUSY) are retried a small bounded number of times with fibonacci
	backoff (sethvargo/go-retry) before surfacing.

IDEMPOTENCY:

	A Debit/Credit carrying an idempotency key that already exists is a
	no-op returning the current balance. Gateway webhook replays and
	referral re-awards lean on this.

SEE ALSO:
  - store.go: the Store contract (UpdateBalance reserved for this file)
  - errors.go: InsufficientFundsError carries available/required
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// maxConflictRetries bounds internal retries of serialization failures.
const maxConflictRetries = 3

// =============================================================================
// ACCOUNT LOCKS - Exclusive, short-lived, scoped to one account
// =============================================================================

type accountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*sync.Mutex
}

func (al *accountLocks) lock(id AccountID) *sync.Mutex {
	al.mu.Lock()
	l, ok := al.locks[id]
	if !ok {
		l = &sync.Mutex{}
		al.locks[id] = l
	}
	al.mu.Unlock()
	l.Lock()
	return l
}

// =============================================================================
// SERVICE
// =============================================================================

// Service performs atomic balance mutations.
type Service struct {
	store TxStore
	locks accountLocks
	now   func() time.Time
}

func NewService(store TxStore) *Service {
	return &Service{
		store: store,
		locks: accountLocks{locks: make(map[AccountID]*sync.Mutex)},
		now:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// EntryOptions carries the optional context of a debit/credit.
type EntryOptions struct {
	RelatedCredentialID CredentialID
	ExternalPaymentRef  string
	Description         string

	// IdempotencyKey makes the operation replay-safe: a key that already
	// exists turns the call into a no-op.
	IdempotencyKey string

	// Within, when set, runs inside the same unit of work as the balance
	// update and the entry append. Used by the credential issuer and the
	// bundle coordinator so that issuance and charge commit together.
	Within func(Store) error
}

// Debit atomically subtracts amount from the account and appends a negative
// entry. Fails with *InsufficientFundsError (no change) when the balance
// cannot cover the amount. Returns the new balance.
func (s *Service) Debit(ctx context.Context, id AccountID, amount Money, kind EntryKind, opts EntryOptions) (Money, error) {
	if amount.IsNegative() || amount.IsZero() {
		return Money{}, fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	return s.apply(ctx, id, amount.Neg(), kind, opts)
}

// Credit atomically adds amount to the account and appends a positive
// entry. Always succeeds for an existing account: there is no upper bound
// on balance. Returns the new balance.
func (s *Service) Credit(ctx context.Context, id AccountID, amount Money, kind EntryKind, opts EntryOptions) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("credit amount must not be negative, got %s", amount)
	}
	return s.apply(ctx, id, amount, kind, opts)
}

// apply holds the account lock for the duration of one store transaction:
// read balance, check, write balance, append entry, run opts.Within.
func (s *Service) apply(ctx context.Context, id AccountID, delta Money, kind EntryKind, opts EntryOptions) (Money, error) {
	l := s.locks.lock(id)
	defer l.Unlock()

	var newBalance Money
	backoff := retry.WithMaxRetries(maxConflictRetries, retry.NewFibonacci(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.store.WithTx(ctx, func(tx Store) error {
			acct, err := tx.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			if acct.IsDeactivated() {
				return ErrAccountDeactivated
			}

			if opts.IdempotencyKey != "" {
				exists, err := tx.EntryExists(ctx, opts.IdempotencyKey)
				if err != nil {
					return err
				}
				if exists {
					newBalance = acct.Balance
					return nil
				}
			}

			updated := acct.Balance.Add(delta)
			if updated.IsNegative() {
				return &InsufficientFundsError{
					AccountID: id,
					Available: acct.Balance,
					Required:  delta.Neg(),
				}
			}

			if err := tx.UpdateBalance(ctx, id, updated); err != nil {
				return err
			}
			entry := Entry{
				ID:                  EntryID(uuid.NewString()),
				AccountID:           id,
				Amount:              delta,
				Kind:                kind,
				RelatedCredentialID: opts.RelatedCredentialID,
				ExternalPaymentRef:  opts.ExternalPaymentRef,
				Description:         opts.Description,
				IdempotencyKey:      opts.IdempotencyKey,
				CreatedAt:           s.now().UTC(),
			}
			if err := tx.AppendEntry(ctx, entry); err != nil {
				return err
			}
			if opts.Within != nil {
				if err := opts.Within(tx); err != nil {
					return err
				}
			}
			newBalance = updated
			return nil
		})
		if IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Money{}, err
	}
	return newBalance, nil
}

// =============================================================================
// READS - No locking beyond normal read consistency
// =============================================================================

func (s *Service) GetBalance(ctx context.Context, id AccountID) (Money, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Money{}, err
	}
	return acct.Balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, id AccountID, f EntryFilter) ([]Entry, int, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListEntries(ctx, id, f)
}

// Reconcile verifies the core invariant: balance == sum(entries).
// Used by tests and the janitor; a mismatch is a correctness bug.
func (s *Service) Reconcile(ctx context.Context, id AccountID) error {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	sum, err := s.store.SumEntries(ctx, id)
	if err != nil {
		return err
	}
	if !acct.Balance.Equal(sum) {
		return fmt.Errorf("ledger out of balance for %s: balance %s, entry sum %s",
			id, acct.Balance, sum)
	}
	return nil
}

// =============================================================================
// ACCOUNT CREATION
// =============================================================================

// CreateAccount registers a new principal with a zero balance. When
// referredByCode resolves to an existing account, the weak ReferredBy
// reference is recorded; an unknown code is ignored rather than failing
// signup.
func (s *Service) CreateAccount(ctx context.Context, referredByCode string) (*Account, error) {
	acct := &Account{
		ID:           AccountID(uuid.NewString()),
		Balance:      Zero(),
		ReferralCode: newReferralCode(),
		CreatedAt:    s.now().UTC(),
	}
	if referredByCode != "" {
		referrer, err := s.store.GetAccountByReferralCode(ctx, referredByCode)
		if err == nil {
			acct.ReferredBy = &referrer.ID
		} else if !IsNotFound(err) {
			return nil, err
		}
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// newReferralCode derives a short shareable code from a fresh uuid.
func newReferralCode() string {
	u := uuid.NewString()
	return "ref-" + u[:8]
}

/*
store.go - Persistence interfaces for the credential and ledger engine

PURPOSE:

	Defines the interface between domain logic and the database. The store
	persists accounts, the append-only entry log, credentials, bundles and
	pending payments. Implementations: store/sqlite (durable) and
	ledger/store (in-memory, tests/dev).

APPEND-ONLY CONTRACT:

	ledger_entries has AppendEntry and read methods only. No update, no
	delete on the hot path. The only sanctioned removal is the janitor's
	retention pruning, which runs outside purchase-path locks and never
	touches balances.

BALANCE CONTRACT:

	UpdateBalance exists so that the Service can move money and append the
	matching entry inside one WithTx unit. No other component may call it.

IDEMPOTENCY:

	AppendEntry fails with ErrDuplicateIdempotencyKey when the entry carries
	a key that already exists. This is what makes webhook replays and
	referral re-awards harmless.

SEE ALSO:
  - service.go: the only caller of UpdateBalance
  - store/sqlite/sqlite.go: durable implementation
  - ledger/store/memory.go: in-memory implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTRY QUERIES
// =============================================================================

// EntryFilter narrows and pages ListEntries results.
type EntryFilter struct {
	Kind    EntryKind // empty = all kinds
	Page    int       // 1-based; 0 means first page
	PerPage int       // 0 means no paging
}

// =============================================================================
// STORE - Full persistence surface
// =============================================================================

// Store is the persistence surface the engine is built on.
//
// INVARIANTS:
//   - Entries are append-only.
//   - UpdateBalance is reserved for the ledger Service.
//   - All writes inside WithTx commit or roll back together.
type Store interface {
	// --- Accounts ---

	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*Account, error)

	// ListReferredAccounts returns accounts whose ReferredBy points at the
	// given referrer (reverse lookup on the weak reference).
	ListReferredAccounts(ctx context.Context, referrer AccountID) ([]*Account, error)

	// UpdateBalance overwrites the stored balance. RESERVED for the ledger
	// Service, which calls it in the same unit of work as AppendEntry.
	UpdateBalance(ctx context.Context, id AccountID, balance Money) error

	// DeactivateAccount soft-deactivates; the account row and its entries
	// remain.
	DeactivateAccount(ctx context.Context, id AccountID, at time.Time) error

	// --- Ledger entries (append-only) ---

	AppendEntry(ctx context.Context, e Entry) error
	ListEntries(ctx context.Context, id AccountID, f EntryFilter) ([]Entry, int, error)
	SumEntries(ctx context.Context, id AccountID) (Money, error)
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	// --- Credentials ---

	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id CredentialID) (*Credential, error)
	GetCredentialByTokenHash(ctx context.Context, hash string) (*Credential, error)
	ListCredentials(ctx context.Context, owner AccountID) ([]*Credential, error)

	// ActivateCredential sets activatedAt iff it is still null, as a single
	// atomic update, and returns the credential's effective activation time
	// (the stored one when another validator won the race).
	ActivateCredential(ctx context.Context, id CredentialID, at time.Time) (time.Time, error)

	// RevokeCredential sets revokedAt and clears isActive iff the
	// credential is not already revoked; otherwise NotFound. The guard is
	// what keeps two racing revokers from both crediting a refund.
	RevokeCredential(ctx context.Context, id CredentialID, at time.Time) error

	// ListExpiredActive returns active, activated credentials whose expiry
	// is before now. Janitor batch input.
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*Credential, error)

	// --- Bundles ---

	CreateBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, id BundleID) (*Bundle, error)
	ListBundles(ctx context.Context, activeOnly bool) ([]*Bundle, error)
	DeactivateBundle(ctx context.Context, id BundleID) error

	// --- Payments ---

	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByRef(ctx context.Context, externalRef string) (*Payment, error)
	ResolvePayment(ctx context.Context, externalRef string, status PaymentStatus, at time.Time) error
	ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error)

	// PrunePayments removes canceled payments resolved before the cutoff.
	// Retention only; never touches pending rows or the ledger.
	PrunePayments(ctx context.Context, before time.Time) (int, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-write units
// =============================================================================

// TxStore wraps Store with transaction support.
// If fn returns an error the whole unit rolls back; partial effects
// (credential created but not charged) are a correctness bug, not a
// degraded mode.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

/*
Package ledger provides the core credential and ledger engine.

PURPOSE:

	This package contains the types and invariants shared by the whole
	engine: prepaid accounts, the append-only transaction ledger, time-boxed
	access credentials, bundles, and pending gateway payments.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: a billable principal with a prepaid balance
  - Entry: an immutable signed record of a balance change
  - Credential: a time-boxed, scope-limited access grant
  - Bundle: a fixed-price package of identical credentials
  - Payment: a pending external gateway deposit

DESIGN PRINCIPLES:
 1. Immutability: ledger entries are never modified or deleted
 2. Precision: Money (decimal.Decimal) everywhere, no floats
 3. Single writer: only the Service in service.go mutates balances
 4. Reconciliation: balance always equals the sum of entries

CREDENTIAL LIFECYCLE (lazy activation):

	Issued -> Activated (on first successful validation) -> Expired | Revoked
	Issued -> Revoked is also valid (full refund, the clock never started).

SEE ALSO:
  - store.go: persistence interfaces
  - service.go: atomic debit/credit and balance invariants
  - errors.go: sentinel and structured errors
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type CredentialID string
type EntryID string
type BundleID string

// =============================================================================
// ACCOUNT - Billable principal with a prepaid balance
// =============================================================================

type Account struct {
	ID           AccountID
	Balance      Money
	ReferralCode string

	// ReferredBy is a weak reference: a lookup key only, no ownership and
	// no cascading semantics. Nil when the account was not referred.
	ReferredBy *AccountID

	CreatedAt     time.Time
	DeactivatedAt *time.Time // soft-deactivation; accounts are never deleted
}

func (a *Account) IsDeactivated() bool { return a.DeactivatedAt != nil }

// =============================================================================
// ENTRY - Immutable signed ledger record
// =============================================================================

type EntryKind string

const (
	KindDeposit       EntryKind = "deposit"
	KindPurchase      EntryKind = "purchase"
	KindRefund        EntryKind = "refund"
	KindReferralBonus EntryKind = "referral_bonus"
)

// Entry records one balance change. Amount is signed: positive = credit,
// negative = debit. Entries are append-only; corrections are new entries.
type Entry struct {
	ID                  EntryID
	AccountID           AccountID
	Amount              Money
	Kind                EntryKind
	RelatedCredentialID CredentialID // optional
	ExternalPaymentRef  string       // optional, set for gateway deposits
	Description         string
	IdempotencyKey      string // optional; duplicate keys are rejected
	CreatedAt           time.Time
}

// =============================================================================
// CREDENTIAL - Time-boxed access grant
// =============================================================================

type Scope string

const (
	ScopeFull       Scope = "full"
	ScopeRestricted Scope = "restricted"
)

func (s Scope) Valid() bool { return s == ScopeFull || s == ScopeRestricted }

type Credential struct {
	ID             CredentialID
	OwnerAccountID AccountID

	// TokenHash is the sha256 hex of the opaque bearer token. The plaintext
	// token is returned exactly once, at issuance, and never stored.
	TokenHash string

	DurationHours int
	Scope         Scope

	CreatedAt   time.Time
	ActivatedAt *time.Time // nil until first successful validation
	RevokedAt   *time.Time // set exactly once, by explicit revocation
	IsActive    bool
}

// ExpiresAt returns the expiry and true once the credential has been
// activated. An unactivated credential has no expiry: its clock has not
// started.
func (c *Credential) ExpiresAt() (time.Time, bool) {
	if c.ActivatedAt == nil {
		return time.Time{}, false
	}
	return c.ActivatedAt.Add(time.Duration(c.DurationHours) * time.Hour), true
}

// Usable reports whether the credential can validate at the given instant.
// Revoked credentials are never usable; unactivated ones always are (the
// first validation starts the clock).
func (c *Credential) Usable(now time.Time) bool {
	if !c.IsActive || c.RevokedAt != nil {
		return false
	}
	expires, activated := c.ExpiresAt()
	if !activated {
		return true
	}
	return expires.After(now)
}

// =============================================================================
// BUNDLE - Fixed-price package of identical credentials
// =============================================================================

type Bundle struct {
	ID                    BundleID
	Name                  string
	TokenCount            int
	DurationHoursPerToken int
	Scope                 Scope
	DiscountPercent       int
	BasePrice             Money
	TotalPrice            Money
	IsActive              bool
	CreatedAt             time.Time
}

func (b *Bundle) Savings() Money { return b.BasePrice.Sub(b.TotalPrice) }

func (b *Bundle) PricePerToken() Money {
	if b.TokenCount == 0 {
		return Zero()
	}
	return b.TotalPrice.Div(NewMoneyFromInt(int64(b.TokenCount)).Value)
}

// =============================================================================
// PAYMENT - Pending external gateway deposit
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
)

// Payment tracks an external gateway deposit. It is created pending before
// anything touches the ledger; the balance moves only when the gateway
// webhook resolves it. A timed-out payment simply stays pending.
type Payment struct {
	ID          string
	AccountID   AccountID
	Amount      Money
	Status      PaymentStatus
	ExternalRef string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

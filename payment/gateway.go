/*
Package payment handles external gateway deposits.

PURPOSE:

	A deposit is a two-step dance with an external payment gateway:
	1. InitiateDeposit records a PENDING payment carrying a fresh external
	   reference. Nothing touches the ledger yet, and no ledger lock is
	   held around any network call.
	2. The gateway later delivers a webhook for that reference. Only then
	   does the balance move - exactly once, no matter how many times the
	   webhook is replayed.

TIMEOUTS:

	A gateway that never answers leaves the payment pending. Pending rows
	are reconciled by a later webhook or an operator-triggered recheck,
	never silently dropped and never half-applied.

IDEMPOTENCY:

	The deposit credit carries idempotency key "deposit:<ref>"; the ledger
	turns replays into no-ops, so processing the same callback twice cannot
	double-credit.
*/
package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/referral"
)

// WebhookStatus is the terminal outcome delivered by the gateway.
type WebhookStatus string

const (
	StatusSucceeded WebhookStatus = "succeeded"
	StatusCanceled  WebhookStatus = "canceled"
)

// WebhookResult reports what a callback actually did. Processed is false
// for replays of an already-resolved reference.
type WebhookResult struct {
	Processed  bool
	Status     ledger.PaymentStatus
	NewBalance ledger.Money
}

// Gateway mediates between the ledger and the external payment provider.
type Gateway struct {
	store     ledger.TxStore
	ledger    *ledger.Service
	referrals *referral.Engine
	now       func() time.Time
}

func NewGateway(store ledger.TxStore, svc *ledger.Service, referrals *referral.Engine) *Gateway {
	return &Gateway{store: store, ledger: svc, referrals: referrals, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// =============================================================================
// INITIATE - Pending row, no ledger effect
// =============================================================================

// InitiateDeposit records a pending deposit and returns it with the
// external reference the gateway must echo back.
func (g *Gateway) InitiateDeposit(ctx context.Context, accountID ledger.AccountID, amount ledger.Money) (*ledger.Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	acct, err := g.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.IsDeactivated() {
		return nil, ledger.ErrAccountDeactivated
	}

	p := &ledger.Payment{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount.Round2(),
		Status:      ledger.PaymentPending,
		ExternalRef: "pay_" + uuid.NewString(),
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// WEBHOOK - Idempotent resolution
// =============================================================================

// HandleWebhook resolves a pending payment. Succeeded credits the account
// and marks the row in one unit of work; canceled just marks the row.
// Replaying a resolved reference is a no-op (Processed=false).
func (g *Gateway) HandleWebhook(ctx context.Context, externalRef string, status WebhookStatus, amount ledger.Money) (*WebhookResult, error) {
	p, err := g.store.GetPaymentByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if p.Status != ledger.PaymentPending {
		balance, err := g.ledger.GetBalance(ctx, p.AccountID)
		if err != nil {
			return nil, err
		}
		return &WebhookResult{Processed: false, Status: p.Status, NewBalance: balance}, nil
	}

	now := g.now()
	switch status {
	case StatusSucceeded:
		// The gateway reports what was actually captured; trust it, but
		// flag drift from the initiated amount for the operator.
		credit := amount.Round2()
		if !credit.IsPositive() {
			// A callback without a usable amount must not burn the
			// idempotency key on a zero credit. Fall back to what was
			// initiated.
			log.Printf("[Payment] non-positive captured amount %s on %s, crediting initiated %s",
				credit, externalRef, p.Amount)
			credit = p.Amount
		}
		if !credit.Equal(p.Amount) {
			log.Printf("[Payment] amount drift on %s: initiated %s, captured %s",
				externalRef, p.Amount, credit)
		}
		newBalance, err := g.ledger.Credit(ctx, p.AccountID, credit, ledger.KindDeposit, ledger.EntryOptions{
			ExternalPaymentRef: externalRef,
			Description:        "gateway deposit",
			IdempotencyKey:     "deposit:" + externalRef,
			Within: func(tx ledger.Store) error {
				return tx.ResolvePayment(ctx, externalRef, ledger.PaymentSucceeded, now)
			},
		})
		if err != nil {
			return nil, err
		}

		// A top-up is a qualifying purchase path for referral purposes.
		if _, err := g.referrals.Award(ctx, p.AccountID, credit, "deposit:"+externalRef); err != nil {
			log.Printf("[Payment] referral award failed for %s: %v", p.AccountID, err)
		}
		return &WebhookResult{Processed: true, Status: ledger.PaymentSucceeded, NewBalance: newBalance}, nil

	case StatusCanceled:
		if err := g.store.ResolvePayment(ctx, externalRef, ledger.PaymentCanceled, now); err != nil {
			return nil, err
		}
		balance, err := g.ledger.GetBalance(ctx, p.AccountID)
		if err != nil {
			return nil, err
		}
		return &WebhookResult{Processed: true, Status: ledger.PaymentCanceled, NewBalance: balance}, nil

	default:
		return nil, fmt.Errorf("unknown webhook status %q", status)
	}
}

// =============================================================================
// RECONCILIATION - Operator-triggered recheck of stale pendings
// =============================================================================

// RecheckPending lists payments still pending after the given age, for an
// operator or scheduled reconciler to chase with the gateway.
func (g *Gateway) RecheckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*ledger.Payment, error) {
	cutoff := g.now().Add(-olderThan)
	return g.store.ListPendingPayments(ctx, cutoff, limit)
}

/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:

	JSON shapes for the REST API. Keeps serialization concerns out of the
	domain packages: handlers convert between these DTOs and the domain
	types in ledger/, credential/, payment/ and referral/.

CONVENTIONS:
  - Money is serialized as a decimal string ("18.00"), never a float
  - Timestamps are RFC3339
  - Nullable timestamps are pointers and omitted when nil
  - Plaintext tokens appear ONLY in purchase responses; every other
    credential view carries the id and metadata, never the token

SEE ALSO:
  - handlers.go: where these are populated
*/
package api

import (
	"time"

	"github.com/keygate/credential-engine/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateAccountRequest opens a new account. ReferralCode is optional; an
// unknown code is skipped, never a signup failure.
type CreateAccountRequest struct {
	ReferralCode string `json:"referral_code,omitempty"`
}

// PurchaseCredentialRequest buys a single credential.
type PurchaseCredentialRequest struct {
	DurationHours int    `json:"duration_hours"`
	Scope         string `json:"scope,omitempty"`
}

// ValidateRequest carries the plaintext token presented at the proxy edge.
type ValidateRequest struct {
	Token string `json:"token"`
}

// CreateBundleRequest defines a new bundle (admin).
type CreateBundleRequest struct {
	Name            string `json:"name"`
	TokenCount      int    `json:"token_count"`
	DurationHours   int    `json:"duration_hours"`
	Scope           string `json:"scope,omitempty"`
	DiscountPercent int    `json:"discount_percent"`
}

// InitiateDepositRequest starts a top-up through the payment gateway.
type InitiateDepositRequest struct {
	Amount string `json:"amount"`
}

// PaymentWebhookRequest is the provider callback payload.
type PaymentWebhookRequest struct {
	ExternalRef string `json:"external_ref"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// AccountDTO is the public view of an account.
type AccountDTO struct {
	ID           string `json:"id"`
	Balance      string `json:"balance"`
	ReferralCode string `json:"referral_code"`
	CreatedAt    string `json:"created_at"`
}

// BalanceDTO reports the cached balance and the currency it is priced in.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

// EntryDTO is one ledger entry in a transaction history.
type EntryDTO struct {
	ID                  string `json:"id"`
	Amount              string `json:"amount"`
	Kind                string `json:"kind"`
	RelatedCredentialID string `json:"related_credential_id,omitempty"`
	ExternalPaymentRef  string `json:"external_payment_ref,omitempty"`
	Description         string `json:"description,omitempty"`
	CreatedAt           string `json:"created_at"`
}

// TransactionsDTO is a paginated history page.
type TransactionsDTO struct {
	Entries []EntryDTO `json:"entries"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

// CredentialDTO is the tokenless view of a credential.
type CredentialDTO struct {
	ID            string     `json:"id"`
	DurationHours int        `json:"duration_hours"`
	Scope         string     `json:"scope"`
	CreatedAt     string     `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsActive      bool       `json:"is_active"`
}

// PurchaseDTO is the one response that carries a plaintext token.
type PurchaseDTO struct {
	Credential CredentialDTO `json:"credential"`
	Token      string        `json:"token"`
	Cost       string        `json:"cost"`
	NewBalance string        `json:"new_balance"`
}

// RevokeDTO reports the refund granted on revocation.
type RevokeDTO struct {
	CredentialID string `json:"credential_id"`
	Refund       string `json:"refund"`
	NewBalance   string `json:"new_balance"`
}

// ValidateDTO is the hot-path validation answer.
type ValidateDTO struct {
	Valid          bool   `json:"valid"`
	CredentialID   string `json:"credential_id,omitempty"`
	OwnerAccountID string `json:"owner_account_id,omitempty"`
	Scope          string `json:"scope,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// BundleDTO is the public view of a bundle.
type BundleDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TokenCount      int    `json:"token_count"`
	DurationHours   int    `json:"duration_hours"`
	Scope           string `json:"scope"`
	DiscountPercent int    `json:"discount_percent"`
	BasePrice       string `json:"base_price"`
	TotalPrice      string `json:"total_price"`
	Savings         string `json:"savings"`
	IsActive        bool   `json:"is_active"`
}

// BundlePurchaseDTO returns every token minted by a bundle purchase.
type BundlePurchaseDTO struct {
	BundleID    string          `json:"bundle_id"`
	Credentials []CredentialDTO `json:"credentials"`
	Tokens      []string        `json:"tokens"`
	Cost        string          `json:"cost"`
	NewBalance  string          `json:"new_balance"`
}

// ReferralStatsDTO summarizes an account's referral performance.
type ReferralStatsDTO struct {
	Code                string `json:"code"`
	TotalReferrals      int    `json:"total_referrals"`
	QualifyingReferrals int    `json:"qualifying_referrals"`
	BonusEarned         string `json:"bonus_earned"`
}

// DepositDTO acknowledges a pending deposit. The balance does not move
// until the provider webhook confirms.
type DepositDTO struct {
	PaymentID   string `json:"payment_id"`
	ExternalRef string `json:"external_ref"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
}

// WebhookDTO reports what a provider callback did. Processed is false
// when the callback was a replay of an already-resolved reference.
type WebhookDTO struct {
	Processed  bool   `json:"processed"`
	Status     string `json:"status"`
	NewBalance string `json:"new_balance,omitempty"`
}

// PricingDTO is the published price list.
type PricingDTO struct {
	Currency string            `json:"currency"`
	Prices   map[string]string `json:"prices"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCredentialDTO(c *ledger.Credential) CredentialDTO {
	dto := CredentialDTO{
		ID:            string(c.ID),
		DurationHours: c.DurationHours,
		Scope:         string(c.Scope),
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		ActivatedAt:   c.ActivatedAt,
		RevokedAt:     c.RevokedAt,
		IsActive:      c.IsActive,
	}
	if exp, ok := c.ExpiresAt(); ok {
		dto.ExpiresAt = &exp
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:                  string(e.ID),
		Amount:              e.Amount.String(),
		Kind:                string(e.Kind),
		RelatedCredentialID: string(e.RelatedCredentialID),
		ExternalPaymentRef:  e.ExternalPaymentRef,
		Description:         e.Description,
		CreatedAt:           e.CreatedAt.Format(time.RFC3339),
	}
}

func toBundleDTO(b *ledger.Bundle) BundleDTO {
	return BundleDTO{
		ID:              string(b.ID),
		Name:            b.Name,
		TokenCount:      b.TokenCount,
		DurationHours:   b.DurationHoursPerToken,
		Scope:           string(b.Scope),
		DiscountPercent: b.DiscountPercent,
		BasePrice:       b.BasePrice.String(),
		TotalPrice:      b.TotalPrice.String(),
		Savings:         b.Savings().String(),
		IsActive:        b.IsActive,
	}
}

/*
handlers.go - HTTP API handlers for the credential and ledger engine

PURPOSE:

	Exposes the engine via REST API. Handles HTTP request/response, JSON
	serialization, and delegates to domain logic.

ENDPOINTS:

	Accounts:
	  POST   /api/accounts                        Create account
	  GET    /api/accounts/{id}/balance           Current balance
	  GET    /api/accounts/{id}/transactions      Paginated ledger history
	  GET    /api/accounts/{id}/credentials       List owned credentials
	  POST   /api/accounts/{id}/credentials       Purchase a credential
	  GET    /api/accounts/{id}/referrals         Referral stats
	  POST   /api/accounts/{id}/deposits          Initiate a top-up

	Credentials:
	  DELETE /api/credentials/{id}                Revoke with pro-rated refund
	  POST   /api/validate                        Token validation (hot path)

	Bundles:
	  GET    /api/bundles                         List active bundles
	  POST   /api/bundles                         Create bundle (admin)
	  DELETE /api/bundles/{id}                    Deactivate bundle (admin)
	  POST   /api/bundles/{id}/purchase           Buy a bundle

	Payments:
	  POST   /api/webhooks/payment                Provider callback (idempotent)

	Misc:
	  GET    /api/pricing                          Published price list

ERROR HANDLING:

	Errors are returned as JSON with appropriate HTTP status:
	- 400: Validation errors, unknown durations, malformed money
	- 402: Insufficient funds (body carries required and available)
	- 404: Account/credential/bundle/payment not found
	- 409: Idempotency conflict, concurrent modification exhausted retries
	- 503: Transient backend failures worth retrying
	- 500: Everything else

SECURITY NOTE:

	No authentication middleware. The engine is expected to sit behind the
	platform gateway, which terminates auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - janitor.go: Background expiry and payment cleanup
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/credential-engine/credential"
	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/payment"
	"github.com/keygate/credential-engine/pricing"
	"github.com/keygate/credential-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Service
	Issuer    *credential.Issuer
	Validator *credential.Validator
	Referrals *referral.Engine
	Payments  *payment.Gateway
	Prices    *pricing.Table
}

// NewHandler wires the domain services into an HTTP handler set.
func NewHandler(svc *ledger.Service, issuer *credential.Issuer, validator *credential.Validator,
	referrals *referral.Engine, payments *payment.Gateway, prices *pricing.Table) *Handler {
	return &Handler{
		Ledger:    svc,
		Issuer:    issuer,
		Validator: validator,
		Referrals: referrals,
		Payments:  payments,
		Prices:    prices,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount opens a new account, optionally attributed to a referrer.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	// An unknown referral code does not fail signup; the service just
	// skips the attribution.
	acct, err := h.Ledger.CreateAccount(r.Context(), req.ReferralCode)
	if err != nil {
		writeDomainError(w, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, AccountDTO{
		ID:           string(acct.ID),
		Balance:      acct.Balance.String(),
		ReferralCode: acct.ReferralCode,
		CreatedAt:    acct.CreatedAt.Format(time.RFC3339),
	})
}

// GetBalance returns the account's current balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	balance, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Balance:   balance.String(),
		Currency:  h.Prices.Currency(),
	})
}

// GetTransactions returns a page of ledger history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	filter := ledger.EntryFilter{
		Kind:    ledger.EntryKind(r.URL.Query().Get("kind")),
		Page:    queryInt(r, "page", 1),
		PerPage: queryInt(r, "per_page", 50),
	}
	if filter.PerPage > 200 {
		filter.PerPage = 200
	}

	entries, total, err := h.Ledger.ListTransactions(r.Context(), id, filter)
	if err != nil {
		writeDomainError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}

	writeJSON(w, http.StatusOK, TransactionsDTO{
		Entries: dtos,
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	})
}

// =============================================================================
// CREDENTIAL HANDLERS
// =============================================================================

// ListCredentials returns the account's credentials without tokens.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	creds, err := h.Issuer.ListCredentials(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list credentials", err)
		return
	}

	dtos := make([]CredentialDTO, len(creds))
	for i, c := range creds {
		dtos[i] = toCredentialDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PurchaseCredential debits the account and mints a credential. The
// plaintext token appears in this response and nowhere else.
func (h *Handler) PurchaseCredential(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req PurchaseCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scope := ledger.Scope(req.Scope)
	if req.Scope == "" {
		scope = ledger.ScopeFull
	}

	issued, err := h.Issuer.Issue(r.Context(), id, req.DurationHours, scope)
	if err != nil {
		writeDomainError(w, "Failed to purchase credential", err)
		return
	}

	writeJSON(w, http.StatusCreated, PurchaseDTO{
		Credential: toCredentialDTO(issued.Credential),
		Token:      issued.Token,
		Cost:       issued.Cost.String(),
		NewBalance: issued.NewBalance.String(),
	})
}

// RevokeCredential revokes a credential and refunds the unused time.
// The owning account comes from the X-Account-ID header so ownership is
// checked against the caller, not trusted from the URL.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	credID := ledger.CredentialID(chi.URLParam(r, "id"))
	accountID := ledger.AccountID(r.Header.Get("X-Account-ID"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "Missing X-Account-ID header", nil)
		return
	}

	result, err := h.Issuer.Revoke(r.Context(), credID, accountID)
	if err != nil {
		writeDomainError(w, "Failed to revoke credential", err)
		return
	}

	writeJSON(w, http.StatusOK, RevokeDTO{
		CredentialID: string(result.CredentialID),
		Refund:       result.RefundAmount.String(),
		NewBalance:   result.NewBalance.String(),
	})
}

// Validate answers whether a presented token is currently usable. Always
// 200 with a valid flag: an unknown token is a negative answer, not an
// error.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Missing token", err)
		return
	}

	result, err := h.Validator.Validate(r.Context(), req.Token)
	if err != nil {
		writeDomainError(w, "Validation failed", err)
		return
	}

	dto := ValidateDTO{Valid: result.Valid}
	if result.Valid {
		dto.CredentialID = string(result.CredentialID)
		dto.OwnerAccountID = string(result.OwnerAccountID)
		dto.Scope = string(result.Scope)
		dto.ExpiresAt = result.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BUNDLE HANDLERS
// =============================================================================

// ListBundles returns purchasable bundles.
func (h *Handler) ListBundles(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	bundles, err := h.Issuer.Bundles(r.Context(), !includeInactive)
	if err != nil {
		writeDomainError(w, "Failed to list bundles", err)
		return
	}

	dtos := make([]BundleDTO, len(bundles))
	for i, b := range bundles {
		dtos[i] = toBundleDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBundle defines a new bundle from the current price list.
func (h *Handler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	var req CreateBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scope := ledger.Scope(req.Scope)
	if req.Scope == "" {
		scope = ledger.ScopeFull
	}

	bundle, err := h.Issuer.CreateBundle(r.Context(), req.Name, req.TokenCount,
		req.DurationHours, scope, req.DiscountPercent)
	if err != nil {
		writeDomainError(w, "Failed to create bundle", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBundleDTO(bundle))
}

// DeactivateBundle stops further purchases of a bundle. Already-sold
// credentials are unaffected.
func (h *Handler) DeactivateBundle(w http.ResponseWriter, r *http.Request) {
	id := ledger.BundleID(chi.URLParam(r, "id"))

	if err := h.Issuer.DeactivateBundle(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to deactivate bundle", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// PurchaseBundle debits once and mints all of the bundle's credentials.
func (h *Handler) PurchaseBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := ledger.BundleID(chi.URLParam(r, "id"))
	accountID := ledger.AccountID(r.Header.Get("X-Account-ID"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "Missing X-Account-ID header", nil)
		return
	}

	purchase, err := h.Issuer.PurchaseBundle(r.Context(), bundleID, accountID)
	if err != nil {
		writeDomainError(w, "Failed to purchase bundle", err)
		return
	}

	creds := make([]CredentialDTO, len(purchase.Credentials))
	for i, c := range purchase.Credentials {
		creds[i] = toCredentialDTO(c)
	}

	writeJSON(w, http.StatusCreated, BundlePurchaseDTO{
		BundleID:    string(purchase.Bundle.ID),
		Credentials: creds,
		Tokens:      purchase.Tokens,
		Cost:        purchase.Cost.String(),
		NewBalance:  purchase.NewBalance.String(),
	})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// GetReferralStats reports the account's referral code and earnings.
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	stats, err := h.Referrals.Stats(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get referral stats", err)
		return
	}

	writeJSON(w, http.StatusOK, ReferralStatsDTO{
		Code:                stats.Code,
		TotalReferrals:      stats.TotalReferrals,
		QualifyingReferrals: stats.QualifyingReferrals,
		BonusEarned:         stats.BonusEarned.String(),
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// InitiateDeposit records a pending top-up. The balance is untouched
// until the provider webhook confirms.
func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req InitiateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be a positive decimal string", err)
		return
	}

	p, err := h.Payments.InitiateDeposit(r.Context(), id, amount)
	if err != nil {
		writeDomainError(w, "Failed to initiate deposit", err)
		return
	}

	writeJSON(w, http.StatusCreated, DepositDTO{
		PaymentID:   string(p.ID),
		ExternalRef: p.ExternalRef,
		Amount:      p.Amount.String(),
		Status:      string(p.Status),
	})
}

// PaymentWebhook processes a provider callback. Replays of an already
// resolved reference are acknowledged without effect.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ExternalRef == "" {
		writeError(w, http.StatusBadRequest, "Missing external_ref", nil)
		return
	}

	status := payment.WebhookStatus(req.Status)
	if status != payment.StatusSucceeded && status != payment.StatusCanceled {
		writeError(w, http.StatusBadRequest, "Status must be succeeded or canceled", nil)
		return
	}

	amount := ledger.Zero()
	if req.Amount != "" {
		parsed, err := ledger.ParseMoney(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		amount = parsed
	}

	result, err := h.Payments.HandleWebhook(r.Context(), req.ExternalRef, status, amount)
	if err != nil {
		writeDomainError(w, "Failed to process webhook", err)
		return
	}

	dto := WebhookDTO{Processed: result.Processed, Status: string(result.Status)}
	if result.Processed && result.Status == ledger.PaymentSucceeded {
		dto.NewBalance = result.NewBalance.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PRICING
// =============================================================================

// GetPricing publishes the current price list.
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	prices := make(map[string]string)
	for _, d := range h.Prices.Durations() {
		p, err := h.Prices.Price(d)
		if err != nil {
			continue
		}
		prices[strconv.Itoa(d)] = p.String()
	}

	writeJSON(w, http.StatusOK, PricingDTO{
		Currency: h.Prices.Currency(),
		Prices:   prices,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "Insufficient funds",
			"required":  insufficient.Required.String(),
			"available": insufficient.Available.String(),
		})
		return
	}

	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrExternalPaymentTimeout),
		errors.Is(err, ledger.ErrCacheUnavailable):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

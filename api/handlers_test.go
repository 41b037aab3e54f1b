/*
handlers_test.go - HTTP-level tests for the REST API

Tests exercise the real router with the in-memory store behind it, so
every request goes through routing, JSON decoding, the domain services
and the error mapping.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/credential"
	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/ledger/store"
	"github.com/keygate/credential-engine/payment"
	"github.com/keygate/credential-engine/pricing"
	"github.com/keygate/credential-engine/referral"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	router *chi.Mux
	store  *store.Memory
	svc    *ledger.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	prices := pricing.Default()
	referrals := referral.NewEngine(svc, mem, prices)
	fast := cache.NewMemory()
	issuer := credential.NewIssuer(mem, svc, prices, referrals, fast)
	validator := credential.NewValidator(mem, fast)
	payments := payment.NewGateway(mem, svc, referrals)

	h := NewHandler(svc, issuer, validator, referrals, payments, prices)
	return &testAPI{router: NewRouter(h), store: mem, svc: svc}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// createAccount makes an account over the API and funds it directly
// through the ledger service so tests start from a known balance.
func (a *testAPI) createAccount(t *testing.T, balance string) AccountDTO {
	t.Helper()

	rec := a.do(t, http.MethodPost, "/api/accounts", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[AccountDTO](t, rec)

	if balance != "" && balance != "0" {
		_, err := a.svc.Credit(context.Background(), ledger.AccountID(acct.ID),
			ledger.MustParseMoney(balance), ledger.KindDeposit, ledger.EntryOptions{})
		require.NoError(t, err)
	}
	return acct
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAPI_CreateAccount(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/accounts", nil, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	acct := decode[AccountDTO](t, rec)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "0.00", acct.Balance)
	assert.NotEmpty(t, acct.ReferralCode)
}

func TestAPI_CreateAccount_UnknownReferralCodeIgnored(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/accounts",
		CreateAccountRequest{ReferralCode: "ref-nonexistent"}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestAPI_GetBalance(t *testing.T) {
	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")

	rec := a.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/balance", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, "100.00", balance.Balance)
	assert.Equal(t, "USD", balance.Currency)
}

func TestAPI_GetBalance_UnknownAccount_404(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/accounts/nope/balance", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_GetTransactions_Paginated(t *testing.T) {
	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")

	rec := a.do(t, http.MethodGet,
		"/api/accounts/"+acct.ID+"/transactions?page=1&per_page=10", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[TransactionsDTO](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "100.00", page.Entries[0].Amount)
	assert.Equal(t, string(ledger.KindDeposit), page.Entries[0].Kind)
}

// =============================================================================
// CREDENTIAL PURCHASE AND VALIDATION
// =============================================================================

func TestAPI_PurchaseCredential(t *testing.T) {
	// GIVEN: An account with 100.00
	// WHEN: Buying a 24h credential over the API
	// THEN: 201 with the plaintext token, cost 18.00, balance 82.00

	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")

	rec := a.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 24}, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decode[PurchaseDTO](t, rec)
	assert.NotEmpty(t, purchase.Token)
	assert.Equal(t, "18.00", purchase.Cost)
	assert.Equal(t, "82.00", purchase.NewBalance)
	assert.Equal(t, 24, purchase.Credential.DurationHours)
	assert.Nil(t, purchase.Credential.ActivatedAt, "clock starts on first validation")
}

func TestAPI_PurchaseCredential_InsufficientFunds_402(t *testing.T) {
	a := newTestAPI(t)
	acct := a.createAccount(t, "5.00")

	rec := a.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 24}, nil)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "18.00", body["required"])
	assert.Equal(t, "5.00", body["available"])
}

func TestAPI_PurchaseCredential_UnknownDuration_400(t *testing.T) {
	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")

	rec := a.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 13}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ValidateToken(t *testing.T) {
	// GIVEN: A freshly purchased credential
	// WHEN: Validating its token twice, then a garbage token
	// THEN: Both real validations say valid; garbage says invalid with 200

	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")
	purchase := decode[PurchaseDTO](t, a.do(t, http.MethodPost,
		"/api/accounts/"+acct.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 24}, nil))

	rec := a.do(t, http.MethodPost, "/api/validate", ValidateRequest{Token: purchase.Token}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[ValidateDTO](t, rec)
	assert.True(t, result.Valid)
	assert.Equal(t, purchase.Credential.ID, result.CredentialID)
	assert.Equal(t, acct.ID, result.OwnerAccountID)
	assert.NotEmpty(t, result.ExpiresAt)

	rec = a.do(t, http.MethodPost, "/api/validate", ValidateRequest{Token: purchase.Token}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ValidateDTO](t, rec).Valid)

	rec = a.do(t, http.MethodPost, "/api/validate", ValidateRequest{Token: "garbage"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ValidateDTO](t, rec).Valid)
}

func TestAPI_ValidateToken_MissingToken_400(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/validate", ValidateRequest{}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RevokeCredential_FullRefund(t *testing.T) {
	// GIVEN: An unused credential
	// WHEN: The owner revokes it
	// THEN: The full 18.00 comes back and the token stops validating

	a := newTestAPI(t)
	acct := a.createAccount(t, "100.00")
	purchase := decode[PurchaseDTO](t, a.do(t, http.MethodPost,
		"/api/accounts/"+acct.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 24}, nil))

	rec := a.do(t, http.MethodDelete, "/api/credentials/"+purchase.Credential.ID,
		nil, map[string]string{"X-Account-ID": acct.ID})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revoked := decode[RevokeDTO](t, rec)
	assert.Equal(t, "18.00", revoked.Refund)
	assert.Equal(t, "100.00", revoked.NewBalance)

	rec = a.do(t, http.MethodPost, "/api/validate", ValidateRequest{Token: purchase.Token}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ValidateDTO](t, rec).Valid)
}

func TestAPI_RevokeCredential_MissingHeader_400(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodDelete, "/api/credentials/whatever", nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RevokeCredential_NotOwner_404(t *testing.T) {
	a := newTestAPI(t)
	owner := a.createAccount(t, "100.00")
	other := a.createAccount(t, "0")
	purchase := decode[PurchaseDTO](t, a.do(t, http.MethodPost,
		"/api/accounts/"+owner.ID+"/credentials",
		PurchaseCredentialRequest{DurationHours: 24}, nil))

	rec := a.do(t, http.MethodDelete, "/api/credentials/"+purchase.Credential.ID,
		nil, map[string]string{"X-Account-ID": other.ID})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BUNDLES
// =============================================================================

func TestAPI_BundleLifecycle(t *testing.T) {
	// GIVEN: An admin-created 5x24h bundle at 10% off
	// WHEN: An account with 100.00 purchases it
	// THEN: One 81.00 charge, five distinct tokens, then deactivation hides
	//       the bundle from the public list

	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/bundles", CreateBundleRequest{
		Name:            "Starter 5-pack",
		TokenCount:      5,
		DurationHours:   24,
		DiscountPercent: 10,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bundle := decode[BundleDTO](t, rec)
	assert.Equal(t, "90.00", bundle.BasePrice)
	assert.Equal(t, "81.00", bundle.TotalPrice)
	assert.Equal(t, "9.00", bundle.Savings)

	rec = a.do(t, http.MethodGet, "/api/bundles", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BundleDTO](t, rec), 1)

	acct := a.createAccount(t, "100.00")
	rec = a.do(t, http.MethodPost, "/api/bundles/"+bundle.ID+"/purchase",
		nil, map[string]string{"X-Account-ID": acct.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decode[BundlePurchaseDTO](t, rec)
	assert.Equal(t, "81.00", purchase.Cost)
	assert.Equal(t, "19.00", purchase.NewBalance)
	assert.Len(t, purchase.Tokens, 5)
	assert.Len(t, purchase.Credentials, 5)

	seen := map[string]bool{}
	for _, tok := range purchase.Tokens {
		assert.False(t, seen[tok], "tokens must be distinct")
		seen[tok] = true
	}

	rec = a.do(t, http.MethodDelete, "/api/bundles/"+bundle.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/bundles", nil, nil)
	assert.Empty(t, decode[[]BundleDTO](t, rec))

	rec = a.do(t, http.MethodGet, "/api/bundles?include_inactive=true", nil, nil)
	assert.Len(t, decode[[]BundleDTO](t, rec), 1)
}

func TestAPI_PurchaseBundle_Deactivated_404(t *testing.T) {
	a := newTestAPI(t)
	bundle := decode[BundleDTO](t, a.do(t, http.MethodPost, "/api/bundles",
		CreateBundleRequest{Name: "gone", TokenCount: 2, DurationHours: 6, DiscountPercent: 5}, nil))
	a.do(t, http.MethodDelete, "/api/bundles/"+bundle.ID, nil, nil)
	acct := a.createAccount(t, "100.00")

	rec := a.do(t, http.MethodPost, "/api/bundles/"+bundle.ID+"/purchase",
		nil, map[string]string{"X-Account-ID": acct.ID})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// DEPOSITS AND WEBHOOKS
// =============================================================================

func TestAPI_DepositFlow(t *testing.T) {
	// GIVEN: A pending deposit of 50.00
	// WHEN: The provider webhook confirms it, then replays it
	// THEN: Balance moves exactly once; the replay reports processed=false

	a := newTestAPI(t)
	acct := a.createAccount(t, "0")

	rec := a.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/deposits",
		InitiateDepositRequest{Amount: "50.00"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	deposit := decode[DepositDTO](t, rec)
	assert.Equal(t, "pending", deposit.Status)
	assert.NotEmpty(t, deposit.ExternalRef)

	balance := decode[BalanceDTO](t, a.do(t, http.MethodGet,
		"/api/accounts/"+acct.ID+"/balance", nil, nil))
	assert.Equal(t, "0.00", balance.Balance, "pending deposits do not move money")

	webhook := PaymentWebhookRequest{ExternalRef: deposit.ExternalRef, Status: "succeeded", Amount: "50.00"}
	rec = a.do(t, http.MethodPost, "/api/webhooks/payment", webhook, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[WebhookDTO](t, rec)
	assert.True(t, result.Processed)
	assert.Equal(t, "50.00", result.NewBalance)

	rec = a.do(t, http.MethodPost, "/api/webhooks/payment", webhook, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[WebhookDTO](t, rec).Processed)

	balance = decode[BalanceDTO](t, a.do(t, http.MethodGet,
		"/api/accounts/"+acct.ID+"/balance", nil, nil))
	assert.Equal(t, "50.00", balance.Balance)
}

func TestAPI_Deposit_NonPositiveAmount_400(t *testing.T) {
	a := newTestAPI(t)
	acct := a.createAccount(t, "0")

	for _, amount := range []string{"-5.00", "0", "abc"} {
		rec := a.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/deposits",
			InitiateDepositRequest{Amount: amount}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}
}

func TestAPI_Webhook_UnknownStatus_400(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/webhooks/payment",
		PaymentWebhookRequest{ExternalRef: "pay_x", Status: "refunded"}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Webhook_UnknownRef_404(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/webhooks/payment",
		PaymentWebhookRequest{ExternalRef: "pay_unknown", Status: "succeeded", Amount: "10.00"}, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REFERRALS OVER THE API
// =============================================================================

func TestAPI_ReferralFlow(t *testing.T) {
	// GIVEN: Bob signed up with Alice's code. Single credentials top out
	//        at 90.00, under the 100.00 threshold, so Bob buys a 162.00
	//        bundle (2 x 168h at 10% off) to qualify.
	// THEN: Alice's stats show one qualifying referral and a 16.20 bonus

	a := newTestAPI(t)
	alice := a.createAccount(t, "0")

	rec := a.do(t, http.MethodPost, "/api/accounts",
		CreateAccountRequest{ReferralCode: alice.ReferralCode}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	bob := decode[AccountDTO](t, rec)

	_, err := a.svc.Credit(context.Background(), ledger.AccountID(bob.ID),
		ledger.MustParseMoney("200.00"), ledger.KindDeposit, ledger.EntryOptions{})
	require.NoError(t, err)

	bundle := decode[BundleDTO](t, a.do(t, http.MethodPost, "/api/bundles",
		CreateBundleRequest{Name: "Week pair", TokenCount: 2, DurationHours: 168, DiscountPercent: 10}, nil))
	require.Equal(t, "162.00", bundle.TotalPrice)

	rec = a.do(t, http.MethodPost, "/api/bundles/"+bundle.ID+"/purchase",
		nil, map[string]string{"X-Account-ID": bob.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/accounts/"+alice.ID+"/referrals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[ReferralStatsDTO](t, rec)
	assert.Equal(t, alice.ReferralCode, stats.Code)
	assert.Equal(t, 1, stats.TotalReferrals)
	assert.Equal(t, 1, stats.QualifyingReferrals)
	assert.Equal(t, "16.20", stats.BonusEarned)

	balance := decode[BalanceDTO](t, a.do(t, http.MethodGet,
		"/api/accounts/"+alice.ID+"/balance", nil, nil))
	assert.Equal(t, "16.20", balance.Balance)
}

// =============================================================================
// MISC
// =============================================================================

func TestAPI_Pricing(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/pricing", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	pricing := decode[PricingDTO](t, rec)
	assert.Equal(t, "USD", pricing.Currency)
	assert.Equal(t, "18.00", pricing.Prices["24"])
	assert.Len(t, pricing.Prices, 6)
}

func TestAPI_Healthz(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

/*
Package credential implements issuance, validation and revocation of
time-boxed access credentials on top of the ledger engine.

PURPOSE:

	The issuer turns money into credentials and back:
	- Issue: atomic debit + credential creation (no credential without a
	  successful charge, and vice versa)
	- Revoke: proportional refund credited atomically with the revocation
	- Validate: the hot path, two-tier cached, lazy activation on first use
	- PurchaseBundle: N credentials under a single debit

LAZY ACTIVATION:

	A credential's clock starts at first successful validation, not at
	purchase. "Bought" and "used" are decoupled; the refund calculator
	depends on it.

SEE ALSO:
  - refund.go: pure proportional refund math
  - validator.go: two-tier validation
  - bundle.go: bundle purchase coordinator
*/
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/keygate/credential-engine/ledger"
)

// =============================================================================
// TOKENS
// =============================================================================

// NewToken mints an opaque bearer token. Returned to the purchaser exactly
// once; only its hash is stored.
func NewToken() string {
	return "kg_" + uuid.NewString()
}

// HashToken normalizes a presented token to its stored form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// RESULTS
// =============================================================================

// Issued is the outcome of a single-credential purchase. Token is the
// plaintext bearer token; it is not recoverable later.
type Issued struct {
	Credential *ledger.Credential
	Token      string
	Cost       ledger.Money
	NewBalance ledger.Money
}

// RefundResult is the outcome of a revocation.
type RefundResult struct {
	CredentialID ledger.CredentialID
	RefundAmount ledger.Money
	NewBalance   ledger.Money
}

// newCredential builds an unactivated credential and its plaintext token.
func newCredential(owner ledger.AccountID, durationHours int, scope ledger.Scope, now time.Time) (*ledger.Credential, string) {
	token := NewToken()
	return &ledger.Credential{
		ID:             ledger.CredentialID(uuid.NewString()),
		OwnerAccountID: owner,
		TokenHash:      HashToken(token),
		DurationHours:  durationHours,
		Scope:          scope,
		CreatedAt:      now.UTC(),
		IsActive:       true,
	}, token
}

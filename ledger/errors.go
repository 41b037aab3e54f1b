/*
errors.go - Centralized error types for the credential and ledger engine

PURPOSE:

	All error types in one place for consistency and discoverability.
	Higher layers (HTTP, janitor) map these to status codes and retry
	decisions via the helper predicates at the bottom.

ERROR CATEGORIES:
 1. Payment errors   - InsufficientFunds, ExternalPaymentTimeout
 2. Input errors     - InvalidDuration, NotFound family
 3. Transient errors - ConcurrencyConflict (retried internally, bounded)
 4. Cache errors     - CacheUnavailable (never surfaced to callers)

USAGE:

	if errors.Is(err, ledger.ErrInsufficientFunds) {
	    var ib *ledger.InsufficientFundsError
	    errors.As(err, &ib) // carries Available and Required
	}
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	// Surfaced as a payment-required condition, never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidDuration is returned for a duration absent from the
	// pricing table. Unknown durations are rejected, never defaulted.
	ErrInvalidDuration = errors.New("invalid credential duration")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCredentialNotFound is returned when a credential doesn't exist,
	// doesn't belong to the caller, or is already revoked.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrBundleNotFound is returned when a bundle doesn't exist or is inactive.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrPaymentNotFound is returned for an unknown external payment ref.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrencyConflict is returned when the store could not serialize
	// an operation. Retried a small bounded number of times internally.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrExternalPaymentTimeout is returned when the gateway did not respond
	// in time. The pending payment is left pending, never half-applied.
	ErrExternalPaymentTimeout = errors.New("external payment timeout")

	// ErrCacheUnavailable marks a fast-tier failure. Callers of the
	// validator never see it: the validator falls through to the store.
	ErrCacheUnavailable = errors.New("validation cache unavailable")

	// ErrAccountDeactivated is returned for operations on a soft-deactivated
	// account.
	ErrAccountDeactivated = errors.New("account deactivated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError carries the amounts the caller needs to decide
// whether to top up.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Money
	Required  Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, required %s",
		e.Available, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidDurationError names the rejected duration and the accepted ones.
type InvalidDurationError struct {
	DurationHours int
	Known         []int
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("invalid duration %dh (known: %v)", e.DurationHours, e.Known)
}

func (e *InvalidDurationError) Unwrap() error { return ErrInvalidDuration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAccountDeactivated)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrBundleNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

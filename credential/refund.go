/*
refund.go - Proportional refund on early revocation

PURPOSE:

	Pure function, no side effects, no wall-clock access beyond the single
	`now` sample supplied by the caller.

FORMULA:

	hoursUsed   = (now - activatedAt) in hours, or 0 if never activated
	unusedHours = max(0, durationHours - hoursUsed)
	refund      = price * (unusedHours / durationHours), rounded to 2 digits

EDGE CASES:

	Never activated   => 100% refund (the clock never started)
	Fully expired     => 0 (unusedHours floors at 0, never negative)
	durationHours > 0 is guaranteed by the pricing table.
*/
package credential

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/keygate/credential-engine/ledger"
)

// Refund computes the proportional refund for revoking a credential of the
// given price and duration at `now`. activatedAt nil means never used.
func Refund(price ledger.Money, durationHours int, activatedAt *time.Time, now time.Time) ledger.Money {
	if activatedAt == nil {
		return price.Round2()
	}

	hoursUsed := decimal.NewFromFloat(now.Sub(*activatedAt).Hours())
	if hoursUsed.IsNegative() {
		hoursUsed = decimal.Zero
	}

	duration := decimal.NewFromInt(int64(durationHours))
	unused := duration.Sub(hoursUsed)
	if unused.IsNegative() {
		return ledger.Zero()
	}

	// Multiply before dividing: dividing first truncates the ratio at
	// decimal's default precision and can flip the half-away-from-zero
	// rounding of the final amount.
	return price.Mul(unused).Div(duration).Round2()
}

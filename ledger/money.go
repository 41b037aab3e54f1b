/*
money.go - Fixed-point monetary amounts

PURPOSE:

	Money wraps decimal.Decimal so that balances, prices, refunds and
	bonuses never touch binary floating point. All persisted amounts carry
	exactly two fraction digits.

ROUNDING CONTRACT:

	Round2() rounds half away from zero (1.005 -> 1.01, -1.005 -> -1.01).
	Rounding happens exactly once, at the point a computed amount is
	persisted (refund, bonus, discount). Amounts read back from storage are
	never re-rounded.

SEE ALSO:
  - types.go: Entry and Account, which carry Money values
  - service.go: the only code path that mutates balances
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Two-fraction-digit fixed-point amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value)}
}

func NewMoneyFromInt(value int64) Money {
	return Money{Value: decimal.NewFromInt(value)}
}

// MustParseMoney parses a decimal string, returning zero on malformed input.
// Intended for configuration values validated elsewhere.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d}
}

func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

func Zero() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) Div(s decimal.Decimal) Money { return Money{Value: m.Value.Div(s)} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg()} }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) Equal(o Money) bool          { return m.Value.Equal(o.Value) }

// Round2 rounds to two fraction digits, half away from zero.
// Call exactly once, at the persistence boundary.
func (m Money) Round2() Money { return Money{Value: m.Value.Round(2)} }

// String renders with exactly two fraction digits ("18.00", "-9.50").
func (m Money) String() string { return m.Value.StringFixed(2) }

/*
Package pricing provides the duration-to-price table and referral constants.

PURPOSE:

	The pricing table is the single authority on what a credential of a
	given duration costs. It is loaded once at startup (TOML file) and
	immutable afterwards. Unknown durations are rejected at the boundary,
	never silently defaulted.

CONFIG FORMAT (pricing.toml):

	currency = "USD"

	[referral]
	rate      = "0.10"    # 10% of the qualifying purchase
	threshold = "100.00"  # purchase must exceed this to qualify

	[[price]]
	duration_hours = 24
	cost           = "18.00"

SEE ALSO:
  - credential/issuer.go: consumes Price() at purchase time
  - referral/engine.go: consumes ReferralRate/ReferralThreshold
*/
package pricing

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/keygate/credential-engine/ledger"
)

// =============================================================================
// TABLE - Immutable duration -> price mapping
// =============================================================================

type Table struct {
	currency  string
	prices    map[int]ledger.Money
	durations []int // sorted, for error messages and the API

	referralRate      decimal.Decimal
	referralThreshold ledger.Money
}

// Price returns the cost of a credential of the given duration, or
// *ledger.InvalidDurationError when the duration is not in the table.
func (t *Table) Price(durationHours int) (ledger.Money, error) {
	p, ok := t.prices[durationHours]
	if !ok {
		return ledger.Money{}, &ledger.InvalidDurationError{
			DurationHours: durationHours,
			Known:         t.durations,
		}
	}
	return p, nil
}

// Durations returns the supported durations in ascending order.
func (t *Table) Durations() []int {
	out := make([]int, len(t.durations))
	copy(out, t.durations)
	return out
}

func (t *Table) Currency() string { return t.currency }

// ReferralRate is the fraction of a qualifying purchase paid to the referrer.
func (t *Table) ReferralRate() decimal.Decimal { return t.referralRate }

// ReferralThreshold is the amount a purchase must exceed to qualify.
func (t *Table) ReferralThreshold() ledger.Money { return t.referralThreshold }

// =============================================================================
// LOADING
// =============================================================================

type fileFormat struct {
	Currency string `toml:"currency"`
	Referral struct {
		Rate      string `toml:"rate"`
		Threshold string `toml:"threshold"`
	} `toml:"referral"`
	Price []struct {
		DurationHours int    `toml:"duration_hours"`
		Cost          string `toml:"cost"`
	} `toml:"price"`
}

// Load reads and validates a pricing file.
func Load(path string) (*Table, error) {
	var f fileFormat
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}
	return build(f)
}

func build(f fileFormat) (*Table, error) {
	if len(f.Price) == 0 {
		return nil, fmt.Errorf("pricing config: no price entries")
	}
	t := &Table{
		currency: f.Currency,
		prices:   make(map[int]ledger.Money, len(f.Price)),
	}
	if t.currency == "" {
		t.currency = "USD"
	}
	for _, p := range f.Price {
		if p.DurationHours <= 0 {
			return nil, fmt.Errorf("pricing config: duration must be positive, got %d", p.DurationHours)
		}
		cost, err := ledger.ParseMoney(p.Cost)
		if err != nil {
			return nil, fmt.Errorf("pricing config: bad cost %q for %dh: %w", p.Cost, p.DurationHours, err)
		}
		if cost.IsNegative() || cost.IsZero() {
			return nil, fmt.Errorf("pricing config: cost must be positive for %dh", p.DurationHours)
		}
		if _, dup := t.prices[p.DurationHours]; dup {
			return nil, fmt.Errorf("pricing config: duplicate duration %dh", p.DurationHours)
		}
		t.prices[p.DurationHours] = cost
		t.durations = append(t.durations, p.DurationHours)
	}
	sort.Ints(t.durations)

	rate, err := decimal.NewFromString(orDefault(f.Referral.Rate, "0.10"))
	if err != nil {
		return nil, fmt.Errorf("pricing config: bad referral rate %q: %w", f.Referral.Rate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("pricing config: referral rate must be in [0,1]")
	}
	threshold, err := ledger.ParseMoney(orDefault(f.Referral.Threshold, "100.00"))
	if err != nil {
		return nil, fmt.Errorf("pricing config: bad referral threshold %q: %w", f.Referral.Threshold, err)
	}
	t.referralRate = rate
	t.referralThreshold = threshold
	return t, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// =============================================================================
// DEFAULTS - Built-in table for dev and tests
// =============================================================================

// Default returns the built-in table: the standard retail durations with a
// 10% referral rate above a 100.00 threshold.
func Default() *Table {
	f := fileFormat{Currency: "USD"}
	f.Referral.Rate = "0.10"
	f.Referral.Threshold = "100.00"
	f.Price = []struct {
		DurationHours int    `toml:"duration_hours"`
		Cost          string `toml:"cost"`
	}{
		{1, "1.50"},
		{6, "6.00"},
		{12, "10.00"},
		{24, "18.00"},
		{72, "45.00"},
		{168, "90.00"},
	}
	t, err := build(f)
	if err != nil {
		panic(err) // built-in table is statically correct
	}
	return t
}

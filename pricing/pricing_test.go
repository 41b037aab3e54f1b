package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/credential-engine/ledger"
	"github.com/keygate/credential-engine/pricing"
)

// =============================================================================
// LOOKUP
// =============================================================================

func TestPrice_KnownDuration_ReturnsCost(t *testing.T) {
	table := pricing.Default()

	p, err := table.Price(24)
	require.NoError(t, err)
	assert.Equal(t, "18.00", p.String())
}

func TestPrice_UnknownDuration_RejectedWithKnownList(t *testing.T) {
	// Unknown durations fail at the boundary, never default silently.

	table := pricing.Default()

	_, err := table.Price(48)
	require.ErrorIs(t, err, ledger.ErrInvalidDuration)

	var invalid *ledger.InvalidDurationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 48, invalid.DurationHours)
	assert.Equal(t, []int{1, 6, 12, 24, 72, 168}, invalid.Known)
}

func TestDurations_SortedAscending(t *testing.T) {
	table := pricing.Default()
	assert.Equal(t, []int{1, 6, 12, 24, 72, 168}, table.Durations())
}

// =============================================================================
// LOADING
// =============================================================================

func writePricing(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidFile(t *testing.T) {
	path := writePricing(t, `
currency = "EUR"

[referral]
rate      = "0.05"
threshold = "50.00"

[[price]]
duration_hours = 24
cost           = "20.00"

[[price]]
duration_hours = 168
cost           = "95.00"
`)

	table, err := pricing.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "EUR", table.Currency())
	assert.Equal(t, []int{24, 168}, table.Durations())
	assert.Equal(t, "0.05", table.ReferralRate().String())
	assert.Equal(t, "50.00", table.ReferralThreshold().String())

	p, err := table.Price(168)
	require.NoError(t, err)
	assert.Equal(t, "95.00", p.String())
}

func TestLoad_MissingReferralSection_UsesDefaults(t *testing.T) {
	path := writePricing(t, `
[[price]]
duration_hours = 24
cost           = "18.00"
`)

	table, err := pricing.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "USD", table.Currency())
	assert.Equal(t, "0.1", table.ReferralRate().String())
	assert.Equal(t, "100.00", table.ReferralThreshold().String())
}

func TestLoad_InvalidConfigs_Rejected(t *testing.T) {
	cases := map[string]string{
		"no prices": ``,
		"zero cost": `
[[price]]
duration_hours = 24
cost           = "0.00"
`,
		"negative duration": `
[[price]]
duration_hours = -1
cost           = "5.00"
`,
		"duplicate duration": `
[[price]]
duration_hours = 24
cost           = "18.00"

[[price]]
duration_hours = 24
cost           = "19.00"
`,
		"rate above one": `
[referral]
rate = "1.5"

[[price]]
duration_hours = 24
cost           = "18.00"
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pricing.Load(writePricing(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile_Errors(t *testing.T) {
	_, err := pricing.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

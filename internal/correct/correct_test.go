package correct

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/pricewatch/internal/siterules"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func TestCorrect(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		previous  *decimal.Decimal
		merchant  *siterules.PriceRange
		want      string
		corrected bool
		rule      string
		large     bool
	}{
		{name: "no previous", candidate: "229.90", want: "229.90"},
		{name: "small change untouched", candidate: "2099", previous: ptr("2299"), want: "2099"},
		{name: "missing digit", candidate: "229.90", previous: ptr("2299.00"), want: "2299", corrected: true, rule: RuleMissingLeadingDigit},
		{name: "missing leading digits", candidate: "22.99", previous: ptr("2299.00"), want: "2299", corrected: true, rule: RuleMissingLeadingDigit},
		{name: "decimal misplaced", candidate: "1.839", previous: ptr("1899"), want: "1839", corrected: true, rule: RuleDecimalMisplaced},
		{name: "single x10 step", candidate: "183.9", previous: ptr("1899"), want: "1839", corrected: true, rule: RuleMissingLeadingDigit},
		{name: "quarter of previous left alone", candidate: "475", previous: ptr("1899"), want: "475", large: true},
		{name: "over-scaled left alone", candidate: "22990000", previous: ptr("2299.00"), want: "22990000", large: true},
		{name: "upward jump left alone", candidate: "2299", previous: ptr("229"), want: "2299", large: true},
		{
			name:      "merchant range scaling",
			candidate: "45",
			previous:  ptr("900"),
			merchant:  &siterules.PriceRange{Min: 300, Max: 800},
			want:      "45",
			large:     true,
		},
		{
			name:      "merchant range converges",
			candidate: "55",
			previous:  ptr("700"),
			merchant:  &siterules.PriceRange{Min: 300, Max: 800},
			want:      "550",
			corrected: true,
			rule:      RuleMerchantRange,
		},
	}
	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Correct(d(tt.candidate), tt.previous, tt.merchant)
			assert.True(t, res.Price.Equal(d(tt.want)), "got %s want %s", res.Price, tt.want)
			assert.Equal(t, tt.corrected, res.Corrected)
			assert.Equal(t, tt.rule, res.Rule)
			assert.Equal(t, tt.large, res.LargeChange)
			assert.True(t, res.Original.Equal(d(tt.candidate)))
		})
	}
}

func TestCorrect_NoRescaleAboveFifthOfPrevious(t *testing.T) {
	// Even a loose tolerance cannot pull x10 of a candidate at or above a
	// fifth of previous back within range.
	c := &Corrector{TriggerChange: DefaultTriggerChange, Tolerance: 0.95, MaxScaleSteps: 6}
	for _, candidate := range []string{"200", "250", "500", "700"} {
		res := c.Correct(d(candidate), ptr("1000"), nil)
		assert.False(t, res.Corrected, candidate)
		assert.True(t, res.LargeChange, candidate)
		assert.True(t, res.Price.Equal(d(candidate)), candidate)
	}
}

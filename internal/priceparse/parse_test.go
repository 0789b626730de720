package priceparse

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain integer", "1839", "1839"},
		{"dollar with cents", "$1,234.56", "1234.56"},
		{"european format", "1.234,56 €", "1234.56"},
		{"comma thousands", "1,234", "1234"},
		{"comma decimal", "12,5", "12.5"},
		{"comma decimal two digits", "€ 999,99", "999.99"},
		{"multiple comma thousands", "1,234,567", "1234567"},
		{"single dot decimal", "1.839", "1.839"},
		{"multiple dot thousands", "1.234.567", "1234567"},
		{"both separators trailing three digits", "1.234,567", "1234567"},
		{"html entity", "&#36;2,499.00", "2499.00"},
		{"nbsp entity", "$&nbsp;2,499", "2499"},
		{"code prefix", "USD 4,589.00", "4589.00"},
		{"us dollar marker", "US$ 799", "799"},
		{"canadian marker", "C$1,099.99", "1099.99"},
		{"full width digits", "＄１，２９９", "1299"},
		{"space thousands", "1 299,00 €", "1299.00"},
		{"dual price returns lower", "$1,499.00 $1,219.00", "1219.00"},
		{"dual price strikethrough", "~~$2,299~~ $1,839", "1839"},
		{"dual price sale first", "$1,839 $2,299", "1839"},
		{"percent ignored", "Save 20% now $1,999", "1999"},
		{"percent after price ignored", "$1,999 20% off", "1999"},
		{"trailing period", "Only $3,999.", "3999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "Call for price", "$", "50% off"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			var pe *ParseError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestParse_Idempotent(t *testing.T) {
	inputs := []string{"$1,234.56", "1.234,56", "1,234", "$2,299.00", "1.839", "€ 12,5", "$1,499.00 $1,219.00"}
	for _, in := range inputs {
		first, err := Parse(in)
		require.NoError(t, err)
		second, err := Parse(first.String())
		require.NoError(t, err)
		assert.True(t, first.Equal(second), "input %q: %s != %s", in, first, second)
	}
}

func TestTokens(t *testing.T) {
	got, err := tokens("Was $2,299 now $1,839, save 20%")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(decimal.NewFromInt(2299)))
	assert.True(t, got[1].Equal(decimal.NewFromInt(1839)))

	_, err = tokens("no price here")
	assert.Error(t, err)
}

func TestParseAny(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"float", 1299.99, "1299.99"},
		{"int", 450, "450"},
		{"string", "$1,299.00", "1299.00"},
		{"json number", json.Number("2499.5"), "2499.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAny(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)))
		})
	}

	_, err := ParseAny(nil)
	assert.Error(t, err)
	_, err = ParseAny([]int{1})
	assert.Error(t, err)
}

func TestDetectCurrency(t *testing.T) {
	tests := map[string]string{
		"$1,299":     "USD",
		"US$ 799":    "USD",
		"C$1,099":    "CAD",
		"A$ 2,000":   "AUD",
		"1.234,56 €": "EUR",
		"£999":       "GBP",
		"EUR 100":    "EUR",
		"1299":       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectCurrency(in), in)
	}
}

func TestParse_SpaceSeparatedPrices(t *testing.T) {
	got, err := Parse("$199 $249")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(199)))

	got, err = Parse("199 249")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(199)))
}

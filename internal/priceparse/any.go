package priceparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAny parses a value decoded from JSON (structured data, network
// responses). Numbers are taken as-is; strings go through Parse.
func ParseAny(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, &ParseError{Reason: "null value"}
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, &ParseError{Input: t.String(), Reason: "invalid number"}
		}
		return d, nil
	case decimal.Decimal:
		return t, nil
	case string:
		return Parse(t)
	default:
		return decimal.Zero, &ParseError{Input: fmt.Sprint(v), Reason: "unsupported type"}
	}
}

var currencySymbols = []struct {
	marker string
	code   string
}{
	{"US$", "USD"},
	{"CA$", "CAD"},
	{"C$", "CAD"},
	{"AU$", "AUD"},
	{"A$", "AUD"},
	{"NZ$", "NZD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

var currencyCodes = []string{"USD", "EUR", "GBP", "CAD", "AUD", "NZD", "JPY", "CHF", "INR"}

// DetectCurrency returns the ISO 4217 code implied by text, or "" when
// nothing is recognised. A bare "$" maps to USD.
func DetectCurrency(text string) string {
	upper := strings.ToUpper(text)
	for _, c := range currencySymbols {
		if strings.Contains(upper, c.marker) {
			return c.code
		}
	}
	for _, code := range currencyCodes {
		if strings.Contains(upper, code) {
			return code
		}
	}
	if strings.Contains(text, "$") {
		return "USD"
	}
	return ""
}

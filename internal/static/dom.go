package static

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// AvoidList returns the default avoid contexts plus ruleAvoid.
func AvoidList(ruleAvoid []string) []string {
	return mergeAvoid(ruleAvoid)
}

// SelectorPrices returns the prices matched by sel in document order,
// skipping elements inside any avoid context. Attributes are read before
// text.
func SelectorPrices(doc *goquery.Document, sel string, avoid []string) []Found {
	hits := matchSelector(doc, sel, avoid)
	out := make([]Found, len(hits))
	for i, h := range hits {
		out[i] = Found{Value: h.value, Raw: h.raw, Source: sel}
	}
	return out
}

// TextAmounts returns the currency amounts in the visible text of html
// that pass accept, in order of appearance.
func TextAmounts(html string, accept func(decimal.Decimal) bool) []Found {
	hits := currencyAmounts(visibleText(html), currencyAmountRe, accept)
	out := make([]Found, len(hits))
	for i, h := range hits {
		out[i] = Found{Value: h.value, Raw: h.raw, Source: "text"}
	}
	return out
}

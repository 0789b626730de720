package static

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/priceparse"
)

// selectorGroup is a ranked list of generic selectors sharing a
// confidence.
type selectorGroup struct {
	name       string
	confidence float64
	selectors  []string
}

// genericGroups are tried when no site rule matched. Sale markup first:
// a discounted price inside <ins> is the current price.
var genericGroups = []selectorGroup{
	{
		name:       "sale",
		confidence: 0.85,
		selectors: []string{
			".price ins .amount",
			".price ins.amount",
			".price ins",
			".sale-price",
			".price--sale",
			".price-item--sale",
			".special-price .price",
			".product-price--sale",
			"[data-sale-price]",
		},
	},
	{
		name:       "common",
		confidence: 0.75,
		selectors: []string{
			"[data-price]",
			"[data-product-price]",
			".product-price",
			".product__price",
			".product-single__price",
			".price-current",
			".current-price",
			"#price",
			".price .amount",
			".woocommerce-Price-amount",
			".price",
		},
	},
	{
		name:       "broad",
		confidence: 0.6,
		selectors: []string{
			".money",
			"[class*='price']",
			"[id*='price']",
		},
	},
}

// defaultAvoid are page regions that carry other products' prices.
var defaultAvoid = []string{
	".related",
	".related-products",
	".upsells",
	".up-sells",
	".cross-sells",
	".product-recommendations",
	"[class*='recommend']",
	".cart-drawer",
	".mini-cart",
	"footer",
	"nav",
}

// priceAttrs are checked before element text.
var priceAttrs = []string{"data-price", "data-price-amount", "data-product-price", "content", "value"}

// selectorHit is a parsed value from one matched element. node is nil
// for free-text matches.
type selectorHit struct {
	value decimal.Decimal
	raw   string
	node  *goquery.Selection
}

// matchSelector returns parsed values for sel in document order, skipping
// elements inside any avoid context.
func matchSelector(doc *goquery.Document, sel string, avoid []string) []selectorHit {
	var hits []selectorHit
	found := doc.Find(sel)
	found.Each(func(_ int, s *goquery.Selection) {
		if insideAny(s, avoid) {
			return
		}
		raw, v, ok := elementPrice(s)
		if !ok {
			return
		}
		hits = append(hits, selectorHit{value: v, raw: raw, node: s})
	})
	return hits
}

// elementPrice extracts a price from attributes first, then text.
func elementPrice(s *goquery.Selection) (string, decimal.Decimal, bool) {
	for _, attr := range priceAttrs {
		raw, ok := s.Attr(attr)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		if v, err := priceparse.Parse(raw); err == nil && v.IsPositive() {
			return raw, v, true
		}
	}
	raw := strings.Join(strings.Fields(s.Text()), " ")
	if raw == "" || len(raw) > 200 {
		return "", decimal.Zero, false
	}
	v, err := priceparse.Parse(raw)
	if err != nil || !v.IsPositive() {
		return "", decimal.Zero, false
	}
	return raw, v, true
}

func insideAny(s *goquery.Selection, avoid []string) bool {
	for _, a := range avoid {
		if a == "" {
			continue
		}
		if s.Closest(a).Length() > 0 {
			return true
		}
	}
	return false
}

func mergeAvoid(ruleAvoid []string) []string {
	out := make([]string, 0, len(defaultAvoid)+len(ruleAvoid))
	out = append(out, defaultAvoid...)
	return append(out, ruleAvoid...)
}

package static

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/priceparse"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)\b[^>]*>.*?</(?:script|style|noscript)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]+>`)

	// dualPriceRes capture (original, current). The second capture is the
	// discounted price.
	dualPriceRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<(?:del|s|strike)\b[^>]*>(?:\s*<[^>]+>)*\s*([$€£]\s?\d[\d.,]*)(?:\s*</?[^>]+>)*?\s*</(?:del|s|strike)>(?:\s*<[^>]+>)*\s*([$€£]\s?\d[\d.,]*)`),
		regexp.MustCompile(`~~\s*([$€£]?\s?\d[\d.,]*)\s*~~\s*([$€£]?\s?\d[\d.,]*)`),
		regexp.MustCompile(`(?i)\bwas:?\s*([$€£]\s?\d[\d.,]*).{0,40}?\bnow:?\s*([$€£]\s?\d[\d.,]*)`),
		regexp.MustCompile(`(?i)regular price:?\s*([$€£]\s?\d[\d.,]*).{0,60}?sale price:?\s*([$€£]\s?\d[\d.,]*)`),
	}

	currencyAmountRe = regexp.MustCompile(`[$€£]\s?\d+(?:[,.]\d{3})*(?:[.,]\d{1,2})?`)

	// labelledAmountRe only takes amounts introduced by a price label.
	// Unlabelled amounts fall through to currencyAmountRe at a lower
	// confidence once proximity has nothing.
	labelledAmountRe = regexp.MustCompile(`(?i)\b(?:price|now|only|sale|special|today)\b[^$€£\d<>]{0,20}([$€£]\s?\d+(?:[,.]\d{3})*(?:[.,]\d{1,2})?)`)
)

// stripScripts removes script, style and noscript bodies.
func stripScripts(html string) string {
	return scriptStyleRe.ReplaceAllString(html, " ")
}

// visibleText reduces markup to whitespace-collapsed text.
func visibleText(html string) string {
	return strings.Join(strings.Fields(tagRe.ReplaceAllString(stripScripts(html), " ")), " ")
}

// dualPrice returns the discounted capture of the first dual-price pattern
// whose value passes accept.
func dualPrice(markup string, accept func(decimal.Decimal) bool) (selectorHit, bool) {
	for _, re := range dualPriceRes {
		for _, m := range re.FindAllStringSubmatch(markup, -1) {
			v, err := priceparse.Parse(m[2])
			if err != nil || !accept(v) {
				continue
			}
			return selectorHit{value: v, raw: strings.TrimSpace(m[0])}, true
		}
	}
	return selectorHit{}, false
}

// currencyAmounts returns every amount matched by re in text that passes
// accept, deduplicated, in order of appearance. When re has a capture
// group the first group is the amount.
func currencyAmounts(text string, re *regexp.Regexp, accept func(decimal.Decimal) bool) []selectorHit {
	seen := make(map[string]bool)
	var out []selectorHit
	for _, sm := range re.FindAllStringSubmatch(text, -1) {
		m := sm[len(sm)-1]
		v, err := priceparse.Parse(m)
		if err != nil || !accept(v) {
			continue
		}
		key := v.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, selectorHit{value: v, raw: m})
	}
	return out
}

// pickHighest returns the largest value.
func pickHighest(hits []selectorHit) selectorHit {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.value.GreaterThan(best.value) {
			best = h
		}
	}
	return best
}

// pickLowest returns the smallest value.
func pickLowest(hits []selectorHit) selectorHit {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.value.LessThan(best.value) {
			best = h
		}
	}
	return best
}

// pickClosest returns the value nearest to ref.
func pickClosest(hits []selectorHit, ref decimal.Decimal) selectorHit {
	best := hits[0]
	bestDiff := best.value.Sub(ref).Abs()
	for _, h := range hits[1:] {
		if d := h.value.Sub(ref).Abs(); d.LessThan(bestDiff) {
			best, bestDiff = h, d
		}
	}
	return best
}

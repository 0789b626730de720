package static

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

var (
	buyButtonRe   = regexp.MustCompile(`(?i)add to (?:cart|bag|basket)|buy (?:it )?now|order now|purchase`)
	saleKeywordRe = regexp.MustCompile(`(?i)\bsale\b|%\s*off|\bdiscount|\bsave\b|\bdeal\b`)
)

const proximityDepth = 4

// buyButtons returns purchase controls in document order.
func buyButtons(doc *goquery.Document) *goquery.Selection {
	return doc.Find(`button, input[type="submit"], input[type="button"], a, [role="button"], [name="add"]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		if name, _ := s.Attr("name"); name == "add" {
			return true
		}
		label := s.Text() + " " + s.AttrOr("value", "") + " " + s.AttrOr("aria-label", "")
		return buyButtonRe.MatchString(label)
	})
}

// proximityPrices walks up from each purchase control, at most
// proximityDepth ancestors, and returns the prices in the first ancestor
// that holds any plus whether that region advertises a sale. With
// keywords set, the first region naming one wins over earlier regions.
func proximityPrices(doc *goquery.Document, avoid, keywords []string, accept func(decimal.Decimal) bool) ([]selectorHit, bool) {
	var (
		hits     []selectorHit
		sale     bool
		fallback []selectorHit
		fbSale   bool
	)
	buyButtons(doc).EachWithBreak(func(_ int, btn *goquery.Selection) bool {
		if insideAny(btn, avoid) {
			return true
		}
		node := btn
		for depth := 0; depth < proximityDepth; depth++ {
			node = node.Parent()
			if node.Length() == 0 || goquery.NodeName(node) == "body" {
				break
			}
			text := regionText(node, avoid)
			found := currencyAmounts(text, currencyAmountRe, accept)
			if len(found) == 0 {
				continue
			}
			if len(keywords) > 0 && !mentionsKeyword(text, keywords) {
				if fallback == nil {
					fallback, fbSale = found, saleKeywordRe.MatchString(text)
				}
				return true
			}
			hits = found
			sale = saleKeywordRe.MatchString(text)
			return false
		}
		return true
	})
	if hits == nil {
		return fallback, fbSale
	}
	return hits, sale
}

// regionText returns the visible text of s without avoided sub-regions or
// scripts.
func regionText(s *goquery.Selection, avoid []string) string {
	clone := s.Clone()
	clone.Find("script, style, noscript").Remove()
	for _, a := range avoid {
		if a != "" {
			clone.Find(a).Remove()
		}
	}
	return strings.Join(strings.Fields(clone.Text()), " ")
}

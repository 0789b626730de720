package dynamic

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/static"
)

// Confidence for each rendered-DOM technique.
const (
	ConfidenceNetworkJSON   = 0.85
	ConfidenceSiteSelector  = 0.85
	ConfidenceDataAttribute = 0.8
	ConfidenceItemprop      = 0.75
	ConfidenceText          = 0.6
)

var dataAttributeSelectors = []string{
	"[data-price-amount]",
	"[data-product-price]",
	"[data-price]",
}

// domHit is a DOM-derived price with its technique.
type domHit struct {
	found      static.Found
	technique  string
	confidence float64
}

// domPrices ranks prices from the rendered DOM: site selectors, data
// attributes, itemprop content, then the visible text regex. It returns
// the first accepted hit and a trace entry per technique tried.
func domPrices(doc *goquery.Document, html string, rule *siterules.SiteRule, accept func(decimal.Decimal) bool) (*domHit, []model.Attempt) {
	var (
		ruleAvoid []string
		selectors []string
		attempts  []model.Attempt
	)
	if rule != nil {
		ruleAvoid = rule.Avoid
		selectors = rule.Selectors
	}
	avoid := static.AvoidList(ruleAvoid)

	first := func(found []static.Found) (static.Found, bool) {
		for _, f := range found {
			if accept(f.Value) {
				return f, true
			}
		}
		return static.Found{}, false
	}

	for _, sel := range selectors {
		if f, ok := first(static.SelectorPrices(doc, sel, avoid)); ok {
			return &domHit{found: f, technique: model.MethodSiteSelector, confidence: ConfidenceSiteSelector}, attempts
		}
	}
	if len(selectors) > 0 {
		attempts = append(attempts, model.MissAttempt(model.TierDynamic, model.MethodSiteSelector, "no site selector matched"))
	}

	for _, sel := range dataAttributeSelectors {
		if f, ok := first(static.SelectorPrices(doc, sel, avoid)); ok {
			return &domHit{found: f, technique: "data_attribute", confidence: ConfidenceDataAttribute}, attempts
		}
	}
	attempts = append(attempts, model.MissAttempt(model.TierDynamic, "data_attribute", "no data-price attribute"))

	if f, ok := first(static.SelectorPrices(doc, `[itemprop="price"][content]`, avoid)); ok {
		return &domHit{found: f, technique: "itemprop", confidence: ConfidenceItemprop}, attempts
	}
	attempts = append(attempts, model.MissAttempt(model.TierDynamic, "itemprop", "no itemprop price"))

	if f, ok := first(static.TextAmounts(html, accept)); ok {
		return &domHit{found: f, technique: model.MethodDOMText, confidence: ConfidenceText}, attempts
	}
	attempts = append(attempts, model.MissAttempt(model.TierDynamic, model.MethodDOMText, "no currency amount in text"))
	return nil, attempts
}

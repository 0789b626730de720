// Package static extracts prices from fetched HTML without rendering or
// model calls. Techniques run in a fixed order and stop at the first
// plausible price.
package static

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/priceparse"
	"github.com/sells-group/pricewatch/internal/siterules"
)

// Fixed confidence scale.
const (
	ConfidenceJSONLD        = 0.95
	ConfidenceMicrodata     = 0.9
	ConfidenceMeta          = 0.85
	ConfidenceLearned       = 0.85
	ConfidenceSiteSelector  = 0.9
	ConfidenceDualRegex     = 0.7
	ConfidenceRegex         = 0.6
	ConfidenceRegexGeneric  = 0.5
	ConfidenceProximitySale = 0.7
	ConfidenceProximity     = 0.6
)

// Structured data is the first price seen for a page, so it is held to a
// band independent of history.
var (
	StructuredMin = decimal.NewFromInt(10)
	StructuredMax = decimal.NewFromInt(100000)
)

// Input is everything the static extractor needs for one page.
type Input struct {
	HTML            string
	URL             string
	Rule            *siterules.SiteRule
	LearnedSelector string
	PreviousPrice   *decimal.Decimal
	Currency        string
}

// Extractor runs the static technique ladder. The zero value is usable.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// run holds per-call state.
type run struct {
	in       Input
	doc      *goquery.Document
	avoid    []string
	keywords []string
	attempts []model.Attempt

	near     []selectorHit
	nearSale bool
	nearDone bool
}

// Extract returns the first plausible candidate and the trace of every
// technique tried. A nil candidate is a miss.
func (e *Extractor) Extract(in Input) (*model.PriceCandidate, []model.Attempt) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, []model.Attempt{model.MissAttempt(model.TierStatic, "parse_html", err.Error())}
	}
	r := &run{in: in, doc: doc}
	if in.Rule != nil {
		r.avoid = mergeAvoid(in.Rule.Avoid)
		r.keywords = in.Rule.Keywords
	} else {
		r.avoid = mergeAvoid(nil)
	}

	steps := []func() *model.PriceCandidate{
		r.structured,
		r.learned,
		r.salePrices,
		r.siteSelectors,
		r.genericSelectors,
		r.regex,
		r.proximity,
	}
	for _, step := range steps {
		if c := step(); c != nil {
			zap.L().Debug("static: candidate found",
				zap.String("url", in.URL),
				zap.String("method", c.Method),
				zap.String("source", c.Source),
				zap.String("price", c.Value.String()),
			)
			return c, r.attempts
		}
	}
	return nil, r.attempts
}

// Outcome wraps Extract in the tier result shape.
func (e *Extractor) Outcome(in Input) model.TierOutcome {
	start := time.Now()
	c, attempts := e.Extract(in)
	if len(attempts) > 0 {
		attempts[len(attempts)-1] = attempts[len(attempts)-1].Timed(start)
	}
	if c == nil {
		return model.Miss(model.TierStatic, "no static price found", attempts)
	}
	return model.Hit(model.TierStatic, c, attempts)
}

// inRange applies the rule's range, if any, and rejects non-positive
// values.
func (r *run) inRange(v decimal.Decimal) bool {
	return v.IsPositive() && r.in.Rule.InRange(v)
}

// plausible additionally holds free-text matches to the structured band
// so shipping fees and accessory prices drop out.
func (r *run) plausible(v decimal.Decimal) bool {
	return r.inRange(v) && !v.LessThan(StructuredMin) && !v.GreaterThan(StructuredMax)
}

func (r *run) miss(technique, reason string) {
	r.attempts = append(r.attempts, model.MissAttempt(model.TierStatic, technique, reason))
}

func (r *run) candidate(method string, conf float64, v decimal.Decimal, raw, source, currency string) *model.PriceCandidate {
	if currency == "" {
		currency = priceparse.DetectCurrency(raw)
	}
	if currency == "" && r.in.Rule != nil {
		currency = r.in.Rule.Currency
	}
	if currency == "" {
		currency = r.in.Currency
	}
	c := &model.PriceCandidate{
		Value:      v,
		Currency:   strings.ToUpper(currency),
		Tier:       model.TierStatic,
		Method:     method,
		Confidence: conf,
		RawText:    raw,
		Source:     source,
	}
	r.attempts = append(r.attempts, model.HitAttempt(model.TierStatic, method, c))
	return c
}

func (r *run) structured() *model.PriceCandidate {
	type source struct {
		method string
		conf   float64
		found  []Found
		skip   string
	}
	sources := []source{
		{method: model.MethodStructuredData, conf: ConfidenceJSONLD, found: JSONLDPrices(r.doc)},
		{method: model.MethodMicrodata, conf: ConfidenceMicrodata, found: MicrodataPrices(r.doc)},
	}
	if r.in.Rule != nil && r.in.Rule.AvoidMetaTags {
		sources = append(sources, source{method: model.MethodMetaTag, skip: "avoid_meta_tags"})
	} else {
		sources = append(sources, source{method: model.MethodMetaTag, conf: ConfidenceMeta, found: MetaPrices(r.doc)})
	}

	for _, s := range sources {
		if s.skip != "" {
			r.miss(s.method, "skipped: "+s.skip)
			continue
		}
		if len(s.found) == 0 {
			r.miss(s.method, "not present")
			continue
		}
		// First numeric price found wins; out-of-band values are rejected.
		f := s.found[0]
		if f.Value.LessThan(StructuredMin) || f.Value.GreaterThan(StructuredMax) {
			r.miss(s.method, "outside structured band: "+f.Value.String())
			continue
		}
		if !r.inRange(f.Value) {
			r.miss(s.method, "outside site range: "+f.Value.String())
			continue
		}
		return r.candidate(s.method, s.conf, f.Value, f.Raw, f.Source, f.Currency)
	}
	return nil
}

func (r *run) learned() *model.PriceCandidate {
	sel := r.in.LearnedSelector
	if sel == "" {
		return nil
	}
	return r.firstSelectorHit(sel, model.MethodLearnedSelector, ConfidenceLearned)
}

// salePrices runs the sale markup group and the dual-price patterns ahead
// of the site selectors for merchants that render the regular price
// first.
func (r *run) salePrices() *model.PriceCandidate {
	if r.in.Rule == nil || !r.in.Rule.PrioritizeSalePrice {
		return nil
	}
	sale := genericGroups[0]
	for _, sel := range sale.selectors {
		if c := r.firstSelectorHit(sel, model.MethodGenericSelector, sale.confidence); c != nil {
			return c
		}
	}
	if h, ok := dualPrice(stripScripts(r.in.HTML), r.plausible); ok {
		return r.candidate(model.MethodRegex, ConfidenceDualRegex, h.value, h.raw, "regex:dual_price", "")
	}
	r.miss(model.MethodGenericSelector, "no sale price ahead of site selectors")
	return nil
}

func (r *run) siteSelectors() *model.PriceCandidate {
	if r.in.Rule == nil || len(r.in.Rule.Selectors) == 0 {
		return nil
	}
	for _, sel := range r.in.Rule.Selectors {
		if c := r.firstSelectorHit(sel, model.MethodSiteSelector, ConfidenceSiteSelector); c != nil {
			return c
		}
	}
	return nil
}

func (r *run) genericSelectors() *model.PriceCandidate {
	for _, g := range genericGroups {
		for _, sel := range g.selectors {
			if c := r.firstSelectorHit(sel, model.MethodGenericSelector, g.confidence); c != nil {
				return c
			}
		}
	}
	r.miss(model.MethodGenericSelector, "no generic selector matched")
	return nil
}

// firstSelectorHit returns the first in-range value for sel, among hits
// naming the variant when keywords are set. Site selectors on sale-first
// merchants take the lowest in-range value instead.
func (r *run) firstSelectorHit(sel, method string, conf float64) *model.PriceCandidate {
	hits := matchSelector(r.doc, sel, r.avoid)
	if len(hits) == 0 {
		if method != model.MethodGenericSelector {
			r.miss(method, "no match: "+sel)
		}
		return nil
	}
	hits = preferKeywords(hits, r.keywords)

	var inRange []selectorHit
	for _, h := range hits {
		if r.inRange(h.value) {
			inRange = append(inRange, h)
		}
	}
	if len(inRange) == 0 {
		r.miss(method, "out of range: "+sel+" "+hits[0].value.String())
		return nil
	}
	h := inRange[0]
	if method == model.MethodSiteSelector && r.in.Rule.PrioritizeSalePrice {
		h = pickLowest(inRange)
	}
	return r.candidate(method, conf, h.value, h.raw, sel, "")
}

func (r *run) regex() *model.PriceCandidate {
	markup := stripScripts(r.in.HTML)
	if h, ok := dualPrice(markup, r.plausible); ok {
		return r.candidate(model.MethodRegex, ConfidenceDualRegex, h.value, h.raw, "regex:dual_price", "")
	}
	r.miss(model.MethodRegex, "no dual price pattern")

	text := visibleText(r.in.HTML)
	if hits := currencyAmounts(text, labelledAmountRe, r.plausible); len(hits) > 0 {
		h := r.pickByHistory(hits)
		return r.candidate(model.MethodRegex, ConfidenceRegex, h.value, h.raw, "regex:currency", "")
	}
	r.miss(model.MethodRegex, "no labelled currency amount")

	// Pages with a price beside a purchase control are left to proximity.
	if near, _ := r.nearBuy(); len(near) > 0 {
		return nil
	}
	hits := currencyAmounts(text, currencyAmountRe, r.plausible)
	if len(hits) == 0 {
		r.miss(model.MethodRegex, "no currency amount")
		return nil
	}
	h := r.pickByHistory(hits)
	return r.candidate(model.MethodRegex, ConfidenceRegexGeneric, h.value, h.raw, "regex:generic", "")
}

// pickByHistory takes the hit closest to the previous price, or the
// highest when there is no history.
func (r *run) pickByHistory(hits []selectorHit) selectorHit {
	if r.in.PreviousPrice != nil && r.in.PreviousPrice.IsPositive() {
		return pickClosest(hits, *r.in.PreviousPrice)
	}
	return pickHighest(hits)
}

// nearBuy memoises proximityPrices for the regex and proximity steps.
func (r *run) nearBuy() ([]selectorHit, bool) {
	if !r.nearDone {
		r.near, r.nearSale = proximityPrices(r.doc, r.avoid, r.keywords, r.plausible)
		r.nearDone = true
	}
	return r.near, r.nearSale
}

func (r *run) proximity() *model.PriceCandidate {
	hits, sale := r.nearBuy()
	if len(hits) == 0 {
		r.miss(model.MethodProximity, "no price near purchase control")
		return nil
	}
	if sale {
		h := pickLowest(hits)
		return r.candidate(model.MethodProximity, ConfidenceProximitySale, h.value, h.raw, "proximity:sale", "")
	}
	h := pickHighest(hits)
	return r.candidate(model.MethodProximity, ConfidenceProximity, h.value, h.raw, "proximity", "")
}

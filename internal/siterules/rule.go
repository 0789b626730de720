// Package siterules holds the per-merchant extraction rule table and the
// learned-selector cache.
package siterules

import (
	"strings"

	"github.com/shopspring/decimal"
)

// PriceRange is an inclusive [Min, Max] band. A zero bound is open.
type PriceRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the range.
func (r *PriceRange) Contains(v decimal.Decimal) bool {
	if r == nil {
		return true
	}
	f := v.InexactFloat64()
	if r.Min > 0 && f < r.Min {
		return false
	}
	if r.Max > 0 && f > r.Max {
		return false
	}
	return true
}

// Click is one browser interaction performed before reading the DOM.
type Click struct {
	Selector string `yaml:"selector" json:"selector"`
	WaitMS   int    `yaml:"wait_ms" json:"wait_ms,omitempty"`
}

// VariantRule narrows a domain rule to one product variant.
type VariantRule struct {
	Name          string      `yaml:"name" json:"name"`
	URLContains   []string    `yaml:"url_contains" json:"url_contains,omitempty"`
	Keywords      []string    `yaml:"keywords" json:"keywords,omitempty"`
	Selectors     []string    `yaml:"selectors" json:"selectors,omitempty"`
	Avoid         []string    `yaml:"avoid" json:"avoid,omitempty"`
	PriceRange    *PriceRange `yaml:"price_range" json:"price_range,omitempty"`
	ExpectedPrice float64     `yaml:"expected_price" json:"expected_price,omitempty"`
	Tolerance     float64     `yaml:"tolerance" json:"tolerance,omitempty"`
	ClickSequence []Click     `yaml:"click_sequence" json:"click_sequence,omitempty"`
}

// DomainRule is the raw table entry for one merchant domain.
type DomainRule struct {
	Selectors           []string      `yaml:"selectors"`
	Avoid               []string      `yaml:"avoid"`
	PriceRange          *PriceRange   `yaml:"price_range"`
	Currency            string        `yaml:"currency"`
	RequiresDynamic     bool          `yaml:"requires_dynamic"`
	PrioritizeSalePrice bool          `yaml:"prioritize_sale_prices"`
	AvoidMetaTags       bool          `yaml:"avoid_meta_tags"`
	AIHints             string        `yaml:"ai_hints"`
	ClickSequence       []Click       `yaml:"click_sequence"`
	Variants            []VariantRule `yaml:"variants"`
}

// SiteRule is the effective rule for one (domain, machine, url) lookup:
// the domain defaults with any matching variant merged in.
type SiteRule struct {
	Domain              string      `json:"domain"`
	Variant             string      `json:"variant,omitempty"`
	Selectors           []string    `json:"selectors"`
	Avoid               []string    `json:"avoid,omitempty"`
	PriceRange          *PriceRange `json:"price_range,omitempty"`
	Currency            string      `json:"currency,omitempty"`
	RequiresDynamic     bool        `json:"requires_dynamic"`
	PrioritizeSalePrice bool        `json:"prioritize_sale_prices"`
	AvoidMetaTags       bool        `json:"avoid_meta_tags"`
	AIHints             string      `json:"ai_hints,omitempty"`
	Keywords            []string    `json:"keywords,omitempty"`
	ClickSequence       []Click     `json:"click_sequence,omitempty"`
	ExpectedPrice       float64     `json:"expected_price,omitempty"`
	Tolerance           float64     `json:"tolerance,omitempty"`
}

// EffectiveRange returns the declared range, or one derived from the
// expected price and tolerance when only those are set.
func (r *SiteRule) EffectiveRange() *PriceRange {
	if r == nil {
		return nil
	}
	if r.PriceRange != nil {
		return r.PriceRange
	}
	if r.ExpectedPrice > 0 && r.Tolerance > 0 {
		return &PriceRange{
			Min: r.ExpectedPrice * (1 - r.Tolerance),
			Max: r.ExpectedPrice * (1 + r.Tolerance),
		}
	}
	return nil
}

// InRange is EffectiveRange().Contains with a nil-safe receiver.
func (r *SiteRule) InRange(v decimal.Decimal) bool {
	return r.EffectiveRange().Contains(v)
}

// NormalizeDomain lowercases a host and strips a leading "www.".
func NormalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

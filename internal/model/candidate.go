package model

import (
	"github.com/shopspring/decimal"
)

// Tier is one escalation level of the extraction pipeline.
type Tier string

const (
	TierStatic        Tier = "STATIC"
	TierSliceFast     Tier = "SLICE_FAST"
	TierSliceBalanced Tier = "SLICE_BALANCED"
	TierDynamic       Tier = "JS_INTERACTION"
	TierFullHTML      Tier = "FULL_HTML"
)

// AllTiers returns the default escalation order.
func AllTiers() []Tier {
	return []Tier{TierStatic, TierSliceFast, TierSliceBalanced, TierDynamic, TierFullHTML}
}

// IsAI reports whether the tier calls a language model.
func (t Tier) IsAI() bool {
	return t == TierSliceFast || t == TierSliceBalanced || t == TierFullHTML
}

// Extraction techniques. Combined with a Tier they form the method tag
// recorded in history.
const (
	MethodStructuredData  = "structured_data"
	MethodMicrodata       = "microdata"
	MethodMetaTag         = "meta_tag"
	MethodLearnedSelector = "learned_selector"
	MethodSiteSelector    = "site_selector"
	MethodGenericSelector = "generic_selector"
	MethodRegex           = "regex"
	MethodProximity       = "proximity"
	MethodLLM             = "llm"
	MethodLLMAdjudicated  = "llm_adjudicated"
	MethodNetworkJSON     = "NETWORK_JSON"
	MethodDOMText         = "DOM_TEXT"
	MethodAPIEndpoint     = "API_ENDPOINT"
)

// PriceCandidate is the unvalidated result of one extraction attempt.
type PriceCandidate struct {
	Value      decimal.Decimal `json:"value"`
	Currency   string          `json:"currency"`
	Tier       Tier            `json:"tier"`
	Method     string          `json:"method"`
	Confidence float64         `json:"confidence"`
	RawText    string          `json:"raw_text,omitempty"`
	Source     string          `json:"selector_or_source,omitempty"`
}

// MethodTag returns the tier+technique identifier, e.g.
// "STATIC:generic_selector".
func (c PriceCandidate) MethodTag() string {
	return string(c.Tier) + ":" + c.Method
}

// IsLearnable reports whether the candidate came from a merchant-specific
// CSS selector that may be remembered as the domain's learned selector.
// Generic selectors apply to every domain and are never learned.
func (c PriceCandidate) IsLearnable() bool {
	switch c.Method {
	case MethodSiteSelector, MethodLearnedSelector:
		return c.Source != ""
	}
	return false
}

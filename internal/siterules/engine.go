package siterules

import (
	"context"
	_ "embed"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// table is the on-disk shape of the rule document.
type table struct {
	Domains   map[string]DomainRule `yaml:"domains"`
	Blacklist []string              `yaml:"learned_selector_blacklist"`
}

// SelectorStore persists learned selectors. Implemented by store.Store.
type SelectorStore interface {
	GetLearnedSelector(ctx context.Context, domain string) (string, error)
	SaveLearnedSelector(ctx context.Context, domain, selector string) error
}

// Engine answers rule lookups. It is safe for concurrent use; the
// learned-selector cache is last-writer-wins.
type Engine struct {
	domains   map[string]DomainRule
	blacklist []*regexp.Regexp
	store     SelectorStore
	learned   sync.Map // domain -> string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSelectorStore backs the learned-selector cache with s.
func WithSelectorStore(s SelectorStore) Option {
	return func(e *Engine) { e.store = s }
}

// New builds an Engine from the embedded rule table.
func New(opts ...Option) (*Engine, error) {
	return Parse(defaultRules, opts...)
}

// Load builds an Engine from a rule file, or the embedded table when path
// is empty.
func Load(path string, opts ...Option) (*Engine, error) {
	if path == "" {
		return New(opts...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "siterules: read %s", path)
	}
	return Parse(data, opts...)
}

// Parse builds an Engine from a YAML rule document.
func Parse(data []byte, opts ...Option) (*Engine, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "siterules: parse rules")
	}

	e := &Engine{domains: make(map[string]DomainRule, len(t.Domains))}
	for domain, rule := range t.Domains {
		// Longest variant name first so "F1 Lite" is tried before "F1".
		sort.SliceStable(rule.Variants, func(i, j int) bool {
			return len(rule.Variants[i].Name) > len(rule.Variants[j].Name)
		})
		e.domains[NormalizeDomain(domain)] = rule
	}
	for _, pat := range t.Blacklist {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, eris.Wrapf(err, "siterules: blacklist pattern %q", pat)
		}
		e.blacklist = append(e.blacklist, re)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Domains returns the configured domains in sorted order.
func (e *Engine) Domains() []string {
	out := make([]string, 0, len(e.domains))
	for d := range e.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// RulesFor returns the effective rule for a domain, merging the first
// variant whose name appears in machineName and, when the variant
// declares URL substrings, whose substrings match rawURL. Returns nil when
// the domain has no rule.
func (e *Engine) RulesFor(domain, machineName, rawURL string) *SiteRule {
	d := NormalizeDomain(domain)
	dr, ok := e.domains[d]
	if !ok {
		return nil
	}

	rule := &SiteRule{
		Domain:              d,
		Selectors:           append([]string(nil), dr.Selectors...),
		Avoid:               append([]string(nil), dr.Avoid...),
		PriceRange:          dr.PriceRange,
		Currency:            dr.Currency,
		RequiresDynamic:     dr.RequiresDynamic,
		PrioritizeSalePrice: dr.PrioritizeSalePrice,
		AvoidMetaTags:       dr.AvoidMetaTags,
		AIHints:             dr.AIHints,
		ClickSequence:       dr.ClickSequence,
	}

	v := matchVariant(dr.Variants, machineName, rawURL)
	if v == nil {
		return rule
	}
	rule.Variant = v.Name
	rule.Keywords = v.Keywords
	if len(v.Selectors) > 0 {
		rule.Selectors = append([]string(nil), v.Selectors...)
	}
	rule.Avoid = append(rule.Avoid, v.Avoid...)
	if v.PriceRange != nil {
		rule.PriceRange = v.PriceRange
	}
	if len(v.ClickSequence) > 0 {
		rule.ClickSequence = v.ClickSequence
	}
	rule.ExpectedPrice = v.ExpectedPrice
	rule.Tolerance = v.Tolerance
	return rule
}

func matchVariant(variants []VariantRule, machineName, rawURL string) *VariantRule {
	name := strings.ToLower(machineName)
	lowerURL := strings.ToLower(rawURL)
	for i := range variants {
		v := &variants[i]
		if name == "" || !strings.Contains(name, strings.ToLower(v.Name)) {
			continue
		}
		if len(v.URLContains) == 0 {
			return v
		}
		for _, sub := range v.URLContains {
			if strings.Contains(lowerURL, strings.ToLower(sub)) {
				return v
			}
		}
	}
	return nil
}

// DomainOf extracts the normalised host from a URL. Returns "" on parse
// failure.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return NormalizeDomain(u.Host)
}

// IsBlacklisted reports whether a learned selector matches a pattern
// known to pick up bundle or add-on prices.
func (e *Engine) IsBlacklisted(selector string) bool {
	for _, re := range e.blacklist {
		if re.MatchString(selector) {
			return true
		}
	}
	return false
}

// LearnedSelectorFor returns the learned selector for a domain, or "".
// Blacklisted selectors are skipped and logged.
func (e *Engine) LearnedSelectorFor(ctx context.Context, domain string) string {
	d := NormalizeDomain(domain)
	sel, ok := e.cached(d)
	if !ok && e.store != nil {
		stored, err := e.store.GetLearnedSelector(ctx, d)
		if err != nil {
			zap.L().Warn("siterules: learned selector lookup failed",
				zap.String("domain", d), zap.Error(err))
			return ""
		}
		sel = stored
		e.learned.Store(d, sel)
	}
	if sel == "" {
		return ""
	}
	if e.IsBlacklisted(sel) {
		zap.L().Info("siterules: skipping blacklisted learned selector",
			zap.String("domain", d), zap.String("selector", sel))
		return ""
	}
	return sel
}

func (e *Engine) cached(domain string) (string, bool) {
	v, ok := e.learned.Load(domain)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// RememberSelector records a selector that produced a PASSED price.
// Returns false when the selector is blacklisted or the write fails.
func (e *Engine) RememberSelector(ctx context.Context, domain, selector string) bool {
	d := NormalizeDomain(domain)
	if d == "" || selector == "" || e.IsBlacklisted(selector) {
		return false
	}
	if cur, ok := e.cached(d); ok && cur == selector {
		return true
	}
	e.learned.Store(d, selector)
	if e.store == nil {
		return true
	}
	if err := e.store.SaveLearnedSelector(ctx, d, selector); err != nil {
		zap.L().Warn("siterules: save learned selector failed",
			zap.String("domain", d), zap.Error(err))
		return false
	}
	return true
}

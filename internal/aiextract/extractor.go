// Package aiextract asks a language model for the current price when the
// static heuristics fail. Three tiers differ in model and how much of the
// page they send.
package aiextract

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/priceparse"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

// Self-adjudication triggers.
const (
	adjudicateMinConfidence = 0.8
	adjudicateMinChange     = 0.5
)

// TierConfig configures one AI tier.
type TierConfig struct {
	Model     string `yaml:"model" mapstructure:"model"`
	MaxChars  int    `yaml:"max_chars" mapstructure:"max_chars"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Config configures the AI tiers.
type Config struct {
	SliceFast      TierConfig `yaml:"slice_fast" mapstructure:"slice_fast"`
	SliceBalanced  TierConfig `yaml:"slice_balanced" mapstructure:"slice_balanced"`
	FullHTML       TierConfig `yaml:"full_html" mapstructure:"full_html"`
	SelfAdjudicate bool       `yaml:"self_adjudicate" mapstructure:"self_adjudicate"`
}

// DefaultConfig returns the default tier models and budgets.
func DefaultConfig() Config {
	return Config{
		SliceFast:      TierConfig{Model: "claude-haiku-4-5-20251001", MaxChars: 20000, MaxTokens: 200},
		SliceBalanced:  TierConfig{Model: "claude-sonnet-4-5-20250929", MaxChars: 60000, MaxTokens: 300},
		FullHTML:       TierConfig{Model: "claude-sonnet-4-5-20250929", MaxChars: 180000, MaxTokens: 300},
		SelfAdjudicate: true,
	}
}

// Request is one extraction request.
type Request struct {
	HTML          string
	URL           string
	MachineName   string
	VariantHint   string
	Currency      string
	SiteHints     string
	PreviousPrice *decimal.Decimal
}

// Extractor runs the AI tiers against an Anthropic client.
type Extractor struct {
	client anthropic.Client
	cfg    Config
	calc   *cost.Calculator
}

// New creates an Extractor. calc may be nil, in which case estimated cost
// is zero.
func New(client anthropic.Client, cfg Config, calc *cost.Calculator) *Extractor {
	return &Extractor{client: client, cfg: cfg, calc: calc}
}

// TierConfig returns the configuration for tier.
func (e *Extractor) TierConfig(tier model.Tier) (TierConfig, bool) {
	switch tier {
	case model.TierSliceFast:
		return e.cfg.SliceFast, true
	case model.TierSliceBalanced:
		return e.cfg.SliceBalanced, true
	case model.TierFullHTML:
		return e.cfg.FullHTML, true
	}
	return TierConfig{}, false
}

// Extract runs one AI tier. Provider failures and unparsable answers are
// returned as an error outcome, never as a Go error, so the caller can
// keep escalating. Every model call yields a usage record.
func (e *Extractor) Extract(ctx context.Context, tier model.Tier, req Request) (model.TierOutcome, []model.AIUsage) {
	start := time.Now()
	tc, ok := e.TierConfig(tier)
	if !ok {
		return model.Failure(tier, eris.Errorf("aiextract: %s is not an AI tier", tier), nil), nil
	}
	log := zap.L().With(zap.String("tier", string(tier)), zap.String("url", req.URL), zap.String("model", tc.Model))

	html := Slice(req.HTML, tc.MaxChars)
	resp, usage, err := e.call(ctx, tier, tc, systemPrompt, buildPrompt(req, html), "extraction")
	usages := []model.AIUsage{usage}
	if err != nil {
		log.Warn("aiextract: provider error", zap.Error(err))
		return model.Failure(tier, err, []model.Attempt{failedAttempt(tier, model.MethodLLM, err, start)}), usages
	}

	ans, err := parseAnswer(resp.Text())
	if errors.Is(err, errNoPrice) {
		log.Debug("aiextract: model found no price")
		return model.Miss(tier, "model reported no price",
			[]model.Attempt{model.MissAttempt(tier, model.MethodLLM, "model reported no price").Timed(start)}), usages
	}
	if err != nil {
		usages[0].Success = false
		log.Warn("aiextract: unparsable response", zap.Error(err))
		return model.Failure(tier, err, []model.Attempt{failedAttempt(tier, model.MethodLLM, err, start)}), usages
	}

	c := &model.PriceCandidate{
		Value:      ans.Price,
		Currency:   currencyFor(ans.Raw, req.Currency),
		Tier:       tier,
		Method:     model.MethodLLM,
		Confidence: ans.Confidence,
		RawText:    ans.Raw,
		Source:     tc.Model,
	}
	attempts := []model.Attempt{model.HitAttempt(tier, model.MethodLLM, c).Timed(start)}

	if e.needsSelfAdjudication(c, req.PreviousPrice) {
		adjStart := time.Now()
		adjusted, adjUsage, err := e.selfAdjudicate(ctx, tier, tc, req, html, c)
		usages = append(usages, adjUsage)
		if err != nil {
			log.Warn("aiextract: self-adjudication failed, keeping first answer", zap.Error(err))
			attempts = append(attempts, failedAttempt(tier, model.MethodLLMAdjudicated, err, adjStart))
		} else {
			c = adjusted
			attempts = append(attempts, model.HitAttempt(tier, model.MethodLLMAdjudicated, c).Timed(adjStart))
		}
	}

	log.Debug("aiextract: candidate found", zap.String("price", c.Value.String()), zap.Float64("confidence", c.Confidence))
	return model.Hit(tier, c, attempts), usages
}

func (e *Extractor) needsSelfAdjudication(c *model.PriceCandidate, prev *decimal.Decimal) bool {
	if !e.cfg.SelfAdjudicate || prev == nil || !prev.IsPositive() {
		return false
	}
	if c.Confidence < adjudicateMinConfidence {
		return false
	}
	change := c.Value.Sub(*prev).Abs().Div(*prev).InexactFloat64()
	return change > adjudicateMinChange
}

// selfAdjudicate re-asks the model with the previous and new prices side
// by side and returns whichever it asserts is current.
func (e *Extractor) selfAdjudicate(ctx context.Context, tier model.Tier, tc TierConfig, req Request, html string, c *model.PriceCandidate) (*model.PriceCandidate, model.AIUsage, error) {
	resp, usage, err := e.call(ctx, tier, tc, adjudicationSystemPrompt, buildAdjudicationPrompt(req, html, c.Value), "self_adjudication")
	if err != nil {
		return nil, usage, err
	}
	d, err := parseDecision(resp.Text())
	if err != nil {
		return nil, usage, err
	}

	out := *c
	out.Method = model.MethodLLMAdjudicated
	if d.Confidence > 0 {
		out.Confidence = d.Confidence
	}
	switch d.Decision {
	case DecisionPrevious:
		out.Value = *req.PreviousPrice
		out.RawText = "previous: " + req.PreviousPrice.String()
	case DecisionAlternative:
		out.Value = *d.Price
		out.RawText = "alternative: " + d.Price.String()
	}
	zap.L().Info("aiextract: self-adjudication",
		zap.String("url", req.URL),
		zap.String("decision", string(d.Decision)),
		zap.String("price", out.Value.String()),
		zap.String("reason", d.Reason),
	)
	return &out, usage, nil
}

// call sends one message and builds its usage record.
func (e *Extractor) call(ctx context.Context, tier model.Tier, tc TierConfig, system, prompt, purpose string) (*anthropic.MessageResponse, model.AIUsage, error) {
	usage := model.AIUsage{Model: tc.Model, Tier: tier, Purpose: purpose, CreatedAt: time.Now().UTC()}

	resp, err := e.client.CreateMessage(ctx, anthropic.Prompt(tc.Model, tc.MaxTokens, system, prompt))
	if err != nil {
		return nil, usage, eris.Wrapf(err, "aiextract: %s call", tier)
	}

	u := resp.Usage
	usage.PromptTokens = u.Prompt()
	usage.CompletionTokens = u.OutputTokens
	usage.Success = !resp.Truncated()
	if e.calc != nil {
		usage.EstimatedCost = e.calc.Claude(tc.Model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	if resp.Truncated() {
		return nil, usage, eris.Errorf("aiextract: %s answer truncated at %d tokens", tier, tc.MaxTokens)
	}
	return resp, usage, nil
}

func failedAttempt(tier model.Tier, technique string, err error, start time.Time) model.Attempt {
	return model.Attempt{Tier: tier, Technique: technique, Outcome: model.OutcomeError, Reason: err.Error()}.Timed(start)
}

func currencyFor(raw, fallback string) string {
	if c := priceparse.DetectCurrency(raw); c != "" {
		return c
	}
	return strings.ToUpper(fallback)
}

// IsRateLimit reports whether err looks like a provider rate limit.
func IsRateLimit(err error) bool {
	return resilience.IsRateLimit(err)
}

// Package validate decides whether an extracted price is trustworthy,
// needs a human, or must be rejected.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/priceparse"
	"github.com/sells-group/pricewatch/internal/siterules"
)

// Change bands and their confidence penalties.
const (
	ExtremeChange  = 0.80
	LargeChange    = 0.50
	ExtremePenalty = 0.5
	LargePenalty   = 0.3
	NotablePenalty = 0.1
)

// Config holds validator thresholds.
type Config struct {
	MinAllowedPrice         float64 `yaml:"min_allowed_price" mapstructure:"min_allowed_price"`
	MaxAllowedPrice         float64 `yaml:"max_allowed_price" mapstructure:"max_allowed_price"`
	ConfidenceThreshold     float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MinExtractionConfidence float64 `yaml:"min_extraction_confidence" mapstructure:"min_extraction_confidence"`
	SanityThreshold         float64 `yaml:"sanity_threshold" mapstructure:"sanity_threshold"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinAllowedPrice:         10,
		MaxAllowedPrice:         50000,
		ConfidenceThreshold:     0.6,
		MinExtractionConfidence: 0.5,
		SanityThreshold:         0.25,
	}
}

// Input is one validation request.
type Input struct {
	Candidate     model.PriceCandidate
	PreviousPrice *decimal.Decimal
	// MachineCurrency is the machine's established currency. Empty skips
	// the currency check.
	MachineCurrency string
	// MerchantRange overrides the global band when set.
	MerchantRange *siterules.PriceRange
	// SanityThreshold overrides Config.SanityThreshold when positive.
	SanityThreshold float64
	MachineName     string
	Category        string
}

// Adjudicator is an independent judgement on a borderline price change.
type Adjudicator interface {
	Adjudicate(ctx context.Context, req AdjudicationRequest) (*Adjudication, error)
}

// AdjudicationRequest carries the context an adjudicator sees.
type AdjudicationRequest struct {
	MachineName   string
	Category      string
	PreviousPrice decimal.Decimal
	NewPrice      decimal.Decimal
	PercentChange float64
	Method        string
}

// Adjudication is the adjudicator's verdict.
type Adjudication struct {
	Valid      bool
	Confidence float64
	Reason     string
	Usage      *model.AIUsage
}

// Validator applies the structural checks, the change-penalty ladder and
// optional adjudication.
type Validator struct {
	cfg         Config
	adjudicator Adjudicator
	onUsage     func(model.AIUsage)
}

// Option configures a Validator.
type Option func(*Validator)

// WithAdjudicator enables model adjudication of flagged changes.
func WithAdjudicator(a Adjudicator) Option {
	return func(v *Validator) { v.adjudicator = a }
}

// WithUsageSink receives the usage record of every adjudication call.
func WithUsageSink(fn func(model.AIUsage)) Option {
	return func(v *Validator) { v.onUsage = fn }
}

// New creates a Validator. Zero thresholds take their defaults.
func New(cfg Config, opts ...Option) *Validator {
	def := DefaultConfig()
	if cfg.MinAllowedPrice <= 0 {
		cfg.MinAllowedPrice = def.MinAllowedPrice
	}
	if cfg.MaxAllowedPrice <= 0 {
		cfg.MaxAllowedPrice = def.MaxAllowedPrice
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MinExtractionConfidence <= 0 {
		cfg.MinExtractionConfidence = def.MinExtractionConfidence
	}
	if cfg.SanityThreshold <= 0 {
		cfg.SanityThreshold = def.SanityThreshold
	}
	v := &Validator{cfg: cfg}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// Validate returns the verdict for one candidate.
func (v *Validator) Validate(ctx context.Context, in Input) model.ValidationVerdict {
	price := in.Candidate.Value
	conf := in.Candidate.Confidence

	if !price.IsPositive() {
		return failed(model.ReasonInvalidPriceValue, fmt.Sprintf("price must be positive, got %s", price))
	}
	if minV, maxV := v.band(in.MerchantRange); price.LessThan(minV) || price.GreaterThan(maxV) {
		return failed(model.ReasonOutOfRange, fmt.Sprintf("price %s outside [%s, %s]", price, minV, maxV))
	}
	if !currencyMatches(in.Candidate.Currency, in.MachineCurrency) {
		return failed(model.ReasonCurrencyMismatch,
			fmt.Sprintf("candidate currency %s does not match machine currency %s", in.Candidate.Currency, in.MachineCurrency))
	}

	verdict := model.ValidationVerdict{IsValid: true, Confidence: conf}

	if in.PreviousPrice == nil || !in.PreviousPrice.IsPositive() {
		if conf < v.cfg.MinExtractionConfidence {
			verdict.Status = model.StatusNeedsReview
			verdict.NeedsManualReview = true
			verdict.ReasonCode = model.ReasonLowConfidence
			verdict.Reason = fmt.Sprintf("first price with extraction confidence %.2f below %.2f", conf, v.cfg.MinExtractionConfidence)
			return verdict
		}
		verdict.Status = model.StatusPassed
		return verdict
	}

	prev := *in.PreviousPrice
	change := price.Sub(prev).Abs().Div(prev).InexactFloat64()
	verdict.PercentChange = &change
	verdict.PriceUnchanged = price.Equal(prev)

	sanity := v.cfg.SanityThreshold
	if in.SanityThreshold > 0 {
		sanity = in.SanityThreshold
	}
	penalty, code := Penalty(change, sanity)
	if penalty > 0 {
		verdict.Penalty = penalty
		verdict.NeedsManualReview = true
		verdict.ReasonCode = code
		verdict.Reason = fmt.Sprintf("%s: %.1f%% change from %s to %s", code, change*100, prev, price)
	}
	verdict.Confidence = max(0, conf-penalty)

	if verdict.NeedsManualReview && change <= ExtremeChange && v.adjudicator != nil {
		if adj := v.adjudicate(ctx, in, prev, change); adj != nil {
			verdict.Adjudicated = true
			if adj.Valid && adj.Confidence >= v.cfg.ConfidenceThreshold {
				verdict.Status = model.StatusPassed
				verdict.Confidence = adj.Confidence
				verdict.NeedsManualReview = false
				verdict.Reason = "llm_adjudication: " + adj.Reason
				return verdict
			}
			if !adj.Valid {
				verdict.Status = model.StatusNeedsReview
				verdict.ReasonCode = model.ReasonLLMRejected
				verdict.Reason = "llm_adjudication: " + adj.Reason
				return verdict
			}
		}
	}

	switch {
	case verdict.NeedsManualReview:
		verdict.Status = model.StatusNeedsReview
	case verdict.Confidence < v.cfg.ConfidenceThreshold:
		verdict.Status = model.StatusNeedsReview
		verdict.ReasonCode = model.ReasonLowConfidence
		verdict.Reason = fmt.Sprintf("validation confidence %.2f below %.2f", verdict.Confidence, v.cfg.ConfidenceThreshold)
	default:
		verdict.Status = model.StatusPassed
	}
	return verdict
}

// ValidateText parses raw text and validates the result as a manual
// override with full confidence.
func (v *Validator) ValidateText(ctx context.Context, raw string, in Input) model.ValidationVerdict {
	price, err := priceparse.Parse(raw)
	if err != nil {
		return failed(model.ReasonConversionError, err.Error())
	}
	in.Candidate.Value = price
	if in.Candidate.Currency == "" {
		in.Candidate.Currency = priceparse.DetectCurrency(raw)
	}
	if in.Candidate.Confidence == 0 {
		in.Candidate.Confidence = 1
	}
	return v.Validate(ctx, in)
}

// Penalty returns the confidence penalty for a relative change. Only the
// most severe band applies.
func Penalty(change, sanity float64) (float64, string) {
	switch {
	case change > ExtremeChange:
		return ExtremePenalty, model.ReasonExtremeChange
	case change > LargeChange:
		return LargePenalty, model.ReasonLargeChange
	case change > sanity:
		return NotablePenalty, model.ReasonNotableChange
	}
	return 0, ""
}

func (v *Validator) band(r *siterules.PriceRange) (decimal.Decimal, decimal.Decimal) {
	minV := decimal.NewFromFloat(v.cfg.MinAllowedPrice)
	maxV := decimal.NewFromFloat(v.cfg.MaxAllowedPrice)
	if r != nil {
		if r.Min > 0 {
			minV = decimal.NewFromFloat(r.Min)
		}
		if r.Max > 0 {
			maxV = decimal.NewFromFloat(r.Max)
		}
	}
	return minV, maxV
}

func (v *Validator) adjudicate(ctx context.Context, in Input, prev decimal.Decimal, change float64) *Adjudication {
	adj, err := v.adjudicator.Adjudicate(ctx, AdjudicationRequest{
		MachineName:   in.MachineName,
		Category:      in.Category,
		PreviousPrice: prev,
		NewPrice:      in.Candidate.Value,
		PercentChange: change,
		Method:        in.Candidate.MethodTag(),
	})
	if err != nil {
		zap.L().Warn("validate: adjudication failed", zap.String("machine", in.MachineName), zap.Error(err))
		return nil
	}
	if adj.Usage != nil && v.onUsage != nil {
		v.onUsage(*adj.Usage)
	}
	return adj
}

func failed(code, reason string) model.ValidationVerdict {
	return model.ValidationVerdict{
		IsValid:    false,
		Confidence: 0,
		Status:     model.StatusFailed,
		ReasonCode: code,
		Reason:     reason,
	}
}

// NormalizeCurrency returns the ISO 4217 code for s, or "" when s is not
// a recognised currency.
func NormalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !isAlpha(s) {
		s = priceparse.DetectCurrency(s)
	}
	u, err := currency.ParseISO(s)
	if err != nil {
		return ""
	}
	return u.String()
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// currencyMatches treats an unknown side as matching.
func currencyMatches(candidate, machine string) bool {
	c, m := NormalizeCurrency(candidate), NormalizeCurrency(machine)
	if c == "" || m == "" {
		return true
	}
	return c == m
}

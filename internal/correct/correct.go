// Package correct repairs common digit-loss defects in extracted prices
// by comparing them to the previous accepted price.
package correct

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/siterules"
)

// Correction rules, recorded on the result.
const (
	RuleMissingLeadingDigit = "missing_leading_digit"
	RuleDecimalMisplaced    = "decimal_misplaced"
	RuleMerchantRange       = "merchant_range_scale"
)

// Defaults.
const (
	DefaultTriggerChange = 0.25
	DefaultTolerance     = 0.20
)

var (
	ten     = decimal.NewFromInt(10)
	hundred = decimal.NewFromInt(100)
	fifth   = decimal.NewFromFloat(0.2)
)

// Result is the outcome of one correction pass.
type Result struct {
	Price       decimal.Decimal `json:"price"`
	Original    decimal.Decimal `json:"original"`
	Corrected   bool            `json:"corrected"`
	Rule        string          `json:"rule,omitempty"`
	LargeChange bool            `json:"large_change"`
}

// Corrector applies bounded correction heuristics.
type Corrector struct {
	// TriggerChange is the relative change above which correction is
	// attempted.
	TriggerChange float64
	// Tolerance is how close to the previous price a corrected value must
	// land to be accepted.
	Tolerance float64
	// MaxScaleSteps bounds the x10 loops.
	MaxScaleSteps int
}

// New returns a Corrector with default thresholds.
func New() *Corrector {
	return &Corrector{
		TriggerChange: DefaultTriggerChange,
		Tolerance:     DefaultTolerance,
		MaxScaleSteps: 6,
	}
}

// Correct compares candidate to previous and returns a repaired price when
// one of the rules converges. Without a previous price, or when the
// change is within TriggerChange, the candidate is returned unchanged.
// When no rule converges the result is flagged LargeChange and left
// uncorrected for the validator.
func (c *Corrector) Correct(candidate decimal.Decimal, previous *decimal.Decimal, merchant *siterules.PriceRange) Result {
	res := Result{Price: candidate, Original: candidate}
	if previous == nil || !previous.IsPositive() || !candidate.IsPositive() {
		return res
	}
	prev := *previous

	if relChange(candidate, prev) <= c.TriggerChange {
		return res
	}

	// Only a candidate below a fifth of previous is rescaled. Any x10
	// factor lands at twice previous or more otherwise, so single-step and
	// x1000 repairs are both steps of this loop.
	if candidate.LessThan(prev.Mul(fifth)) {
		half := prev.Mul(decimal.NewFromFloat(0.5))
		v := candidate
		steps := 0
		for ; steps < c.MaxScaleSteps && v.LessThan(half); steps++ {
			v = v.Mul(ten)
		}
		if c.within(v, prev) {
			rule := RuleMissingLeadingDigit
			if steps == 3 && candidate.LessThan(hundred) {
				rule = RuleDecimalMisplaced
			}
			return c.accept(res, v, rule)
		}
	}

	if merchant != nil && merchant.Min > 0 {
		minV := decimal.NewFromFloat(merchant.Min)
		if candidate.LessThan(minV) && merchant.Contains(prev) {
			v := candidate
			for i := 0; i < c.MaxScaleSteps && v.LessThan(minV); i++ {
				v = v.Mul(ten)
			}
			if merchant.Contains(v) {
				return c.accept(res, v, RuleMerchantRange)
			}
		}
	}

	res.LargeChange = true
	return res
}

func (c *Corrector) accept(res Result, v decimal.Decimal, rule string) Result {
	res.Price = v
	res.Corrected = true
	res.Rule = rule
	return res
}

func (c *Corrector) within(v, prev decimal.Decimal) bool {
	return relChange(v, prev) <= c.Tolerance
}

// relChange is |v-ref|/ref.
func relChange(v, ref decimal.Decimal) float64 {
	return v.Sub(ref).Abs().Div(ref).InexactFloat64()
}

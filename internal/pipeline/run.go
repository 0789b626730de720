package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/correct"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/scrape"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/validate"
)

// evaluation is one candidate after correction and validation.
type evaluation struct {
	candidate  model.PriceCandidate
	original   decimal.Decimal
	correction correct.Result
	verdict    model.ValidationVerdict
	endpoint   *model.DiscoveredEndpoint
}

// run is the per-extraction state threaded through the tier loop.
type run struct {
	machine model.MachineRecord
	opts    RunOptions
	log     *zap.Logger
	started time.Time

	domain   string
	rule     *siterules.SiteRule
	learned  string
	merchant *siterules.PriceRange
	previous *model.PreviousPrice

	page     *scrape.Page
	fetchErr error

	attempts []model.Attempt
	usage    []model.AIUsage

	// chosen is the evaluation that stopped escalation or, when none did,
	// the best one seen.
	chosen   *evaluation
	fallback *evaluation
	result   *model.ExtractionResult
}

func (p *Pipeline) newRun(m model.MachineRecord, opts RunOptions) *run {
	return &run{
		machine: m,
		opts:    opts,
		started: p.now(),
		log: zap.L().With(
			zap.String("machine_id", m.ID),
			zap.String("variant", m.VariantAttribute),
			zap.String("url", m.ProductURL),
		),
		result: &model.ExtractionResult{
			MachineID:        m.ID,
			VariantAttribute: m.VariantAttribute,
			URL:              m.ProductURL,
			DryRun:           opts.DryRun,
		},
	}
}

// loadContext resolves the site rule, learned selector and previous price.
func (r *run) loadContext(ctx context.Context, p *Pipeline) error {
	m := r.machine
	r.domain = siterules.DomainOf(m.ProductURL)
	if p.deps.Rules != nil {
		r.rule = p.deps.Rules.RulesFor(r.domain, m.Name, m.ProductURL)
		r.learned = p.deps.Rules.LearnedSelectorFor(ctx, r.domain)
	}
	r.merchant = p.cfg.Validation.MerchantRange(r.domain)

	prev, err := p.deps.Store.GetPreviousPrice(ctx, m.ID, m.VariantAttribute)
	if err != nil {
		return eris.Wrap(err, "pipeline: previous price")
	}
	if prev == nil && m.LastKnownPrice != nil && m.LastKnownPrice.IsPositive() {
		prev = &model.PreviousPrice{Price: *m.LastKnownPrice, Currency: m.Currency}
	}
	r.previous = prev
	if prev != nil {
		pp := prev.Price
		r.result.PreviousPrice = &pp
	}
	return nil
}

func (r *run) previousPrice() *decimal.Decimal {
	if r.previous == nil {
		return nil
	}
	v := r.previous.Price
	return &v
}

// currency is the machine's established currency, falling back to the
// rule's and then to the previous price's.
func (r *run) currency() string {
	switch {
	case r.machine.Currency != "":
		return r.machine.Currency
	case r.rule != nil && r.rule.Currency != "":
		return r.rule.Currency
	case r.previous != nil:
		return r.previous.Currency
	}
	return ""
}

// correctionRange is the band the corrector's merchant rule must land in.
func (r *run) correctionRange() *siterules.PriceRange {
	if r.merchant != nil {
		return r.merchant
	}
	return r.rule.EffectiveRange()
}

// evaluate corrects and validates c. It reports whether escalation should
// stop.
func (p *Pipeline) evaluate(ctx context.Context, r *run, c model.PriceCandidate, ep *model.DiscoveredEndpoint) bool {
	ev := &evaluation{candidate: c, original: c.Value, endpoint: ep}

	ev.correction = p.deps.Corrector.Correct(c.Value, r.previousPrice(), r.correctionRange())
	if ev.correction.Corrected {
		r.log.Info("pipeline: price corrected",
			zap.String("tier", string(c.Tier)),
			zap.String("rule", ev.correction.Rule),
			zap.String("from", c.Value.String()),
			zap.String("to", ev.correction.Price.String()),
		)
		ev.candidate.Value = ev.correction.Price
	}

	ev.verdict = p.deps.Validator.Validate(ctx, validate.Input{
		Candidate:       ev.candidate,
		PreviousPrice:   r.previousPrice(),
		MachineCurrency: r.currency(),
		MerchantRange:   r.merchant,
		MachineName:     r.machine.Name,
		Category:        r.machine.Category,
	})
	p.deps.Recorder.Verdict(ev.verdict.Status, ev.verdict.ReasonCode)

	v := ev.candidate.Value
	r.attempts = append(r.attempts, model.Attempt{
		Tier:       c.Tier,
		Technique:  "validate",
		Outcome:    model.OutcomeCandidate,
		Price:      &v,
		Confidence: ev.verdict.Confidence,
		Source:     c.MethodTag(),
		Reason:     ev.verdict.Reason,
		Status:     ev.verdict.Status,
	})
	r.log.Info("pipeline: candidate validated",
		zap.String("tier", string(c.Tier)),
		zap.String("method", c.Method),
		zap.String("price", v.String()),
		zap.String("status", string(ev.verdict.Status)),
		zap.String("reason_code", ev.verdict.ReasonCode),
		zap.Float64("confidence", ev.verdict.Confidence),
	)

	threshold := p.cfg.Extraction.ConfidenceThreshold
	switch ev.verdict.Status {
	case model.StatusPassed, model.StatusNeedsReview:
		if c.Confidence >= threshold {
			r.chosen = ev
			return true
		}
	}
	if better(ev, r.fallback) {
		r.fallback = ev
	}
	return false
}

var statusRank = map[model.ValidationStatus]int{
	model.StatusPassed:      3,
	model.StatusNeedsReview: 2,
	model.StatusFailed:      1,
}

// better prefers PASSED over NEEDS_REVIEW over FAILED, then the higher
// validation confidence. Ties keep the earlier tier.
func better(a, b *evaluation) bool {
	if b == nil {
		return true
	}
	ra, rb := statusRank[a.verdict.Status], statusRank[b.verdict.Status]
	if ra != rb {
		return ra > rb
	}
	return a.verdict.Confidence > b.verdict.Confidence
}

// settle fills the result from the chosen evaluation.
func (r *run) settle() {
	if r.chosen == nil {
		r.chosen = r.fallback
	}
	res := r.result
	ev := r.chosen
	if ev == nil {
		res.Status = model.StatusFailed
		switch {
		case res.FailureReason != "":
		case r.fetchErr != nil:
			res.FailureReason = "fetch failed: " + r.fetchErr.Error()
		default:
			res.FailureReason = "no price found by any tier"
		}
		return
	}

	price := ev.candidate.Value
	original := ev.original
	verdict := ev.verdict
	res.Status = verdict.Status
	res.Price = &price
	res.OriginalPrice = &original
	res.Currency = ev.candidate.Currency
	if res.Currency == "" {
		res.Currency = r.currency()
	}
	res.Tier = ev.candidate.Tier
	res.Method = ev.candidate.MethodTag()
	res.Source = ev.candidate.Source
	res.Confidence = ev.candidate.Confidence
	res.Corrected = ev.correction.Corrected
	res.CorrectionRule = ev.correction.Rule
	res.Verdict = &verdict
	if verdict.Status == model.StatusFailed {
		res.FailureReason = verdict.ReasonCode + ": " + verdict.Reason
	}
	if verdict.Status == model.StatusPassed && ev.endpoint != nil {
		res.DiscoveredEndpoint = ev.endpoint
	}
}

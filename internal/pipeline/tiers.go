package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/aiextract"
	"github.com/sells-group/pricewatch/internal/dynamic"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/static"
)

// tierOrder is the default escalation order, with the browser tier pulled
// forward for sites that only render prices client-side.
func tierOrder(rule *siterules.SiteRule) []model.Tier {
	if rule != nil && rule.RequiresDynamic {
		return []model.Tier{model.TierStatic, model.TierDynamic, model.TierSliceFast, model.TierSliceBalanced, model.TierFullHTML}
	}
	return model.AllTiers()
}

// runTier executes one tier and evaluates its candidate. It reports
// whether escalation should stop.
func (p *Pipeline) runTier(ctx context.Context, r *run, tier model.Tier) bool {
	start := time.Now()
	var (
		outcome  model.TierOutcome
		endpoint *model.DiscoveredEndpoint
	)

	switch {
	case tier == model.TierDynamic:
		if p.deps.Dynamic == nil {
			r.skip(tier, "browser tier disabled")
			return false
		}
		outcome, endpoint = p.dynamicTier(ctx, r)
	case r.page == nil:
		r.skip(tier, "no page content")
		return false
	case tier == model.TierStatic:
		outcome = p.deps.Static.Outcome(static.Input{
			HTML:            r.page.HTML,
			URL:             r.machine.ProductURL,
			Rule:            r.rule,
			LearnedSelector: r.learned,
			PreviousPrice:   r.previousPrice(),
			Currency:        r.currency(),
		})
	case tier.IsAI():
		if p.deps.AI == nil {
			r.skip(tier, "AI tiers disabled")
			return false
		}
		var usage []model.AIUsage
		outcome, usage = p.deps.AI.Extract(ctx, tier, p.aiRequest(r))
		p.recordUsage(r, usage)
	default:
		r.skip(tier, "unknown tier")
		return false
	}

	p.deps.Recorder.TierOutcome(outcome, time.Since(start))
	r.attempts = append(r.attempts, outcome.Attempts...)

	if outcome.Err != nil && isCancellation(outcome.Err) {
		return true
	}
	if !outcome.Found() {
		r.log.Debug("pipeline: tier miss",
			zap.String("tier", string(tier)),
			zap.String("kind", string(outcome.Kind)),
			zap.String("reason", outcome.Reason),
		)
		return false
	}
	return p.evaluate(ctx, r, *outcome.Candidate, endpoint)
}

func (r *run) skip(tier model.Tier, reason string) {
	r.attempts = append(r.attempts, model.MissAttempt(tier, "skipped", reason))
}

func (p *Pipeline) aiRequest(r *run) aiextract.Request {
	req := aiextract.Request{
		HTML:          r.page.HTML,
		URL:           r.machine.ProductURL,
		MachineName:   r.machine.Name,
		VariantHint:   r.machine.VariantAttribute,
		Currency:      r.currency(),
		PreviousPrice: r.previousPrice(),
	}
	if r.rule != nil {
		req.SiteHints = r.rule.AIHints
	}
	return req
}

// dynamicTier replays a known endpoint first and renders the page only
// when that misses and the browser is not cooling down.
func (p *Pipeline) dynamicTier(ctx context.Context, r *run) (model.TierOutcome, *model.DiscoveredEndpoint) {
	req := dynamic.Request{
		URL:              r.machine.ProductURL,
		VariantAttribute: r.machine.VariantAttribute,
		Rule:             r.rule,
		Currency:         r.currency(),
	}

	var replay []model.Attempt
	ep, err := p.deps.Store.GetDiscoveredEndpoint(ctx, r.domain, r.machine.VariantAttribute)
	switch {
	case err != nil:
		r.log.Warn("pipeline: load discovered endpoint", zap.Error(err))
	case ep != nil:
		out := p.deps.Dynamic.FromEndpoint(ctx, *ep, req)
		if out.Found() {
			return out, nil
		}
		replay = out.Attempts
	}

	if !p.deps.Dynamic.Available() {
		attempts := append(replay, model.MissAttempt(model.TierDynamic, "skipped", "browser disabled or cooling down"))
		return model.Miss(model.TierDynamic, "browser unavailable", attempts), nil
	}

	out, discovered := p.deps.Dynamic.Extract(ctx, req)
	out.Attempts = append(replay, out.Attempts...)
	return out, discovered
}

func (p *Pipeline) recordUsage(r *run, usage []model.AIUsage) {
	now := p.now()
	for i := range usage {
		usage[i].MachineID = r.machine.ID
		if usage[i].CreatedAt.IsZero() {
			usage[i].CreatedAt = now
		}
		p.deps.Recorder.AIUsage(usage[i])
	}
	r.usage = append(r.usage, usage...)
}

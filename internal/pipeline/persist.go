package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// persist writes the history entry and the follow-up records its status
// calls for. Only the history write is fatal; the rest are logged.
func (p *Pipeline) persist(ctx context.Context, r *run) error {
	res := r.result
	st := p.deps.Store
	completed := p.now()

	entry := &model.PriceHistoryEntry{
		MachineID:        r.machine.ID,
		VariantAttribute: r.machine.VariantAttribute,
		Price:            res.Price,
		PreviousPrice:    res.PreviousPrice,
		Currency:         res.Currency,
		Tier:             res.Tier,
		Method:           res.Method,
		Corrected:        res.Corrected,
		Attempts:         r.attempts,
		BatchID:          r.opts.BatchID,
		StartedAt:        r.started,
		CompletedAt:      completed,
		FailureReason:    res.FailureReason,
	}
	if res.Verdict != nil {
		entry.Status = res.Verdict.HistoryStatus()
		entry.ExtractedConfidence = res.Confidence
		entry.ValidationConfidence = res.Verdict.Confidence
		if res.Verdict.Status == model.StatusNeedsReview {
			entry.ReviewReason = res.Verdict.Reason
		}
	} else {
		entry.Status = model.HistoryFailed
	}

	if entry.Status == model.HistorySuccess && res.Price != nil {
		low, high, err := st.GetPriceExtremes(ctx, r.machine.ID, r.machine.VariantAttribute)
		if err != nil {
			r.log.Warn("pipeline: price extremes", zap.Error(err))
		} else {
			entry.IsAllTimeLow = low != nil && res.Price.LessThan(*low)
			entry.IsAllTimeHigh = high != nil && res.Price.GreaterThan(*high)
		}
	}

	id, err := st.SavePriceHistory(ctx, entry)
	if err != nil {
		return eris.Wrap(err, "pipeline: save price history")
	}
	res.HistoryID = id

	switch res.Status {
	case model.StatusPassed:
		p.acceptPrice(ctx, r, completed)
	case model.StatusNeedsReview:
		err := st.SetManualReviewFlag(ctx, model.ReviewItem{
			MachineID:        r.machine.ID,
			VariantAttribute: r.machine.VariantAttribute,
			Reason:           res.Verdict.Reason,
			FlaggedAt:        completed,
			CandidatePrice:   res.Price,
			HistoryID:        id,
		})
		if err != nil {
			r.log.Warn("pipeline: set review flag", zap.Error(err))
		}
	}

	if len(r.usage) > 0 {
		if err := st.SaveAIUsage(ctx, r.usage); err != nil {
			r.log.Warn("pipeline: save ai usage", zap.Error(err))
		}
	}
	if err := st.TouchMachine(ctx, r.machine.ID, completed); err != nil {
		r.log.Warn("pipeline: touch machine", zap.Error(err))
	}
	return nil
}

// acceptPrice publishes a PASSED price and feeds back what found it.
func (p *Pipeline) acceptPrice(ctx context.Context, r *run, at time.Time) {
	res := r.result
	err := p.deps.Store.UpsertLatestPrice(ctx, model.LatestPrice{
		MachineID:        r.machine.ID,
		VariantAttribute: r.machine.VariantAttribute,
		Price:            *res.Price,
		Currency:         res.Currency,
		Tier:             res.Tier,
		Confidence:       res.Verdict.Confidence,
		UpdatedAt:        at,
	})
	if err != nil {
		r.log.Warn("pipeline: upsert latest price", zap.Error(err))
	}

	if c := r.chosen.candidate; c.IsLearnable() && p.deps.Rules != nil {
		if p.deps.Rules.RememberSelector(ctx, r.domain, c.Source) {
			r.log.Debug("pipeline: remembered selector", zap.String("selector", c.Source))
		}
	}
	if ep := res.DiscoveredEndpoint; ep != nil {
		if err := p.deps.Store.SaveDiscoveredEndpoint(ctx, *ep); err != nil {
			r.log.Warn("pipeline: save discovered endpoint", zap.Error(err))
		}
	}
}

// Package pipeline sequences the extraction tiers for one machine,
// corrects and validates every candidate, and persists the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/aiextract"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/correct"
	"github.com/sells-group/pricewatch/internal/dynamic"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/scrape"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/static"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/internal/validate"
)

// ErrCancelled is returned when the caller cancels an extraction. Nothing
// is persisted for a cancelled run.
var ErrCancelled = eris.New("pipeline: extraction cancelled")

// AIExtractor runs the language-model tiers.
type AIExtractor interface {
	Extract(ctx context.Context, tier model.Tier, req aiextract.Request) (model.TierOutcome, []model.AIUsage)
}

// DynamicExtractor runs the browser tier and replays discovered endpoints.
type DynamicExtractor interface {
	Extract(ctx context.Context, req dynamic.Request) (model.TierOutcome, *model.DiscoveredEndpoint)
	FromEndpoint(ctx context.Context, ep model.DiscoveredEndpoint, req dynamic.Request) model.TierOutcome
	Available() bool
}

// Validator decides whether a corrected candidate is trustworthy.
type Validator interface {
	Validate(ctx context.Context, in validate.Input) model.ValidationVerdict
}

// Deps are the collaborators of a Pipeline. AI and Dynamic may be nil, in
// which case their tiers are skipped.
type Deps struct {
	Store     store.Store
	Fetcher   scrape.Fetcher
	Rules     *siterules.Engine
	Static    *static.Extractor
	AI        AIExtractor
	Dynamic   DynamicExtractor
	Corrector *correct.Corrector
	Validator Validator
	Recorder  monitoring.Recorder
}

// RunOptions tune a single extraction.
type RunOptions struct {
	BatchID string
	// DryRun extracts and validates without writing anything.
	DryRun bool
}

// Pipeline orchestrates the tiers for one machine at a time. It holds no
// per-run state and is safe for concurrent use.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
	now  func() time.Time
}

// New creates a Pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	if deps.Static == nil {
		deps.Static = static.New()
	}
	if deps.Corrector == nil {
		deps.Corrector = correct.New()
	}
	if deps.Recorder == nil {
		deps.Recorder = monitoring.Nop{}
	}
	return &Pipeline{cfg: cfg, deps: deps, now: time.Now}
}

// Run loads the machine and extracts its price.
func (p *Pipeline) Run(ctx context.Context, machineID string, opts RunOptions) (*model.ExtractionResult, error) {
	m, err := p.deps.Store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get machine %s", machineID)
	}
	return p.Extract(ctx, *m, opts)
}

// Extract runs the tier loop for m. Tier errors never surface here; the
// returned error is reserved for cancellation and persistence failures.
// A panic anywhere below is recorded as a FAILED run.
func (p *Pipeline) Extract(ctx context.Context, m model.MachineRecord, opts RunOptions) (res *model.ExtractionResult, err error) {
	r := p.newRun(m, opts)
	log := r.log

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline: panic during extraction",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			r.result = &model.ExtractionResult{
				MachineID:        m.ID,
				VariantAttribute: m.VariantAttribute,
				URL:              m.ProductURL,
				PreviousPrice:    r.result.PreviousPrice,
				FetchCost:        r.result.FetchCost,
				DryRun:           opts.DryRun,
				Status:           model.StatusFailed,
				FailureReason:    fmt.Sprintf("panic: %v", rec),
			}
			r.chosen = nil
			res, err = p.finish(ctx, r)
		}
	}()

	log.Info("pipeline: starting extraction")

	if err := r.loadContext(ctx, p); err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}

	r.page, r.fetchErr = p.fetch(ctx, m.ProductURL)
	if r.page != nil {
		r.result.FetchCost = r.page.Cost
	}
	if ctx.Err() != nil {
		log.Info("pipeline: cancelled during fetch")
		return nil, ErrCancelled
	}

	for _, tier := range tierOrder(r.rule) {
		if ctx.Err() != nil {
			log.Info("pipeline: cancelled", zap.String("tier", string(tier)))
			return nil, ErrCancelled
		}
		if stop := p.runTier(ctx, r, tier); stop {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	r.settle()
	return p.finish(ctx, r)
}

// finish persists the run (unless dry) and records metrics.
func (p *Pipeline) finish(ctx context.Context, r *run) (*model.ExtractionResult, error) {
	r.result.Duration = p.now().Sub(r.started)
	r.result.Attempts = r.attempts
	r.result.Usage = r.usage

	var persistErr error
	if !r.opts.DryRun {
		persistErr = p.persist(ctx, r)
	}
	p.deps.Recorder.Extraction(r.result)

	r.log.Info("pipeline: extraction complete",
		zap.String("status", string(r.result.Status)),
		zap.String("tier", string(r.result.Tier)),
		zap.String("method", r.result.Method),
		zap.String("price", decimalString(r.result.Price)),
		zap.Int("attempts", len(r.attempts)),
		zap.Duration("duration", r.result.Duration),
	)
	if persistErr != nil {
		return r.result, persistErr
	}
	return r.result, nil
}

func (p *Pipeline) fetch(ctx context.Context, url string) (*scrape.Page, error) {
	if p.deps.Fetcher == nil {
		return nil, eris.New("pipeline: no fetcher configured")
	}
	start := time.Now()
	page, err := p.deps.Fetcher.Fetch(ctx, url)
	source := p.deps.Fetcher.Name()
	var cost float64
	if page != nil {
		if page.Source != "" {
			source = page.Source
		}
		cost = page.Cost
	}
	p.deps.Recorder.Fetch(source, cost, time.Since(start), err)
	if err != nil {
		zap.L().Warn("pipeline: fetch failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	if page == nil || page.HTML == "" {
		return nil, eris.Errorf("pipeline: empty page from %s", source)
	}
	return page, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}

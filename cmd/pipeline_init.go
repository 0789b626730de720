package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/aiextract"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/dynamic"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/scrape"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/internal/validate"
	anthropicpkg "github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
	"github.com/sells-group/pricewatch/pkg/jina"
)

// pipelineEnv holds the initialized clients and the pipeline needed by the
// extract/batch/serve/schedule commands.
type pipelineEnv struct {
	Store     store.Store
	Pipeline  *pipeline.Pipeline
	Rules     *siterules.Engine
	Validator *validate.Validator
	Metrics   *monitoring.Metrics

	closers []func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	pe.closers = nil
}

// initPipeline validates the config for mode, opens the store and builds
// the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Metrics: monitoring.NewMetrics()}
	env.closers = append(env.closers, st.Close)

	if err := buildPipeline(env); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// buildPipeline wires every collaborator around env.Store.
func buildPipeline(env *pipelineEnv) error {
	calc := cost.NewCalculator(cfg.Pricing)
	metrics := env.Metrics

	rules, err := loadRules(env.Store)
	if err != nil {
		return err
	}
	env.Rules = rules

	// The guarded client owns retries; the SDK's own are disabled.
	llm := aiextract.NewGuardedClient(
		anthropicpkg.NewClient(cfg.Anthropic.Key, option.WithMaxRetries(0)),
		cfg.Resilience,
	)

	usageSink := func(u model.AIUsage) {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		metrics.AIUsage(u)
		if err := env.Store.SaveAIUsage(context.Background(), []model.AIUsage{u}); err != nil {
			zap.L().Warn("save adjudication usage", zap.Error(err))
		}
	}
	var vopts []validate.Option
	if cfg.Validation.LLMAdjudication {
		vopts = append(vopts,
			validate.WithAdjudicator(validate.NewAnthropicAdjudicator(llm, cfg.Anthropic.AdjudicatorModel, calc)),
			validate.WithUsageSink(usageSink),
		)
		zap.L().Info("llm adjudication enabled", zap.String("model", cfg.Anthropic.AdjudicatorModel))
	}
	env.Validator = validate.New(cfg.Validation.Config, vopts...)

	deps := pipeline.Deps{
		Store:     env.Store,
		Fetcher:   buildFetchChain(calc),
		Rules:     rules,
		AI:        aiextract.New(llm, cfg.AI, calc),
		Validator: env.Validator,
		Recorder:  metrics,
	}

	if cfg.Browser.Enabled {
		dyn, closeBrowser := buildDynamic()
		deps.Dynamic = dyn
		if closeBrowser != nil {
			env.closers = append(env.closers, closeBrowser)
		}
		metrics.GaugeFunc("pricewatch_browser_renders_in_flight", "Browser renders currently running.", func() float64 {
			return float64(dyn.InFlight())
		})
	}

	env.Pipeline = pipeline.New(cfg, deps)
	return nil
}

func loadRules(st store.Store) (*siterules.Engine, error) {
	opts := []siterules.Option{siterules.WithSelectorStore(st)}
	if cfg.Rules.Path != "" {
		rules, err := siterules.Load(cfg.Rules.Path, opts...)
		if err != nil {
			return nil, eris.Wrap(err, "load site rules")
		}
		zap.L().Info("site rules loaded", zap.String("path", cfg.Rules.Path), zap.Int("domains", len(rules.Domains())))
		return rules, nil
	}
	rules, err := siterules.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "load embedded site rules")
	}
	return rules, nil
}

// buildFetchChain builds local HTTP -> Jina -> Firecrawl. The paid
// fetchers join only when their keys are configured.
func buildFetchChain(calc *cost.Calculator) *scrape.Chain {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	fetchers := []scrape.Fetcher{
		scrape.NewLocalFetcher(scrape.LocalConfig{
			Timeout:   timeout,
			MaxBody:   cfg.Fetch.MaxBodyBytes,
			UserAgent: cfg.Fetch.UserAgent,
			Retries:   cfg.Fetch.Retries,
		}),
	}

	if cfg.Jina.Key != "" {
		var opts []jina.Option
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		fetchers = append(fetchers, scrape.NewJinaFetcher(jina.NewClient(cfg.Jina.Key, opts...), calc))
	} else {
		zap.L().Debug("PRICEWATCH_JINA_KEY not set, jina fetcher disabled")
	}

	if cfg.Firecrawl.Key != "" {
		var opts []firecrawl.Option
		if cfg.Firecrawl.BaseURL != "" {
			opts = append(opts, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
		}
		fetchers = append(fetchers, scrape.NewFirecrawlFetcher(firecrawl.NewClient(cfg.Firecrawl.Key, opts...), calc))
	} else {
		zap.L().Debug("PRICEWATCH_FIRECRAWL_KEY not set, firecrawl fetcher disabled")
	}

	return scrape.NewChain(scrape.NewTierHistory(), timeout, fetchers...)
}

// buildDynamic launches Chromium. When the launch fails the extractor
// still replays discovered endpoints.
func buildDynamic() (*dynamic.Extractor, func() error) {
	onState := func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("browser circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	browser, err := dynamic.NewRodBrowser(dynamic.RodConfig{Bin: cfg.Browser.Bin, Headless: true})
	if err != nil {
		zap.L().Warn("browser unavailable, endpoint replay only", zap.Error(err))
		return dynamic.New(nil, cfg.Browser, dynamic.WithStateChange(onState)), nil
	}
	return dynamic.New(browser, cfg.Browser, dynamic.WithStateChange(onState)), browser.Close
}

// buildMonitor wires the health checker over the env's store and exports
// its snapshot on the env's metrics. It returns nil when monitoring is
// disabled.
func buildMonitor(env *pipelineEnv, mc config.MonitoringConfig) *monitoring.Checker {
	if !mc.Enabled {
		return nil
	}
	checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), monitoring.NewAlerter(mc), mc)
	checker.Export(env.Metrics)
	return checker
}

package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/pricewatch/internal/model"
)

// Recorder receives pipeline events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TierOutcome(o model.TierOutcome, d time.Duration)
	Verdict(status model.ValidationStatus, reason string)
	Extraction(r *model.ExtractionResult)
	AIUsage(u model.AIUsage)
	Fetch(source string, cost float64, d time.Duration, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) TierOutcome(model.TierOutcome, time.Duration) {}
func (Nop) Verdict(model.ValidationStatus, string)       {}
func (Nop) Extraction(*model.ExtractionResult)           {}
func (Nop) AIUsage(model.AIUsage)                        {}
func (Nop) Fetch(string, float64, time.Duration, error)  {}

// Metrics records pipeline events as Prometheus series on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	tierOutcomes *prometheus.CounterVec
	tierDuration *prometheus.HistogramVec
	verdicts     *prometheus.CounterVec
	extractions  *prometheus.CounterVec
	extractTime  prometheus.Histogram
	aiCost       *prometheus.CounterVec
	aiTokens     *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	fetchCost    *prometheus.CounterVec
	fetchTime    *prometheus.HistogramVec
}

// NewMetrics registers the pricewatch series on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tierOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_tier_outcomes_total",
			Help: "Tier attempts by tier and outcome.",
		}, []string{"tier", "outcome"}),
		tierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricewatch_tier_duration_seconds",
			Help:    "Time spent in each extraction tier.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_validation_verdicts_total",
			Help: "Validation verdicts by status and reason code.",
		}, []string{"status", "reason"}),
		extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_extractions_total",
			Help: "Completed extraction runs by final status and tier.",
		}, []string{"status", "tier"}),
		extractTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_extraction_duration_seconds",
			Help:    "End-to-end extraction run duration.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		aiCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_ai_cost_usd_total",
			Help: "Estimated AI spend in USD.",
		}, []string{"model", "purpose"}),
		aiTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_ai_tokens_total",
			Help: "AI tokens consumed by direction.",
		}, []string{"model", "direction"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_fetches_total",
			Help: "Page fetches by source and result.",
		}, []string{"source", "result"}),
		fetchCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_fetch_cost_usd_total",
			Help: "Estimated paid-fetch spend in USD by source.",
		}, []string{"source"}),
		fetchTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricewatch_fetch_duration_seconds",
			Help:    "Page fetch latency by source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
	}
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// GaugeFunc registers a gauge whose value is read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TierOutcome(o model.TierOutcome, d time.Duration) {
	m.tierOutcomes.WithLabelValues(string(o.Tier), outcomeLabel(o.Kind)).Inc()
	m.tierDuration.WithLabelValues(string(o.Tier)).Observe(d.Seconds())
}

func (m *Metrics) Verdict(status model.ValidationStatus, reason string) {
	m.verdicts.WithLabelValues(string(status), reason).Inc()
}

func (m *Metrics) Extraction(r *model.ExtractionResult) {
	if r == nil {
		return
	}
	m.extractions.WithLabelValues(string(r.Status), string(r.Tier)).Inc()
	m.extractTime.Observe(r.Duration.Seconds())
}

func (m *Metrics) AIUsage(u model.AIUsage) {
	m.aiCost.WithLabelValues(u.Model, u.Purpose).Add(u.EstimatedCost)
	m.aiTokens.WithLabelValues(u.Model, "prompt").Add(float64(u.PromptTokens))
	m.aiTokens.WithLabelValues(u.Model, "completion").Add(float64(u.CompletionTokens))
}

func (m *Metrics) Fetch(source string, cost float64, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(source, result).Inc()
	if cost > 0 {
		m.fetchCost.WithLabelValues(source).Add(cost)
	}
	m.fetchTime.WithLabelValues(source).Observe(d.Seconds())
}

func outcomeLabel(k model.OutcomeKind) string {
	switch k {
	case model.OutcomeCandidate:
		return "hit"
	case model.OutcomeMiss:
		return "miss"
	default:
		return "error"
	}
}

package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Extraction runs within the lookback window.
	RunsTotal       int     `json:"runs_total"`
	RunsSucceeded   int     `json:"runs_succeeded"`
	RunsFailed      int     `json:"runs_failed"`
	RunsNeedsReview int     `json:"runs_needs_review"`
	FailRate        float64 `json:"fail_rate"`

	// AI spend within the lookback window.
	AICalls   int     `json:"ai_calls"`
	AICostUSD float64 `json:"ai_cost_usd"`

	// Review queue depth, regardless of window.
	ReviewDepth int `json:"review_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the slice of the store the collector reads.
type StatsSource interface {
	RunStats(ctx context.Context, since time.Time) (*store.RunStats, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store StatsSource
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatsSource) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.store.RunStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}

	snap.RunsTotal = stats.Total
	snap.RunsSucceeded = stats.Succeeded
	snap.RunsFailed = stats.Failed
	snap.RunsNeedsReview = stats.NeedsReview
	if stats.Total > 0 {
		snap.FailRate = float64(stats.Failed) / float64(stats.Total)
	}
	snap.AICalls = stats.AICalls
	snap.AICostUSD = stats.AICostUSD
	snap.ReviewDepth = stats.ReviewDepth
	return snap, nil
}

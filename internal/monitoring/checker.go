package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically snapshots extraction health, keeps the latest
// snapshot for scrapes, and fires alerts when thresholds are crossed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	last  atomic.Pointer[MetricsSnapshot]
	fired atomic.Int64
}

// NewChecker creates a health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Last returns the most recent snapshot, or nil before the first check.
func (c *Checker) Last() *MetricsSnapshot { return c.last.Load() }

// Export publishes the latest snapshot as gauges on m.
func (c *Checker) Export(m *Metrics) {
	m.GaugeFunc("pricewatch_review_queue_depth", "Machines waiting on manual price review.", func() float64 {
		if s := c.Last(); s != nil {
			return float64(s.ReviewDepth)
		}
		return 0
	})
	m.GaugeFunc("pricewatch_window_fail_rate", "Failed extraction share in the lookback window.", func() float64 {
		if s := c.Last(); s != nil {
			return s.FailRate
		}
		return 0
	})
	m.GaugeFunc("pricewatch_alerts_fired", "Alerts raised since the checker started.", func() float64 {
		return float64(c.fired.Load())
	})
}

// Run checks once immediately, then on every interval tick until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("health checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect snapshot", zap.Error(err))
		return
	}
	c.last.Store(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: healthy",
			zap.Int("runs", snap.RunsTotal),
			zap.Int("review_depth", snap.ReviewDepth),
		)
		return
	}
	c.fired.Add(int64(len(alerts)))

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("monitoring: thresholds crossed",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("review_depth", snap.ReviewDepth),
	)
}

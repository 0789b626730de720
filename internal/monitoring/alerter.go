package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate   AlertType = "extraction_failure_rate"
	AlertReviewRate    AlertType = "review_rate"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertCostOverrun   AlertType = "cost_overrun"
)

// minRunsForRate keeps a handful of early failures from paging anyone.
const minRunsForRate = 5

// Alert is one breached threshold, posted as JSON to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports an alert when its threshold is
// crossed. A zero threshold disables the rule.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{failureRate, reviewRate, reviewBacklog, costOverrun}

// Alerter evaluates snapshots against the configured thresholds and
// posts breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *resty.Client
	now    func() time.Time
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: resty.New().SetTimeout(10 * time.Second),
		now:    time.Now,
	}
}

// Evaluate returns one alert per breached threshold.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	if snap == nil {
		return nil
	}
	now := a.now().UTC()
	var alerts []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func failureRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.FailureRateThreshold <= 0 || snap.RunsTotal < minRunsForRate || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Extraction failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d runs in last %dh)",
			snap.FailRate*100, cfg.FailureRateThreshold*100, snap.RunsFailed, snap.RunsTotal, snap.LookbackHours),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"total":        snap.RunsTotal,
		},
	}, true
}

// reviewRate fires when too many fresh prices land in the review queue,
// usually a sign a merchant changed its page layout.
func reviewRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.ReviewRateThreshold <= 0 || snap.RunsTotal < minRunsForRate {
		return Alert{}, false
	}
	rate := float64(snap.RunsNeedsReview) / float64(snap.RunsTotal)
	if rate <= cfg.ReviewRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertReviewRate,
		Severity: "medium",
		Message: fmt.Sprintf("%.1f%% of extractions need review (%d / %d runs in last %dh)",
			rate*100, snap.RunsNeedsReview, snap.RunsTotal, snap.LookbackHours),
		Details: map[string]any{
			"review_rate":  rate,
			"threshold":    cfg.ReviewRateThreshold,
			"needs_review": snap.RunsNeedsReview,
			"total":        snap.RunsTotal,
		},
	}, true
}

func reviewBacklog(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.ReviewBacklogThreshold <= 0 || snap.ReviewDepth <= cfg.ReviewBacklogThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertReviewBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d prices waiting for manual review (threshold %d)", snap.ReviewDepth, cfg.ReviewBacklogThreshold),
		Details: map[string]any{
			"review_depth": snap.ReviewDepth,
			"threshold":    cfg.ReviewBacklogThreshold,
		},
	}, true
}

func costOverrun(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.AICostUSD <= cfg.CostThresholdUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message:  fmt.Sprintf("AI cost $%.2f exceeds threshold $%.2f in last %dh", snap.AICostUSD, cfg.CostThresholdUSD, snap.LookbackHours),
		Details: map[string]any{
			"cost_usd":      snap.AICostUSD,
			"threshold_usd": cfg.CostThresholdUSD,
			"ai_calls":      snap.AICalls,
		},
	}, true
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(a.cfg.WebhookURL)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	if resp.StatusCode() >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode())
	}
	return nil
}

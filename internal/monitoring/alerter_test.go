package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:   0.10,
		CostThresholdUSD:       50.0,
		ReviewBacklogThreshold: 25,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		RunsTotal:     100,
		RunsSucceeded: 95,
		RunsFailed:    5,
		FailRate:      0.05,
		AICostUSD:     12.0,
		ReviewDepth:   3,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsSucceeded: 12,
		RunsFailed:    8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_ReviewBacklog(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{ReviewDepth: 40, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40 prices")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 50, RunsFailed: 2, FailRate: 0.04, AICostUSD: 75, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$75.00")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal:     20,
		RunsFailed:    10,
		FailRate:      0.5,
		AICostUSD:     300,
		ReviewDepth:   26,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertFailureRate])
	assert.True(t, types[AlertReviewBacklog])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(thresholds())

	// Three runs is below the minimum for a rate alert.
	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 3, RunsFailed: 2, FailRate: 0.666, LookbackHours: 24})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 10, RunsFailed: 10, FailRate: 1, AICostUSD: 999, ReviewDepth: 500})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertReviewBacklog, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_Evaluate_ReviewRate(t *testing.T) {
	cfg := config.MonitoringConfig{ReviewRateThreshold: 0.3}
	a := NewAlerter(cfg)

	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 10, RunsNeedsReview: 4, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Equal(t, 4, alerts[0].Details["needs_review"])
	assert.False(t, alerts[0].Timestamp.IsZero())

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{RunsTotal: 10, RunsNeedsReview: 3}))
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{RunsTotal: 2, RunsNeedsReview: 2}))
	assert.Empty(t, a.Evaluate(nil))
}

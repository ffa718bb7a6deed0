package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen     AlertType = "circuit_open"
	AlertBudgetPressure  AlertType = "budget_pressure"
	AlertSourcesDegraded AlertType = "sources_degraded"
	AlertDLQBacklog      AlertType = "dlq_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.CircuitOpen {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "critical",
			Message: fmt.Sprintf(
				"Admission circuit is open (%s); all LLM extraction is halted until an operator closes it",
				snap.CircuitReason,
			),
			Details: map[string]any{
				"circuit_reason": snap.CircuitReason,
				"budget_day":     snap.BudgetDay,
			},
			Timestamp: now,
		})
	}

	threshold := a.cfg.BudgetAlertThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	if snap.GlobalUtilization >= threshold {
		alerts = append(alerts, Alert{
			Type:     AlertBudgetPressure,
			Severity: "high",
			Message: fmt.Sprintf(
				"Global token budget at %.1f%% (%d of %d tokens on %s)",
				snap.GlobalUtilization*100, snap.GlobalTokensUsed, snap.GlobalTokensLimit, snap.BudgetDay,
			),
			Details: map[string]any{
				"utilization": snap.GlobalUtilization,
				"threshold":   threshold,
				"tokens_used": snap.GlobalTokensUsed,
			},
			Timestamp: now,
		})
	}

	if degraded := snap.SourcesCritical + snap.SourcesPaused; snap.SourcesTotal > 0 && degraded*2 >= snap.SourcesTotal {
		alerts = append(alerts, Alert{
			Type:     AlertSourcesDegraded,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d of %d sources are critical or paused",
				degraded, snap.SourcesTotal,
			),
			Details: map[string]any{
				"critical": snap.SourcesCritical,
				"paused":   snap.SourcesPaused,
				"total":    snap.SourcesTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"Dead-letter queue depth %d exceeds threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
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

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

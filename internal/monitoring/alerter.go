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

	"github.com/sells-group/autopilot/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeadLetterBacklog    AlertType = "dead_letter_backlog"
	AlertWritebackFailureRate AlertType = "writeback_failure_rate"
	AlertStaleProcessing      AlertType = "stale_processing"
)

// Alert is one webhook notification.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter compares a Snapshot with the configured thresholds and delivers
// alerts to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts snap triggers.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	if a.cfg.DeadLetterThreshold > 0 && snap.Queue.DeadLetter >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterBacklog,
			Severity: "high",
			Message: fmt.Sprintf("%d write-back items in dead_letter (threshold %d)",
				snap.Queue.DeadLetter, a.cfg.DeadLetterThreshold),
			Details: map[string]any{
				"dead_letter": snap.Queue.DeadLetter,
				"threshold":   a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.Finished >= a.cfg.MinItemsForAlert && snap.Finished > 0 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertWritebackFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Write-back failure rate %.1f%% exceeds %.1f%% (%d of %d finished items)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.Queue.Failed+snap.Queue.DeadLetter, snap.Finished),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"finished":     snap.Finished,
			},
			Timestamp: now,
		})
	}

	if snap.StaleProcessing > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleProcessing,
			Severity: "medium",
			Message: fmt.Sprintf("%d write-back items stuck in processing for over %d minutes",
				snap.StaleProcessing, a.cfg.StaleProcessingMins),
			Details:   map[string]any{"stale": snap.StaleProcessing},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.post(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
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

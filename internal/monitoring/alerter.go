package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/config"
	"github.com/grantvault/orgmemory/internal/conflict"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertScanTenantFailures AlertType = "scan_tenant_failures"
	AlertScanFailureRate    AlertType = "scan_failure_rate"
	AlertScanStale          AlertType = "scan_stale"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns scan outcomes into alerts and delivers them to a webhook.
// An alert type that fired within the cooldown window is suppressed.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		lastSent: make(map[AlertType]time.Time),
	}
}

// EvaluateRun checks a completed scan run against thresholds.
func (a *Alerter) EvaluateRun(s *conflict.RunSummary) []Alert {
	if s == nil || s.Failed == 0 {
		return nil
	}
	now := a.now().UTC()

	var failed []string
	for _, r := range s.Results {
		if !r.Success {
			failed = append(failed, r.TenantID)
		}
	}

	alerts := []Alert{{
		Type:     AlertScanTenantFailures,
		Severity: "medium",
		Message: fmt.Sprintf("Conflict scan %s failed for %d of %d tenant(s)",
			s.RunID, s.Failed, s.ProcessedTenants),
		Details: map[string]any{
			"run_id":         s.RunID,
			"failed":         s.Failed,
			"processed":      s.ProcessedTenants,
			"failed_tenants": failed,
		},
		Timestamp: now,
	}}

	if rate := s.FailureRate(); a.cfg.FailureRateThreshold > 0 && rate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertScanFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Conflict scan failure rate %.1f%% exceeds threshold %.1f%%",
				rate*100, a.cfg.FailureRateThreshold*100),
			Details: map[string]any{
				"run_id":       s.RunID,
				"failure_rate": rate,
				"threshold":    a.cfg.FailureRateThreshold,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// EvaluateSnapshot raises an alert when any tenant's scan is stale.
func (a *Alerter) EvaluateSnapshot(snap *ScanSnapshot) []Alert {
	if snap == nil || len(snap.Stale) == 0 {
		return nil
	}
	ids := make([]string, 0, len(snap.Stale))
	for _, ts := range snap.Stale {
		ids = append(ids, ts.TenantID)
	}
	return []Alert{{
		Type:     AlertScanStale,
		Severity: "high",
		Message: fmt.Sprintf("%d of %d tenant(s) have no conflict scan in the last %s",
			len(snap.Stale), snap.Tenants, snap.StaleAfter),
		Details: map[string]any{
			"stale_tenants": ids,
			"stale_after":   snap.StaleAfter.String(),
		},
		Timestamp: a.now().UTC(),
	}}
}

// NotifyRun implements conflict.Notifier.
func (a *Alerter) NotifyRun(ctx context.Context, s *conflict.RunSummary) {
	a.Dispatch(ctx, a.EvaluateRun(s))
}

// Dispatch sends the alerts not suppressed by the cooldown and returns the
// number delivered.
func (a *Alerter) Dispatch(ctx context.Context, alerts []Alert) int {
	return a.SendAlerts(ctx, a.admit(alerts))
}

func (a *Alerter) admit(alerts []Alert) []Alert {
	cooldown := time.Duration(a.cfg.AlertCooldownMinutes) * time.Minute
	if cooldown <= 0 {
		return alerts
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []Alert
	for _, al := range alerts {
		if last, ok := a.lastSent[al.Type]; ok && now.Sub(last) < cooldown {
			zap.L().Debug("monitoring: alert suppressed by cooldown", zap.String("type", string(al.Type)))
			continue
		}
		a.lastSent[al.Type] = now
		out = append(out, al)
	}
	return out
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

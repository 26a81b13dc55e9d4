package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

// Alert types.
const (
	AlertRunFailureRate  AlertType = "run_failure_rate"
	AlertFailureBacklog  AlertType = "failure_backlog"
	AlertStaleExtraction AlertType = "stale_extraction"
)

// minRunFiles is the smallest batch whose failure rate is meaningful.
const minRunFiles = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and returns an alert, or false.
type rule func(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool)

var rules = []rule{failureRateRule, backlogRule, staleRule}

// Alerter turns snapshots into alerts and posts them to a webhook. An
// alert type that was delivered is not sent again until the resend window
// has passed.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	sent   *gocache.Cache
	now    func() time.Time
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	resend := time.Duration(cfg.ResendAfterMins) * time.Minute
	if resend <= 0 {
		resend = time.Hour
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		sent:   gocache.New(resend, resend),
		now:    time.Now,
	}
}

// Evaluate returns an alert for every breached threshold.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var out []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = a.now().UTC()
			out = append(out, alert)
		}
	}
	return out
}

func failureRateRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	last := snap.LastRun
	if last == nil || last.Included < minRunFiles || cfg.FailureRateThreshold <= 0 ||
		snap.LastRunFailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertRunFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Run %s failed %d of %d models (%.1f%%, threshold %.1f%%)",
			last.ID, last.Failed, last.Included, snap.LastRunFailRate*100, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"run_id":       last.ID,
			"failed":       last.Failed,
			"included":     last.Included,
			"failure_rate": snap.LastRunFailRate,
			"threshold":    cfg.FailureRateThreshold,
		},
	}, true
}

func backlogRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if cfg.FailureBacklog <= 0 || snap.Failures <= cfg.FailureBacklog {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d models are waiting in the failure ledger (threshold %d)", snap.Failures, cfg.FailureBacklog),
		Details: map[string]any{
			"failures":  snap.Failures,
			"transient": snap.FailuresTransient,
			"due":       snap.FailuresDue,
		},
	}, true
}

func staleRule(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if cfg.StaleAfterHours <= 0 || snap.LastRun == nil || snap.LastRunAgeHours <= float64(cfg.StaleAfterHours) {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStaleExtraction,
		Severity: "medium",
		Message:  fmt.Sprintf("Last extraction batch finished %.1fh ago (threshold %dh)", snap.LastRunAgeHours, cfg.StaleAfterHours),
		Details: map[string]any{
			"last_run_id":       snap.LastRun.ID,
			"finished_at":       snap.LastRun.FinishedAt,
			"stale_after_hours": cfg.StaleAfterHours,
		},
	}, true
}

// SendAlerts posts alerts to the webhook and returns how many were
// delivered. Alerts inside their resend window are skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring.alerter"))

	sent := 0
	for _, alert := range alerts {
		if _, recent := a.sent.Get(string(alert.Type)); recent {
			log.Debug("alert suppressed", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.post(ctx, alert); err != nil {
			log.Error("send alert failed", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		a.sent.SetDefault(string(alert.Type), struct{}{})
		log.Info("alert sent", zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

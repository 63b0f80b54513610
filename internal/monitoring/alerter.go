package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/config"
	"github.com/sells-group/refguard/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertValidationFailureRate AlertType = "validation_failure_rate"
	AlertSecurityEvents        AlertType = "security_events"
	AlertChainBroken           AlertType = "audit_chain_broken"
	AlertDrift                 AlertType = "drift"
	AlertAutoDisable           AlertType = "auto_disable"
)

// Alert severities.
const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// defaultMinSuggestions applies when MonitoringConfig.MinSuggestions is unset.
const defaultMinSuggestions = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and fans alerts out to its notifiers.
type Alerter struct {
	cfg       config.MonitoringConfig
	notifiers []Notifier
	now       func() time.Time
}

// NewAlerter creates an Alerter. A webhook notifier is added when
// cfg.WebhookURL is set; extra notifiers follow it.
func NewAlerter(cfg config.MonitoringConfig, extra ...Notifier) *Alerter {
	a := &Alerter{cfg: cfg, now: time.Now}
	if cfg.WebhookURL != "" {
		a.notifiers = append(a.notifiers, NewWebhookNotifier(cfg.WebhookURL, nil))
	}
	for _, n := range extra {
		if n != nil {
			a.notifiers = append(a.notifiers, n)
		}
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	// Check validation failure rate.
	minSuggestions := a.cfg.MinSuggestions
	if minSuggestions <= 0 {
		minSuggestions = defaultMinSuggestions
	}
	if snap.SuggestionsTotal >= minSuggestions && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertValidationFailureRate,
			Severity: SeverityHigh,
			Message: fmt.Sprintf(
				"Validation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d suggestions in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.SuggestionsFailed, snap.SuggestionsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.SuggestionsFailed,
				"total":        snap.SuggestionsTotal,
			},
			Timestamp: now,
		})
	}

	// Check security events.
	if a.cfg.SecurityEventThreshold > 0 && snap.SecurityEvents() >= a.cfg.SecurityEventThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSecurityEvents,
			Severity: SeverityCritical,
			Message: fmt.Sprintf(
				"%d security event(s) in last %dh (%d unauthorized access, %d immutable field violations)",
				snap.SecurityEvents(), snap.LookbackHours, snap.UnauthorizedAccess, snap.ImmutableViolation,
			),
			Details: map[string]any{
				"unauthorized_access":       snap.UnauthorizedAccess,
				"immutable_field_violation": snap.ImmutableViolation,
				"threshold":                 a.cfg.SecurityEventThreshold,
			},
			Timestamp: now,
		})
	}

	// Check audit chain integrity.
	if !snap.Chain.Valid {
		alerts = append(alerts, Alert{
			Type:     AlertChainBroken,
			Severity: SeverityCritical,
			Message:  "Audit chain verification failed: " + snap.Chain.Message,
			Details: map[string]any{
				"broken_at":      snap.Chain.BrokenAt,
				"events_checked": snap.Chain.EventsChecked,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// DriftAlerts converts drift monitor alerts into notifier alerts.
func (a *Alerter) DriftAlerts(drifts []model.DriftAlert) []Alert {
	alerts := make([]Alert, 0, len(drifts))
	for _, d := range drifts {
		sev := SeverityHigh
		if d.Critical() {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Type:     AlertDrift,
			Severity: sev,
			Message:  fmt.Sprintf("Drift %s at %.4f (threshold %.4f): %s", d.Type, d.MetricValue, d.Threshold, d.Recommendation),
			Details: map[string]any{
				"drift_type":     d.Type,
				"drift_severity": d.Severity,
				"metric_value":   d.MetricValue,
				"threshold":      d.Threshold,
			},
			Timestamp: d.Timestamp,
		})
	}
	return alerts
}

// SendAlerts delivers alerts to every notifier. Returns the number of
// alerts that reached at least one notifier.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(a.notifiers) == 0 || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		var delivered []string
		for _, n := range a.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to send alert",
					zap.String("type", string(alert.Type)),
					zap.String("notifier", n.Name()),
					zap.Error(err),
				)
				continue
			}
			delivered = append(delivered, n.Name())
		}
		if len(delivered) == 0 {
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("notifiers", strings.Join(delivered, ",")),
		)
		sent++
	}
	return sent
}

package monitoring

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/config"
	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/model"
)

// DriftDetector runs drift detection on demand.
type DriftDetector interface {
	Detect() []model.DriftAlert
}

// Gate disables a rollout flag.
type Gate interface {
	AutoDisable(ctx context.Context, flag, reason, source string) (bool, error)
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	detector  DriftDetector
	gate      Gate
	flag      string
	metrics   *metrics.Metrics
	cfg       config.MonitoringConfig
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithDrift runs detector on every check. Critical drift alerts disable
// flag through gate.
func WithDrift(detector DriftDetector, gate Gate, flag string) CheckerOption {
	return func(c *Checker) {
		c.detector = detector
		c.gate = gate
		c.flag = flag
	}
}

// WithMetrics counts drift alerts and auto-disable failures.
func WithMetrics(m *metrics.Metrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect, evaluate and send cycle and returns the alerts
// it raised.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	var alerts []Alert
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
	} else {
		alerts = c.alerter.Evaluate(snap)
	}

	if c.detector != nil {
		drifts := c.detector.Detect()
		for _, d := range drifts {
			c.metrics.DriftAlert(d.Type, d.Severity)
		}
		alerts = append(alerts, c.alerter.DriftAlerts(drifts)...)
		if a, ok := c.disableOnCritical(ctx, drifts, log); ok {
			alerts = append(alerts, a)
		}
	}

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

func (c *Checker) disableOnCritical(ctx context.Context, drifts []model.DriftAlert, log *zap.Logger) (Alert, bool) {
	var critical []string
	for _, d := range drifts {
		if d.Critical() {
			critical = append(critical, d.Type)
		}
	}
	if len(critical) == 0 || c.gate == nil {
		return Alert{}, false
	}

	reason := "critical drift: " + strings.Join(critical, ", ")
	changed, err := c.gate.AutoDisable(ctx, c.flag, reason, model.TriggerDriftMonitor)
	if err != nil {
		c.metrics.AutoDisableFailed()
		log.Error("monitoring: AUTO-DISABLE FAILED, rollout still live",
			zap.String("flag", c.flag), zap.String("reason", reason), zap.Error(err))
		return Alert{
			Type:      AlertAutoDisable,
			Severity:  SeverityCritical,
			Message:   "Auto-disable of " + c.flag + " failed: " + err.Error(),
			Details:   map[string]any{"flag": c.flag, "reason": reason},
			Timestamp: time.Now().UTC(),
		}, true
	}
	if !changed {
		return Alert{}, false
	}
	log.Warn("monitoring: rollout auto-disabled", zap.String("flag", c.flag), zap.String("reason", reason))
	return Alert{
		Type:      AlertAutoDisable,
		Severity:  SeverityCritical,
		Message:   "Rollout " + c.flag + " auto-disabled: " + reason,
		Details:   map[string]any{"flag": c.flag, "reason": reason},
		Timestamp: time.Now().UTC(),
	}, true
}

// Package metrics holds the Prometheus collectors for the suggestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refguard"

// Metrics is a private registry and its collectors.
type Metrics struct {
	registry *prometheus.Registry

	GenerationFailures  *prometheus.CounterVec
	CalibrationFailures *prometheus.CounterVec
	Suggestions         *prometheus.CounterVec
	Rejections          *prometheus.CounterVec
	CalibrationDelta    prometheus.Histogram
	DriftAlerts         *prometheus.CounterVec
	AutoDisableFailures prometheus.Counter
	GuardDecisions      *prometheus.CounterVec
	GenerationLatency   prometheus.Histogram
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GenerationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Generator calls that produced no usable proposal, by kind.",
		}, []string{"kind"}),
		CalibrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_failures_total",
			Help:      "Suggestions aborted because calibration failed.",
		}, []string{"model_version"}),
		Suggestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Persisted suggestions by tier and validation outcome.",
		}, []string{"tier", "outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Validation rejections by stage and code.",
		}, []string{"stage", "code"}),
		CalibrationDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calibration_delta",
			Help:      "Calibrated minus raw confidence.",
			Buckets:   prometheus.LinearBuckets(-0.5, 0.05, 21),
		}),
		DriftAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_alerts_total",
			Help:      "Drift alerts by type and severity.",
		}, []string{"type", "severity"}),
		AutoDisableFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_disable_failures_total",
			Help:      "Critical drift alerts whose rollout auto-disable failed.",
		}),
		GuardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Canonical write authorization decisions by caller and result.",
		}, []string{"caller", "result"}),
		GenerationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Generator call latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GenerationFailures,
		m.CalibrationFailures,
		m.Suggestions,
		m.Rejections,
		m.CalibrationDelta,
		m.DriftAlerts,
		m.AutoDisableFailures,
		m.GuardDecisions,
		m.GenerationLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// GenerationFailed counts a generator failure of the given kind.
func (m *Metrics) GenerationFailed(kind string) {
	if m == nil {
		return
	}
	m.GenerationFailures.WithLabelValues(kind).Inc()
}

// ObserveGeneration records generator latency in seconds.
func (m *Metrics) ObserveGeneration(seconds float64) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(seconds)
}

// CalibrationFailed counts an aborted calibration.
func (m *Metrics) CalibrationFailed(modelVersion string) {
	if m == nil {
		return
	}
	m.CalibrationFailures.WithLabelValues(modelVersion).Inc()
}

// SuggestionPersisted counts a stored suggestion and its calibration delta.
func (m *Metrics) SuggestionPersisted(tier string, passed bool, delta float64) {
	if m == nil {
		return
	}
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.Suggestions.WithLabelValues(tier, outcome).Inc()
	m.CalibrationDelta.Observe(delta)
}

// Rejected counts one validation rejection.
func (m *Metrics) Rejected(stage int, code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(strconv.Itoa(stage), code).Inc()
}

// DriftAlert counts a drift alert.
func (m *Metrics) DriftAlert(kind, severity string) {
	if m == nil {
		return
	}
	m.DriftAlerts.WithLabelValues(kind, severity).Inc()
}

// AutoDisableFailed counts a failed drift kill switch.
func (m *Metrics) AutoDisableFailed() {
	if m == nil {
		return
	}
	m.AutoDisableFailures.Inc()
}

// GuardDecision counts an authorization decision.
func (m *Metrics) GuardDecision(caller string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.GuardDecisions.WithLabelValues(caller, result).Inc()
}

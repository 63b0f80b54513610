package model

import "time"

// Drift alert types.
const (
	DriftMeanShift          = "mean_shift"
	DriftDistributionShift  = "distribution_shift"
	DriftAcceptanceCollapse = "acceptance_collapse"
	DriftHighConfidence     = "high_confidence_spike"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DriftAlert reports one drift test that crossed its threshold.
type DriftAlert struct {
	Type           string    `json:"alert_type"`
	Severity       string    `json:"severity"`
	MetricValue    float64   `json:"metric_value"`
	Threshold      float64   `json:"threshold"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Critical reports whether the alert calls for disabling the rollout.
func (a DriftAlert) Critical() bool {
	return a.Severity == SeverityCritical
}

package model

import "time"

// Calibration methods. Fallback and Raw are produced when no profile exists.
const (
	CalibrationPlatt    = "platt"
	CalibrationIsotonic = "isotonic"
	CalibrationFallback = "fallback"
	CalibrationRaw      = "raw"
)

// IsotonicBin is one step of an isotonic calibration curve.
type IsotonicBin struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Value     float64 `json:"value" yaml:"value"`
}

// CalibrationParams holds method-specific parameters.
type CalibrationParams struct {
	A    float64       `json:"a,omitempty" yaml:"a,omitempty"`
	B    float64       `json:"b,omitempty" yaml:"b,omitempty"`
	Bins []IsotonicBin `json:"bins,omitempty" yaml:"bins,omitempty"`
}

// CalibrationProfile maps raw model confidence to calibrated confidence for
// one model version.
type CalibrationProfile struct {
	ModelVersion string            `json:"model_version" yaml:"model_version"`
	Method       string            `json:"method" yaml:"method"`
	Params       CalibrationParams `json:"parameters" yaml:"parameters"`
	SampleSize   int               `json:"sample_size" yaml:"sample_size"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
}

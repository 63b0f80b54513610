// Package drift watches the confidence stream for signs that calibration no
// longer matches the model.
package drift

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/model"
)

// Event is one suggestion outcome.
type Event struct {
	Raw        float64
	Calibrated float64
	Passed     bool
	Rejections []string
	Timestamp  time.Time
}

// Thresholds for one test. A metric at or beyond Critical is critical, at or
// beyond Warning a warning.
type Thresholds struct {
	Warning  float64 `mapstructure:"warning"  json:"warning"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// Config sizes the windows and sets the alert thresholds.
type Config struct {
	WindowSize   int `mapstructure:"window_size"`
	BaselineSize int `mapstructure:"baseline_size"`
	RecentSize   int `mapstructure:"recent_size"`
	// CheckEvery runs detection from Observe once per this many events.
	CheckEvery int `mapstructure:"check_every"`

	MeanShift          Thresholds `mapstructure:"mean_shift"`
	DistributionPValue Thresholds `mapstructure:"distribution_p_value"`
	AcceptanceDrop     Thresholds `mapstructure:"acceptance_drop"`
	HighConfidence     Thresholds `mapstructure:"high_confidence"`
	// HighConfidenceCutoff is the raw confidence above which a suggestion
	// counts toward the high-confidence fraction.
	HighConfidenceCutoff float64 `mapstructure:"high_confidence_cutoff"`
}

// DefaultConfig returns the standard windows and thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:           1000,
		BaselineSize:         500,
		RecentSize:           100,
		CheckEvery:           100,
		MeanShift:            Thresholds{Warning: 0.05, Critical: 0.10},
		DistributionPValue:   Thresholds{Warning: 0.05, Critical: 0.01},
		AcceptanceDrop:       Thresholds{Warning: 0.20, Critical: 0.40},
		HighConfidence:       Thresholds{Warning: 0.30, Critical: 0.50},
		HighConfidenceCutoff: 0.9,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.BaselineSize <= 0 {
		c.BaselineSize = d.BaselineSize
	}
	if c.BaselineSize > c.WindowSize {
		c.BaselineSize = c.WindowSize
	}
	if c.RecentSize <= 0 {
		c.RecentSize = d.RecentSize
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = d.CheckEvery
	}
	if c.MeanShift == (Thresholds{}) {
		c.MeanShift = d.MeanShift
	}
	if c.DistributionPValue == (Thresholds{}) {
		c.DistributionPValue = d.DistributionPValue
	}
	if c.AcceptanceDrop == (Thresholds{}) {
		c.AcceptanceDrop = d.AcceptanceDrop
	}
	if c.HighConfidence == (Thresholds{}) {
		c.HighConfidence = d.HighConfidence
	}
	if c.HighConfidenceCutoff <= 0 {
		c.HighConfidenceCutoff = d.HighConfidenceCutoff
	}
	return c
}

// DistributionTest compares two samples and returns a p-value. Smaller means
// the samples are less likely drawn from the same distribution.
type DistributionTest func(baseline, recent []float64) (float64, error)

type baseline struct {
	meanRaw        float64
	meanCalibrated float64
	acceptance     float64
	calibrated     []float64
}

// Monitor keeps a bounded window of events and a baseline frozen from the
// first BaselineSize events.
type Monitor struct {
	cfg    Config
	distFn DistributionTest
	now    func() time.Time

	mu     sync.Mutex
	events []Event
	total  int64
	base   *baseline
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDistributionTest replaces the KS test. A nil test disables the
// distribution check.
func WithDistributionTest(fn DistributionTest) Option {
	return func(m *Monitor) { m.distFn = fn }
}

// WithClock sets the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:    cfg,
		distFn: KolmogorovSmirnov,
		now:    time.Now,
		events: make([]Event, 0, cfg.WindowSize),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record adds an event to the window.
func (m *Monitor) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(e)
}

func (m *Monitor) record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	if len(m.events) == m.cfg.WindowSize {
		copy(m.events, m.events[1:])
		m.events = m.events[:len(m.events)-1]
	}
	m.events = append(m.events, e)
	m.total++

	if m.base == nil && len(m.events) >= m.cfg.BaselineSize {
		m.freezeBaseline()
	}
}

// Observe records e and, once every CheckEvery events, runs detection.
func (m *Monitor) Observe(e Event) []model.DriftAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(e)
	if m.total%int64(m.cfg.CheckEvery) != 0 {
		return nil
	}
	return m.detect()
}

func (m *Monitor) freezeBaseline() {
	n := m.cfg.BaselineSize
	b := &baseline{calibrated: make([]float64, n)}
	passed := 0
	for i, e := range m.events[:n] {
		b.meanRaw += e.Raw
		b.meanCalibrated += e.Calibrated
		b.calibrated[i] = e.Calibrated
		if e.Passed {
			passed++
		}
	}
	b.meanRaw /= float64(n)
	b.meanCalibrated /= float64(n)
	b.acceptance = float64(passed) / float64(n)
	m.base = b

	zap.L().Info("drift: baseline established",
		zap.Float64("mean_raw", b.meanRaw),
		zap.Float64("mean_calibrated", b.meanCalibrated),
		zap.Float64("acceptance_rate", b.acceptance),
	)
}

// Detect runs every drift test against the recent window. It returns nothing
// until the baseline exists and the window holds RecentSize events.
func (m *Monitor) Detect() []model.DriftAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detect()
}

func (m *Monitor) detect() []model.DriftAlert {
	if m.base == nil || len(m.events) < m.cfg.RecentSize {
		return nil
	}
	recent := summarize(m.events[len(m.events)-m.cfg.RecentSize:], m.cfg.HighConfidenceCutoff)

	var alerts []model.DriftAlert
	add := func(a *model.DriftAlert) {
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	add(m.above(model.DriftMeanShift, math.Abs(recent.meanCalibrated-m.base.meanCalibrated), m.cfg.MeanShift))
	add(m.distributionShift(recent.calibrated))
	if m.base.acceptance > 0 {
		drop := (m.base.acceptance - recent.acceptance) / m.base.acceptance
		add(m.above(model.DriftAcceptanceCollapse, drop, m.cfg.AcceptanceDrop))
	}
	add(m.above(model.DriftHighConfidence, recent.highFraction, m.cfg.HighConfidence))

	for _, a := range alerts {
		zap.L().Warn("drift: alert",
			zap.String("type", a.Type),
			zap.String("severity", a.Severity),
			zap.Float64("value", a.MetricValue),
			zap.Float64("threshold", a.Threshold),
		)
	}
	return alerts
}

func (m *Monitor) distributionShift(recent []float64) *model.DriftAlert {
	if m.distFn == nil {
		zap.L().Debug("drift: distribution test unavailable, skipping")
		return nil
	}
	p, err := m.distFn(m.base.calibrated, recent)
	if err != nil {
		zap.L().Warn("drift: distribution test failed, skipping", zap.Error(err))
		return nil
	}
	t := m.cfg.DistributionPValue
	switch {
	case p < t.Critical:
		return m.alert(model.DriftDistributionShift, model.SeverityCritical, p, t.Critical)
	case p < t.Warning:
		return m.alert(model.DriftDistributionShift, model.SeverityWarning, p, t.Warning)
	}
	return nil
}

func (m *Monitor) above(kind string, value float64, t Thresholds) *model.DriftAlert {
	switch {
	case value >= t.Critical:
		return m.alert(kind, model.SeverityCritical, value, t.Critical)
	case value >= t.Warning:
		return m.alert(kind, model.SeverityWarning, value, t.Warning)
	}
	return nil
}

func (m *Monitor) alert(kind, severity string, value, threshold float64) *model.DriftAlert {
	return &model.DriftAlert{
		Type:           kind,
		Severity:       severity,
		MetricValue:    value,
		Threshold:      threshold,
		Recommendation: recommendation(kind, severity),
		Timestamp:      m.now().UTC(),
	}
}

func recommendation(kind, severity string) string {
	if severity == model.SeverityCritical {
		switch kind {
		case model.DriftMeanShift:
			return "Retrain calibration profile immediately. Auto-disabling rollout."
		case model.DriftDistributionShift:
			return "Significant distribution shift. Check for a model version change. Auto-disabling rollout."
		case model.DriftAcceptanceCollapse:
			return "Acceptance rate collapsed. Investigate validation failures. Auto-disabling rollout."
		default:
			return "Suspect calibration failure. Retrain calibration profile. Auto-disabling rollout."
		}
	}
	switch kind {
	case model.DriftMeanShift:
		return "Monitor closely. Consider retraining the calibration profile."
	case model.DriftDistributionShift:
		return "Distribution shift detected. Monitor closely."
	case model.DriftAcceptanceCollapse:
		return "Acceptance rate declining. Review rejection reasons."
	default:
		return "High-confidence spike. Monitor calibration effectiveness."
	}
}

type summary struct {
	meanRaw        float64
	meanCalibrated float64
	acceptance     float64
	highFraction   float64
	calibrated     []float64
	rejections     map[string]int
}

func summarize(events []Event, cutoff float64) summary {
	s := summary{calibrated: make([]float64, len(events)), rejections: map[string]int{}}
	if len(events) == 0 {
		return s
	}
	passed, high := 0, 0
	for i, e := range events {
		s.meanRaw += e.Raw
		s.meanCalibrated += e.Calibrated
		s.calibrated[i] = e.Calibrated
		if e.Passed {
			passed++
		}
		if e.Raw > cutoff {
			high++
		}
		for _, r := range e.Rejections {
			s.rejections[r]++
		}
	}
	n := float64(len(events))
	s.meanRaw /= n
	s.meanCalibrated /= n
	s.acceptance = float64(passed) / n
	s.highFraction = float64(high) / n
	return s
}

// WindowStats summarizes a run of events.
type WindowStats struct {
	MeanRaw        float64 `json:"mean_raw"`
	MeanCalibrated float64 `json:"mean_calibrated"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	HighConfidence float64 `json:"high_confidence_fraction,omitempty"`
}

// Stats is a snapshot of the monitor.
type Stats struct {
	BaselineEstablished bool           `json:"baseline_established"`
	TotalEvents         int64          `json:"total_events"`
	WindowSize          int            `json:"window_size"`
	EventsNeeded        int            `json:"events_needed,omitempty"`
	Baseline            *WindowStats   `json:"baseline,omitempty"`
	Recent              *WindowStats   `json:"recent,omitempty"`
	TopRejections       map[string]int `json:"top_rejections,omitempty"`
}

// Stats reports baseline and recent-window statistics.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{TotalEvents: m.total, WindowSize: len(m.events)}
	if m.base == nil {
		st.EventsNeeded = m.cfg.BaselineSize - len(m.events)
		return st
	}
	st.BaselineEstablished = true
	st.Baseline = &WindowStats{
		MeanRaw:        m.base.meanRaw,
		MeanCalibrated: m.base.meanCalibrated,
		AcceptanceRate: m.base.acceptance,
	}

	start := len(m.events) - m.cfg.RecentSize
	if start < 0 {
		start = 0
	}
	recent := summarize(m.events[start:], m.cfg.HighConfidenceCutoff)
	st.Recent = &WindowStats{
		MeanRaw:        recent.meanRaw,
		MeanCalibrated: recent.meanCalibrated,
		AcceptanceRate: recent.acceptance,
		HighConfidence: recent.highFraction,
	}
	if len(recent.rejections) > 0 {
		st.TopRejections = recent.rejections
	}
	return st
}

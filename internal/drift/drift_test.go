package drift

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/model"
)

// steady yields a repeating pattern: calibrated in [0.40, 0.85], raw 0.05
// higher, 80% passing.
func steady(i int) Event {
	c := 0.40 + 0.05*float64(i%10)
	return Event{Raw: c + 0.05, Calibrated: c, Passed: i%5 != 0}
}

func feed(m *Monitor, n, offset int, f func(int) Event) {
	for i := 0; i < n; i++ {
		m.Record(f(offset + i))
	}
}

func alertOf(alerts []model.DriftAlert, kind string) *model.DriftAlert {
	for i := range alerts {
		if alerts[i].Type == kind {
			return &alerts[i]
		}
	}
	return nil
}

func TestDetect_NoBaselineNoAlerts(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 499, 0, func(int) Event { return Event{Raw: 1, Calibrated: 1} })
	assert.Empty(t, m.Detect())

	st := m.Stats()
	assert.False(t, st.BaselineEstablished)
	assert.Equal(t, 1, st.EventsNeeded)
}

func TestDetect_IndistinguishableWindowIsQuiet(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	feed(m, 100, 500, steady)
	assert.Empty(t, m.Detect())
}

func TestDetect_MeanShiftCritical(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		e.Calibrated += 0.15
		return e
	})

	a := alertOf(m.Detect(), model.DriftMeanShift)
	require.NotNil(t, a)
	assert.True(t, a.Critical())
	assert.InDelta(t, 0.15, a.MetricValue, 1e-9)
	assert.Equal(t, 0.10, a.Threshold)
}

func TestDetect_MeanShiftWarning(t *testing.T) {
	m := New(DefaultConfig(), WithDistributionTest(nil))
	feed(m, 500, 0, steady)
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		e.Calibrated -= 0.07
		return e
	})

	alerts := m.Detect()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.DriftMeanShift, alerts[0].Type)
	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
}

func TestDetect_DistributionShift(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	// Same mean, much narrower spread.
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		e.Calibrated = 0.625
		return e
	})

	alerts := m.Detect()
	assert.Nil(t, alertOf(alerts, model.DriftMeanShift))
	a := alertOf(alerts, model.DriftDistributionShift)
	require.NotNil(t, a)
	assert.True(t, a.Critical())
	assert.Less(t, a.MetricValue, 0.01)
}

func TestDetect_AcceptanceCollapse(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		e.Passed = i%4 == 0
		return e
	})

	a := alertOf(m.Detect(), model.DriftAcceptanceCollapse)
	require.NotNil(t, a)
	assert.True(t, a.Critical())
	assert.InDelta(t, (0.8-0.25)/0.8, a.MetricValue, 1e-9)
}

func TestDetect_AcceptanceSkippedWhenBaselineRateZero(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 600, 0, func(i int) Event {
		e := steady(i)
		e.Passed = false
		return e
	})
	assert.Nil(t, alertOf(m.Detect(), model.DriftAcceptanceCollapse))
}

func TestDetect_HighConfidenceSpike(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		if i%5 < 3 {
			e.Raw = 0.95
		}
		return e
	})

	a := alertOf(m.Detect(), model.DriftHighConfidence)
	require.NotNil(t, a)
	assert.True(t, a.Critical())
	assert.InDelta(t, 0.6, a.MetricValue, 1e-9)
}

func TestDetect_FailingDistributionTestOnlySkipsItself(t *testing.T) {
	m := New(DefaultConfig(), WithDistributionTest(func(_, _ []float64) (float64, error) {
		return 0, assert.AnError
	}))
	feed(m, 500, 0, steady)
	feed(m, 100, 500, func(i int) Event {
		e := steady(i)
		e.Calibrated += 0.15
		return e
	})

	alerts := m.Detect()
	assert.NotNil(t, alertOf(alerts, model.DriftMeanShift))
	assert.Nil(t, alertOf(alerts, model.DriftDistributionShift))
}

func TestBaseline_FrozenOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 600
	m := New(cfg)
	feed(m, 500, 0, steady)
	before := m.Stats().Baseline

	// Push the baseline events out of the window entirely.
	feed(m, 700, 0, func(i int) Event { return Event{Raw: 0.2, Calibrated: 0.1, Passed: true} })

	st := m.Stats()
	assert.Equal(t, before, st.Baseline)
	assert.Equal(t, 600, st.WindowSize)
	assert.Equal(t, int64(1200), st.TotalEvents)

	a := alertOf(m.Detect(), model.DriftMeanShift)
	require.NotNil(t, a)
	assert.True(t, a.Critical())
}

func TestObserve_DetectsEveryCheckEvery(t *testing.T) {
	m := New(DefaultConfig())
	for i := 0; i < 500; i++ {
		m.Observe(steady(i))
	}
	var fired [][]model.DriftAlert
	for i := 0; i < 100; i++ {
		e := steady(500 + i)
		e.Calibrated += 0.15
		if a := m.Observe(e); a != nil {
			fired = append(fired, a)
		}
	}
	require.Len(t, fired, 1, "detection runs only on the 600th event")
	assert.NotNil(t, alertOf(fired[0], model.DriftMeanShift))
}

func TestStats_Recent(t *testing.T) {
	m := New(DefaultConfig())
	feed(m, 500, 0, steady)
	m.Record(Event{Raw: 0.95, Calibrated: 0.5, Rejections: []string{"confidence_too_low"}})

	st := m.Stats()
	require.True(t, st.BaselineEstablished)
	assert.InDelta(t, 0.8, st.Baseline.AcceptanceRate, 1e-9)
	assert.Equal(t, 1, st.TopRejections["confidence_too_low"])
}

func TestKolmogorovSmirnov(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := make([]float64, 500)
	b := make([]float64, 100)
	c := make([]float64, 100)
	for i := range a {
		a[i] = rng.Float64()
	}
	for i := range b {
		b[i] = rng.Float64()
		c[i] = 0.5 + rng.Float64()/2
	}

	p, err := KolmogorovSmirnov(a, b)
	require.NoError(t, err)
	assert.Greater(t, p, 0.001)

	p, err = KolmogorovSmirnov(a, c)
	require.NoError(t, err)
	assert.Less(t, p, 0.001)

	p, err = KolmogorovSmirnov(a, a)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)

	_, err = KolmogorovSmirnov(nil, a)
	assert.Error(t, err)
}

package rollout

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func setup(t *testing.T) (*Controller, *store.SQLiteStore, *audit.Log, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "rollout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := audit.NewLog(s)
	return New(s, log, WithClock(clock.Now)), s, log, clock
}

func TestCohortValue_StableAndInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("user-%d", i)
		v1, h1 := CohortValue(id)
		v2, h2 := CohortValue(id)
		assert.Equal(t, v1, v2)
		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 8)
		assert.GreaterOrEqual(t, v1, 0.0)
		assert.Less(t, v1, 1.0)
	}
}

func TestCohort_PersistsAcrossRestarts(t *testing.T) {
	c, s, _, _ := setup(t)
	ctx := context.Background()

	v, err := c.Cohort(ctx, "alice")
	require.NoError(t, err)

	stored, err := s.GetCohort(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, v, stored.Value)

	restarted := New(s, nil)
	v2, err := restarted.Cohort(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestIsEnabled_UnknownFlagUsesDefault(t *testing.T) {
	c, _, _, _ := setup(t)
	assert.True(t, c.IsEnabled(context.Background(), "missing", "alice", true))
	assert.False(t, c.IsEnabled(context.Background(), "missing", "alice", false))
}

func TestIsEnabled_Precedence(t *testing.T) {
	c, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "ai_suggestions", Percentage: 1, Actor: "ops"})
	require.NoError(t, err)
	assert.True(t, c.IsEnabled(ctx, "ai_suggestions", "alice", false))

	require.NoError(t, c.SetOverride(ctx, model.UserOverride{Identity: "alice", Flag: "ai_suggestions", Enabled: false}, "ops"))
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "alice", true), "override beats global enable")
	assert.True(t, c.IsEnabled(ctx, "ai_suggestions", "bob", false))

	_, err = c.Disable(ctx, Change{Flag: "ai_suggestions", Actor: "ops"})
	require.NoError(t, err)
	require.NoError(t, c.SetOverride(ctx, model.UserOverride{Identity: "carol", Flag: "ai_suggestions", Enabled: true}, "ops"))
	assert.True(t, c.IsEnabled(ctx, "ai_suggestions", "carol", false), "override beats global disable")
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "bob", true), "disabled beats default")
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "", true))

	require.NoError(t, c.ClearOverride(ctx, "carol", "ai_suggestions"))
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "carol", false))
}

func TestIsEnabled_PercentageGateMatchesCohort(t *testing.T) {
	c, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "f", Percentage: 0.5})
	require.NoError(t, err)

	on := 0
	for i := 0; i < 400; i++ {
		id := fmt.Sprintf("user-%d", i)
		cohort, _ := CohortValue(id)
		got := c.IsEnabled(ctx, "f", id, false)
		assert.Equal(t, cohort < 0.5, got, id)
		if got {
			on++
		}
	}
	assert.InDelta(t, 200, on, 60)

	_, err = c.Enable(ctx, Change{Flag: "f", Percentage: 0})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled(ctx, "f", "user-1", true))
}

func TestIsEnabled_ServesCachedSnapshotUntilTTL(t *testing.T) {
	c, s, _, clock := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "f", Percentage: 1})
	require.NoError(t, err)
	assert.True(t, c.IsEnabled(ctx, "f", "alice", false))

	// A write that bypasses the controller is invisible until the TTL passes.
	require.NoError(t, s.SaveFlag(ctx, &model.FeatureFlag{Name: "f", Enabled: false, Strategy: model.StrategyPercentage, UpdatedAt: clock.Now()}, nil))
	assert.True(t, c.IsEnabled(ctx, "f", "alice", false))

	clock.Advance(DefaultCacheTTL)
	assert.False(t, c.IsEnabled(ctx, "f", "alice", false))
}

func TestAutoDisable_MidRollout(t *testing.T) {
	c, _, log, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "ai_suggestions", Percentage: 0.75, Actor: "ops"})
	require.NoError(t, err)
	require.NoError(t, c.SetOverride(ctx, model.UserOverride{Identity: "beta", Flag: "ai_suggestions", Enabled: true}, "ops"))

	changed, err := c.AutoDisable(ctx, "ai_suggestions", "mean shift 0.15", "")
	require.NoError(t, err)
	assert.True(t, changed)

	for i := 0; i < 100; i++ {
		assert.False(t, c.IsEnabled(ctx, "ai_suggestions", fmt.Sprintf("user-%d", i), true))
	}
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "beta", true), "kill switch beats an enabled override")

	st, err := c.Status(ctx, "ai_suggestions")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.True(t, st.AutoDisabled)
	assert.Zero(t, st.RolloutPercentage)
	assert.Equal(t, 1, st.OverridesEnabled)

	changed, err = c.AutoDisable(ctx, "ai_suggestions", "again", "")
	require.NoError(t, err)
	assert.False(t, changed, "already disabled")

	hist, err := c.History(ctx, "ai_suggestions", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	var auto model.RolloutHistoryEntry
	for _, h := range hist {
		if h.EventType == model.RolloutAutoDisabled {
			auto = h
		}
	}
	assert.True(t, auto.OldEnabled)
	assert.InDelta(t, 0.75, auto.OldPercentage, 1e-9)
	assert.False(t, auto.NewEnabled)
	assert.Equal(t, model.TriggerDriftMonitor, auto.TriggeredBy)
	assert.Equal(t, "mean shift 0.15", auto.Reason)

	evs, err := log.Events(ctx, store.AuditFilter{EventType: model.EventRollbackTriggered})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestAutoDisable_ReenableRestoresOverrides(t *testing.T) {
	c, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "ai_suggestions", Percentage: 0, Actor: "ops"})
	require.NoError(t, err)
	require.NoError(t, c.SetOverride(ctx, model.UserOverride{Identity: "beta", Flag: "ai_suggestions", Enabled: true}, "ops"))
	require.True(t, c.IsEnabled(ctx, "ai_suggestions", "beta", false))

	_, err = c.AutoDisable(ctx, "ai_suggestions", "ks p=0.001", "")
	require.NoError(t, err)
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "beta", false))

	f, err := c.Enable(ctx, Change{Flag: "ai_suggestions", Percentage: 0, Actor: "ops", Reason: "recalibrated"})
	require.NoError(t, err)
	assert.False(t, f.AutoDisabled)
	assert.True(t, c.IsEnabled(ctx, "ai_suggestions", "beta", false))
}

func TestAutoDisable_AfterManualDisableStillFires(t *testing.T) {
	c, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "ai_suggestions", Percentage: 0, Actor: "ops"})
	require.NoError(t, err)
	_, err = c.Disable(ctx, Change{Flag: "ai_suggestions", Actor: "ops"})
	require.NoError(t, err)
	require.NoError(t, c.SetOverride(ctx, model.UserOverride{Identity: "beta", Flag: "ai_suggestions", Enabled: true}, "ops"))
	require.True(t, c.IsEnabled(ctx, "ai_suggestions", "beta", false), "manual disable keeps overrides")

	changed, err := c.AutoDisable(ctx, "ai_suggestions", "mean shift", "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, c.IsEnabled(ctx, "ai_suggestions", "beta", false))
}

func TestIsEnabled_AnonymousOnlyAtFullRollout(t *testing.T) {
	c, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Enable(ctx, Change{Flag: "f", Percentage: 0.01})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled(ctx, "f", "", true))

	_, err = c.Enable(ctx, Change{Flag: "f", Percentage: 1})
	require.NoError(t, err)
	assert.True(t, c.IsEnabled(ctx, "f", "", false))
}

func TestAutoDisable_UnknownFlag(t *testing.T) {
	c, _, _, _ := setup(t)
	_, err := c.AutoDisable(context.Background(), "nope", "x", "")
	assert.ErrorIs(t, err, ErrFlagNotFound)
}

func TestEnable_RejectsPercentageOutOfRange(t *testing.T) {
	c, _, _, _ := setup(t)
	_, err := c.Enable(context.Background(), Change{Flag: "f", Percentage: 1.5})
	assert.Error(t, err)
}

type failingStore struct {
	Store
}

func (failingStore) ListFlags(context.Context) ([]model.FeatureFlag, error) {
	return nil, assert.AnError
}

func TestIsEnabled_FailsClosedOnStoreError(t *testing.T) {
	c := New(failingStore{}, nil)
	assert.False(t, c.IsEnabled(context.Background(), "f", "alice", true))
}

func TestIsEnabled_ConcurrentReadersDuringReload(t *testing.T) {
	c, _, _, clock := setup(t)
	ctx := context.Background()
	_, err := c.Enable(ctx, Change{Flag: "f", Percentage: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%10 == 0 {
					clock.Advance(DefaultCacheTTL)
				}
				assert.True(t, c.IsEnabled(ctx, "f", fmt.Sprintf("u-%d-%d", i, j), false))
			}
		}(i)
	}
	wg.Wait()
}

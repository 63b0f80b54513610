package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

// mockSource implements Source for testing. Rows are kept newest first.
type mockSource struct {
	suggestions []model.Suggestion
	events      []model.AuditEvent
	listErr     error
	auditErr    error
}

func (m *mockSource) ListSuggestions(_ context.Context, _ store.SuggestionFilter) ([]model.Suggestion, error) {
	return m.suggestions, m.listErr
}

func (m *mockSource) ListAuditEvents(_ context.Context, f store.AuditFilter) ([]model.AuditEvent, error) {
	if m.auditErr != nil {
		return nil, m.auditErr
	}
	var out []model.AuditEvent
	for _, ev := range m.events {
		if f.EventType == "" || ev.EventType == f.EventType {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeVerifier struct {
	v   audit.Verification
	err error
}

func (f fakeVerifier) VerifyChain(context.Context, int) (audit.Verification, error) {
	return f.v, f.err
}

type fakeDrift struct {
	stats  drift.Stats
	alerts []model.DriftAlert
	calls  int
}

func (f *fakeDrift) Stats() drift.Stats { return f.stats }

func (f *fakeDrift) Detect() []model.DriftAlert {
	f.calls++
	return f.alerts
}

func sug(age time.Duration, passed bool, status model.SuggestionStatus, calibrated float64) model.Suggestion {
	return model.Suggestion{
		CreatedAt:            time.Now().UTC().Add(-age),
		Validation:           model.ValidationResult{Passed: passed},
		Status:               status,
		CalibratedConfidence: calibrated,
	}
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockSource{}, nil, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.SuggestionsTotal)
	assert.Zero(t, snap.FailRate)
	assert.True(t, snap.Chain.Valid)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_SuggestionMetrics(t *testing.T) {
	src := &mockSource{suggestions: []model.Suggestion{
		sug(time.Minute, true, model.StatusPending, 0.96),
		sug(time.Hour, true, model.StatusAccepted, 0.94),
		sug(2*time.Hour, false, model.StatusPending, 0.60),
		sug(3*time.Hour, false, model.StatusRejected, 0.50),
		// Outside the window.
		sug(48*time.Hour, false, model.StatusPending, 0.10),
	}}
	c := NewCollector(src, nil, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.SuggestionsTotal)
	assert.Equal(t, 2, snap.SuggestionsPassed)
	assert.Equal(t, 2, snap.SuggestionsFailed)
	assert.Equal(t, 2, snap.SuggestionsPending)
	assert.Equal(t, 1, snap.SuggestionsAccepted)
	assert.Equal(t, 1, snap.SuggestionsRejected)
	assert.InDelta(t, 0.5, snap.FailRate, 0.001)
	assert.InDelta(t, 0.75, snap.AvgCalibrated, 0.001)
}

func TestCollector_SecurityEvents(t *testing.T) {
	now := time.Now().UTC()
	src := &mockSource{events: []model.AuditEvent{
		{EventType: model.EventUnauthorizedAccess, Timestamp: now.Add(-time.Minute)},
		{EventType: model.EventImmutableFieldViolation, Timestamp: now.Add(-2 * time.Minute)},
		{EventType: model.EventUnauthorizedAccess, Timestamp: now.Add(-time.Hour)},
		{EventType: model.EventSuggestionGenerated, Timestamp: now.Add(-time.Hour)},
		{EventType: model.EventUnauthorizedAccess, Timestamp: now.Add(-72 * time.Hour)},
	}}
	c := NewCollector(src, nil, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.UnauthorizedAccess)
	assert.Equal(t, 1, snap.ImmutableViolation)
	assert.Equal(t, 3, snap.SecurityEvents())
}

func TestCollector_ChainAndDrift(t *testing.T) {
	dr := &fakeDrift{stats: drift.Stats{BaselineEstablished: true, TotalEvents: 600}}
	c := NewCollector(&mockSource{},
		fakeVerifier{v: audit.Verification{Valid: false, Message: "hash mismatch", BrokenAt: "ev-9"}},
		dr)

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, snap.Chain.Valid)
	assert.Equal(t, "ev-9", snap.Chain.BrokenAt)
	assert.True(t, snap.Drift.BaselineEstablished)
	assert.Equal(t, int64(600), snap.Drift.TotalEvents)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewCollector(&mockSource{listErr: boom}, nil, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list suggestions")

	_, err = NewCollector(&mockSource{auditErr: boom}, nil, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized_access")

	_, err = NewCollector(&mockSource{}, fakeVerifier{err: boom}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify chain")
}

func TestCollector_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	log := audit.NewLog(s)
	_, err = log.Append(ctx, audit.Entry{Type: model.EventUnauthorizedAccess, ActorID: "scraper", ReferenceID: "ref-1"})
	require.NoError(t, err)
	_, err = log.Append(ctx, audit.Entry{Type: model.EventImmutableFieldViolation, ActorID: "tier0_auto_fix", ReferenceID: "ref-1"})
	require.NoError(t, err)

	snap, err := NewCollector(s, log, nil).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UnauthorizedAccess)
	assert.Equal(t, 1, snap.ImmutableViolation)
	assert.True(t, snap.Chain.Valid)
	assert.Equal(t, 2, snap.Chain.EventsChecked)
}

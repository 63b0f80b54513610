package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func appendN(t *testing.T, l *Log, n int) []*model.AuditEvent {
	t.Helper()
	out := make([]*model.AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), Entry{
			Type:        model.EventFieldModified,
			ActorID:     "user-1",
			ReferenceID: fmt.Sprintf("ref-%d", i),
			Details:     map[string]any{"field": "title", "index": i},
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestAppend_LinksToTail(t *testing.T) {
	l := NewLog(newTestStore(t))
	evs := appendN(t, l, 3)

	assert.Empty(t, evs[0].PreviousHash)
	assert.Equal(t, evs[0].EventHash, evs[1].PreviousHash)
	assert.Equal(t, evs[1].EventHash, evs[2].PreviousHash)
	assert.Len(t, evs[2].EventHash, 64)
}

func TestVerifyChain_Empty(t *testing.T) {
	l := NewLog(newTestStore(t))
	v, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "No events to verify", v.Message)
}

func TestVerifyChain_Intact(t *testing.T) {
	l := NewLog(newTestStore(t))
	appendN(t, l, 5)

	v, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "Chain verified (5 events)", v.Message)
	assert.Equal(t, 5, v.EventsChecked)

	v, err = l.VerifyChain(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 2, v.EventsChecked)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		column string
		value  string
	}{
		{"timestamp", "ts", "2020-01-01T00:00:00Z"},
		{"event type", "event_type", string(model.EventSuggestionRejected)},
		{"actor", "actor_id", "mallory"},
		{"reference", "reference_id", "ref-other"},
		{"suggestion", "suggestion_id", "sug-x"},
		{"details", "details", `{"field":"doi"}`},
		{"event hash", "event_hash", "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			l := NewLog(s)
			evs := appendN(t, l, 4)
			target := evs[2]

			_, err := s.DB().Exec(fmt.Sprintf("UPDATE audit_log SET %s = ? WHERE id = ?", tt.column), tt.value, target.ID)
			require.NoError(t, err)

			v, err := l.VerifyChain(context.Background(), 0)
			require.NoError(t, err)
			assert.False(t, v.Valid)
			assert.Equal(t, target.ID, v.BrokenAt)
			assert.Contains(t, v.Message, target.ID)
		})
	}
}

func TestVerifyChain_ReportsUnparseableTimestamp(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s)
	evs := appendN(t, l, 3)

	_, err := s.DB().Exec("UPDATE audit_log SET ts = ? WHERE id = ?", "not-a-time", evs[1].ID)
	require.NoError(t, err)

	v, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, evs[1].ID, v.BrokenAt)
	assert.Equal(t, 2, v.EventsChecked)
	assert.Equal(t, fmt.Sprintf("Unparseable timestamp at event %s", evs[1].ID), v.Message)

	// Appends still link to the stored tail hash.
	evs2 := appendN(t, l, 1)
	assert.Equal(t, evs[2].EventHash, evs2[0].PreviousHash)
}

func TestVerifyChain_DetectsDeletion(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s)
	evs := appendN(t, l, 4)

	_, err := s.DB().Exec("DELETE FROM audit_log WHERE id = ?", evs[1].ID)
	require.NoError(t, err)

	v, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, evs[2].ID, v.BrokenAt)
	assert.Equal(t, fmt.Sprintf("Chain broken at event %s", evs[2].ID), v.Message)
}

func TestVerify_RootMustHaveEmptyPrevious(t *testing.T) {
	ev := model.AuditEvent{
		ID:           "e1",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType:    model.EventFieldModified,
		Details:      json.RawMessage(`{}`),
		PreviousHash: "abc",
	}
	ev.EventHash = Hash(&ev)

	v := Verify([]model.AuditEvent{ev})
	assert.False(t, v.Valid)
	assert.Equal(t, "Chain broken at event e1", v.Message)
}

func TestHash_FieldBoundaries(t *testing.T) {
	base := model.AuditEvent{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType: model.EventFieldModified,
		ActorID:   "ab",
		Details:   json.RawMessage(`{}`),
	}
	shifted := base
	shifted.ActorID = "a"
	shifted.ReferenceID = "b"

	assert.NotEqual(t, Hash(&base), Hash(&shifted))
	assert.Equal(t, Hash(&base), Hash(&base))
}

func TestAppend_ConcurrentWritersKeepOneChain(t *testing.T) {
	s := newTestStore(t)
	a, b := NewLog(s), NewLog(s)
	a.maxAttempts, b.maxAttempts = 1000, 1000

	var wg sync.WaitGroup
	for _, l := range []*Log{a, b, a, b} {
		wg.Add(1)
		go func(l *Log) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Append(context.Background(), Entry{Type: model.EventSuggestionGenerated, ActorID: "worker"})
				assert.NoError(t, err)
			}
		}(l)
	}
	wg.Wait()

	v, err := a.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, v.Valid, v.Message)
	assert.Equal(t, 40, v.EventsChecked)
}

type conflictStore struct {
	store.Store
	inserts int
}

func (c *conflictStore) LastAuditEvent(context.Context) (*model.AuditEvent, error) {
	return nil, nil
}

func (c *conflictStore) InsertAuditEvent(context.Context, *model.AuditEvent) error {
	c.inserts++
	return store.ErrChainConflict
}

func TestAppend_GivesUpAfterMaxAttempts(t *testing.T) {
	cs := &conflictStore{}
	l := NewLog(cs)
	l.maxAttempts = 3

	_, err := l.Append(context.Background(), Entry{Type: model.EventFieldModified})
	assert.ErrorIs(t, err, ErrTailContention)
	assert.Equal(t, 3, cs.inserts)
}

func TestAppend_RejectsInvalidRawDetails(t *testing.T) {
	l := NewLog(newTestStore(t))
	_, err := l.Append(context.Background(), Entry{Type: model.EventFieldModified, Details: json.RawMessage(`{`)})
	assert.Error(t, err)
}

func TestEvents_Filter(t *testing.T) {
	l := NewLog(newTestStore(t))
	appendN(t, l, 3)
	_, err := l.Append(context.Background(), Entry{Type: model.EventRollbackTriggered, ActorID: "drift_monitor"})
	require.NoError(t, err)

	evs, err := l.Events(context.Background(), store.AuditFilter{EventType: model.EventRollbackTriggered})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "drift_monitor", evs[0].ActorID)
}

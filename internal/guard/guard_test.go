package guard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

func setup(t *testing.T) (*Guard, *store.SQLiteStore, *audit.Log) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.ImportReferences(ctx, []model.Reference{{
		ID: "ref-1",
		Fields: map[string]any{
			"id":        "ref-1",
			"title":     "Structure and Interpretation",
			"publisher": "",
			"year":      "1985",
		},
	}})
	require.NoError(t, err)

	log := audit.NewLog(s)
	return New(s, log, nil, metrics.New()), s, log
}

func eventsOf(t *testing.T, log *audit.Log, typ model.AuditEventType) []model.AuditEvent {
	t.Helper()
	evs, err := log.Events(context.Background(), store.AuditFilter{EventType: typ})
	require.NoError(t, err)
	return evs
}

func TestAuthorizeWrite_UnlistedCaller(t *testing.T) {
	g, _, log := setup(t)
	d := g.AuthorizeWrite(context.Background(), Write{Caller: "rogue_script", ReferenceID: "ref-1", Field: "publisher", New: "X"})

	assert.False(t, d.Allowed)
	assert.True(t, d.Security)
	assert.Contains(t, d.Reason, "rogue_script")
	assert.Len(t, eventsOf(t, log, model.EventUnauthorizedAccess), 1)
	assert.Empty(t, eventsOf(t, log, model.EventFieldModified))
}

func TestAuthorizeWrite_ImmutableField(t *testing.T) {
	g, _, log := setup(t)
	d := g.AuthorizeWrite(context.Background(), Write{Caller: CallerUserManualEdit, ReferenceID: "ref-1", Field: "id", Old: "ref-1", New: "ref-2"})

	assert.False(t, d.Allowed)
	assert.True(t, d.Security)
	assert.Len(t, eventsOf(t, log, model.EventImmutableFieldViolation), 1)
}

func TestAuthorizeWrite_NoOpIsPlainDenial(t *testing.T) {
	g, _, log := setup(t)
	d := g.AuthorizeWrite(context.Background(), Write{Caller: CallerAPILookup, Field: "title", Old: "A", New: "A"})

	assert.False(t, d.Allowed)
	assert.False(t, d.Security)
	evs, err := log.Events(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestAuthorizeWrite_AllowedIsAudited(t *testing.T) {
	g, _, log := setup(t)
	d := g.AuthorizeWrite(context.Background(), Write{Caller: CallerAPILookup, ReferenceID: "ref-1", Field: "publisher", Old: "", New: "MIT Press", ActorID: "u-7"})

	require.True(t, d.Allowed)
	evs := eventsOf(t, log, model.EventFieldModified)
	require.Len(t, evs, 1)
	assert.Equal(t, "u-7", evs[0].ActorID)
	assert.Equal(t, "ref-1", evs[0].ReferenceID)
	assert.Contains(t, string(evs[0].Details), "MIT Press")
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, audit.Entry) (*model.AuditEvent, error) {
	return nil, assert.AnError
}

func TestAuthorizeWrite_DeniesWhenAuditFails(t *testing.T) {
	_, s, _ := setup(t)
	g := New(s, failingRecorder{}, nil, nil)
	d := g.AuthorizeWrite(context.Background(), Write{Caller: CallerAPILookup, Field: "publisher", Old: "", New: "X"})
	assert.False(t, d.Allowed)
}

func TestAuthorizeWrite_CustomAllowList(t *testing.T) {
	_, s, log := setup(t)
	g := New(s, log, []string{"importer_v2"}, nil)
	assert.True(t, g.Authorized("importer_v2"))
	assert.False(t, g.Authorized(CallerUserManualEdit))
}

func TestApply_Commits(t *testing.T) {
	g, s, _ := setup(t)
	ctx := context.Background()

	d, err := g.Apply(ctx, CallerUserApprovedSuggestion, "ref-1", "publisher", "MIT Press", "u-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "MIT Press", ref.Fields["publisher"])
}

func TestApply_DeniedLeavesRecord(t *testing.T) {
	g, s, _ := setup(t)
	ctx := context.Background()

	d, err := g.Apply(ctx, CallerUserApprovedSuggestion, "ref-1", "id", "other", "u-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", ref.Fields["id"])
}

func TestApply_MissingReference(t *testing.T) {
	g, _, _ := setup(t)
	_, err := g.Apply(context.Background(), CallerAPILookup, "nope", "publisher", "X", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchApply_AllOrNothing(t *testing.T) {
	g, s, _ := setup(t)
	ctx := context.Background()

	res, err := g.BatchApply(ctx, CallerTier1AutoEnrich, "ref-1", map[string]any{
		"publisher": "MIT Press",
		"id":        "ref-9",
		"title":     "Structure and Interpretation",
	}, "u-1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "id", res.Failures[0].Field)
	assert.Equal(t, "title", res.Failures[1].Field)

	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "", ref.Fields["publisher"], "no field of a failed batch is written")
}

func TestBatchApply_Success(t *testing.T) {
	g, s, log := setup(t)
	ctx := context.Background()

	res, err := g.BatchApply(ctx, CallerTier1AutoEnrich, "ref-1", map[string]any{
		"publisher": "MIT Press",
		"location":  "Cambridge, MA",
	}, "u-1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, res.Decisions, 2)

	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "MIT Press", ref.Fields["publisher"])
	assert.Equal(t, "Cambridge, MA", ref.Fields["location"])
	assert.Len(t, eventsOf(t, log, model.EventFieldModified), 2)

	v, err := log.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestBatchApply_Empty(t *testing.T) {
	g, _, _ := setup(t)
	res, err := g.BatchApply(context.Background(), CallerAPILookup, "ref-1", nil, "")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

package tier0

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name, field, in, want, rule string
	}{
		{"collapses whitespace", "publisher", "  MIT   Press ", "MIT Press", RuleWhitespace},
		{"doubled punctuation", "title", "Deep Learning..", "Deep Learning.", RuleDoubledPunctuation},
		{"space before comma", "location", "Cambridge , MA", "Cambridge, MA", RuleDoubledPunctuation},
		{"first rule wins", "publisher", "MIT  Press,,", "MIT Press,", RuleWhitespace},
		{"trailing year dot", "year", "1985.", "1985", RuleYearFormat},
		{"parenthesized year", "year", "(1985)", "1985", RuleYearFormat},
		{"year range untouched", "year", "1985-1986", "1985-1986", ""},
		{"year outside year field", "title", "(1985)", "(1985)", ""},
		{"clean value", "title", "Deep Learning", "Deep Learning", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := repair(tt.field, tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestAnalyze(t *testing.T) {
	ref := &model.Reference{ID: "ref-1", Fields: map[string]any{
		"id":        " ref-1 ",
		"title":     "Structure  and Interpretation",
		"year":      "(1985)",
		"publisher": "",
		"authors":   []any{"Abelson, H"},
	}}
	p := Analyze(ref)

	require.Len(t, p.Fixes, 1)
	assert.Equal(t, Fix{Field: "title", Rule: RuleWhitespace, Old: "Structure  and Interpretation", New: "Structure and Interpretation"}, p.Fixes[0])

	codes := map[string]string{}
	for _, v := range p.Violations {
		codes[v.Field] = v.Code
	}
	assert.Equal(t, map[string]string{
		"year":      CodeNeedsReview,
		"publisher": "missing_publisher",
	}, codes)
}

func setup(t *testing.T) (*Fixer, *store.SQLiteStore, *audit.Log) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "tier0.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.ImportReferences(ctx, []model.Reference{{ID: "ref-1", Fields: map[string]any{
		"id":        "ref-1",
		"title":     "Structure  and Interpretation",
		"year":      "1985.",
		"publisher": "MIT Press..",
	}}})
	require.NoError(t, err)

	log := audit.NewLog(s)
	return New(guard.New(s, log, nil, nil)), s, log
}

func TestRun_AppliesThroughGuard(t *testing.T) {
	f, s, log := setup(t)
	ctx := context.Background()
	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)

	p, res, err := f.Run(ctx, ref, "tier0-bot", false)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Applied)
	assert.Len(t, p.Fixes, 3)
	assert.Empty(t, p.Violations)

	got, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "Structure and Interpretation", got.Fields["title"])
	assert.Equal(t, "1985", got.Fields["year"])
	assert.Equal(t, "MIT Press.", got.Fields["publisher"])

	evs, err := log.Events(ctx, store.AuditFilter{EventType: model.EventFieldModified})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Contains(t, string(evs[0].Details), guard.CallerTier0AutoFix)

	again, res, err := f.Run(ctx, got, "tier0-bot", false)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, again.Fixes)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f, s, log := setup(t)
	ctx := context.Background()
	ref, err := s.GetReference(ctx, "ref-1")
	require.NoError(t, err)

	p, res, err := f.Run(ctx, ref, "tier0-bot", true)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, p.Fixes, 3)

	evs, err := log.Events(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

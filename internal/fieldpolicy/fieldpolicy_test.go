package fieldpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOf(t *testing.T) {
	t.Parallel()

	tests := map[string]Level{
		"id":              Immutable,
		"bibliography_id": Immutable,
		"added_at":        Immutable,
		"source":          Immutable,
		"author":          Critical,
		"authors":         Critical,
		"title":           Critical,
		"year":            Critical,
		"publisher":       Enrichable,
		"doi":             Enrichable,
		"conference_date": Enrichable,
		"url":             Enrichable,
		"pub_type":        Formattable,
		"collection":      Formattable,
		"access_date":     Formattable,
		"shoe_size":       Critical,
		"":                Critical,
	}
	for name, want := range tests {
		assert.Equal(t, want, LevelOf(name), name)
	}
}

func TestUnknownFieldIsCritical(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Critical, Unknown.Level())
	assert.Equal(t, Critical, Field(999).Level())
}

func TestEveryKnownFieldRoundTrips(t *testing.T) {
	t.Parallel()
	fields := Fields()
	require.Len(t, fields, 24)
	for _, f := range fields {
		got, ok := Lookup(f.Name())
		require.True(t, ok, f.Name())
		assert.Equal(t, f, got)
	}
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	f, ok := ParsePath("/publisher")
	require.True(t, ok)
	assert.Equal(t, Publisher, f)

	for _, bad := range []string{"publisher", "/", "", "/a/b", "/nope"} {
		_, ok := ParsePath(bad)
		assert.False(t, ok, bad)
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		level          Level
		oldVal, newVal any
		verified       bool
		formatting     bool
		want           bool
		reason         string
	}{
		{"immutable always denied", Immutable, "a", "b", true, true, false, ReasonImmutable},
		{"formattable always allowed", Formattable, "a", "b", false, false, true, ""},
		{"enrichable empty old", Enrichable, "", "Springer", false, false, true, ""},
		{"enrichable nil old", Enrichable, nil, "Springer", false, false, true, ""},
		{"enrichable formatting", Enrichable, "springer", "Springer", false, true, true, ""},
		{"enrichable verified", Enrichable, "Wiley", "Springer", true, false, true, ""},
		{"enrichable unverified overwrite", Enrichable, "Wiley", "Springer", false, false, false, ReasonEnrichUnverified},
		{"critical unverified", Critical, "Old", "New", false, false, false, ReasonCriticalUnverified},
		{"critical empty still needs verification", Critical, "", "New", false, false, false, ReasonCriticalUnverified},
		{"critical verified", Critical, "Old", "New", true, false, true, ""},
		{"critical formatting", Critical, "old", "Old", false, true, true, ""},
		{"no-op denied at formattable", Formattable, "x", "x", true, true, false, ReasonNoChange},
		{"no-op denied at immutable", Immutable, "x", "x", false, false, false, ReasonNoChange},
		{"no-op numbers", Critical, float64(2020), 2020, true, true, false, ReasonNoChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, reason := Allowed(tt.level, tt.oldVal, tt.newVal, tt.verified, tt.formatting)
			assert.Equal(t, tt.want, ok)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, reason)
			}
			assert.NotEmpty(t, reason)
		})
	}
}

func TestAllowedNameUnknownFieldTreatedAsCritical(t *testing.T) {
	t.Parallel()
	ok, reason := AllowedName("mystery", "a", "b", false, false)
	assert.False(t, ok)
	assert.Equal(t, ReasonCriticalUnverified, reason)
}

func TestFormattingOnly(t *testing.T) {
	t.Parallel()

	assert.True(t, FormattingOnly("the  journal of go", "The Journal of Go"))
	assert.True(t, FormattingOnly("Proc..", "Proc."))
	assert.True(t, FormattingOnly("ﬁsh", "fish"))
	assert.False(t, FormattingOnly("Journal A", "Journal B"))
	assert.False(t, FormattingOnly("", "Journal"))
	assert.False(t, FormattingOnly("Same", "Same"))
}

func TestMatches(t *testing.T) {
	t.Parallel()

	assert.True(t, Matches("10.1000/XYZ", "10.1000/xyz"))
	assert.True(t, Matches([]any{"Doe, J.", "Roe, R."}, []string{"doe, j.", "roe, r."}))
	assert.False(t, Matches("a", nil))
	assert.False(t, Matches("a", "b"))
}

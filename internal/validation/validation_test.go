package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/model"
)

func baseRef() *model.Reference {
	return &model.Reference{ID: "r1", Fields: map[string]any{
		"id":        "r1",
		"title":     "The Go Programming Language",
		"year":      "2015",
		"publisher": "",
		"journal":   "journal of go",
	}}
}

func publisherInput(score float64) Input {
	return Input{
		Proposal: &Proposal{
			Tier:    model.Tier1,
			Patches: []model.Patch{{Op: model.OpAdd, Path: "/publisher", Value: "Addison-Wesley"}},
			Scores:  map[string]float64{"publisher": score},
		},
		Reference:  baseRef(),
		Violations: []model.Violation{{Field: "publisher", Code: "missing_field"}},
	}
}

func codes(rej []model.Rejection) []string {
	out := make([]string, 0, len(rej))
	for _, r := range rej {
		out = append(out, r.Code)
	}
	return out
}

func TestEnrichEmptyFieldPassesAllStages(t *testing.T) {
	res := New().Validate(publisherInput(0.96))
	assert.True(t, res.Passed)
	assert.Equal(t, 7, res.StagePassed)
	assert.Empty(t, res.Rejections)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "/publisher", res.Accepted[0].Path)
}

func TestLowConfidenceFailsAtStageSix(t *testing.T) {
	res := New().Validate(publisherInput(0.80))
	assert.False(t, res.Passed)
	assert.Equal(t, 5, res.StagePassed)
	assert.Equal(t, StageConfidence, res.FailedStage())
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, CodeConfidenceTooLow, res.Rejections[0].Code)
	assert.Contains(t, res.Rejections[0].Message, "confidence too low")
	assert.Nil(t, res.Accepted)
}

func TestBelowThresholdAlwaysFailsAtStageSix(t *testing.T) {
	tiers := map[model.Tier]float64{model.Tier0: 0.999, model.Tier1: 0.949, model.Tier2: 0.49}
	for tier, score := range tiers {
		in := publisherInput(score)
		in.Proposal.Tier = tier
		res := New().Validate(in)
		assert.False(t, res.Passed, tier)
		assert.Equal(t, 5, res.StagePassed, tier)
	}

	in := publisherInput(0)
	in.Proposal.Tier = model.Tier3
	assert.True(t, New().Validate(in).Passed)
}

func TestImmutableOnlyFailsByStageTwo(t *testing.T) {
	for _, score := range []float64{0, 0.5, 1} {
		in := Input{
			Proposal: &Proposal{
				Tier: model.Tier3,
				Patches: []model.Patch{
					{Op: model.OpReplace, Path: "/id", Value: "r2"},
					{Op: model.OpReplace, Path: "/source", Value: "import"},
					{Op: model.OpReplace, Path: "/added_at", Value: "2020-01-01"},
				},
				Scores: map[string]float64{"id": score, "source": score, "added_at": score},
			},
			Reference:  baseRef(),
			Violations: []model.Violation{{Field: "id"}, {Field: "source"}, {Field: "added_at"}},
			External:   &model.ExternalMetadata{Data: map[string]any{"id": "r2", "source": "import"}},
		}
		res := New().Validate(in)
		assert.False(t, res.Passed)
		assert.LessOrEqual(t, res.StagePassed, 2)
		assert.Equal(t, []string{CodeImmutableField, CodeImmutableField, CodeImmutableField}, codes(res.Rejections))
	}
}

func TestStageThreeFiltersAndContinues(t *testing.T) {
	in := publisherInput(0.99)
	in.Proposal.Patches = append(in.Proposal.Patches, model.Patch{Op: model.OpReplace, Path: "/title", Value: "Another Title"})
	in.Proposal.Scores["title"] = 0.99
	in.Violations = append(in.Violations, model.Violation{Field: "title"})

	res := New().Validate(in)
	assert.True(t, res.Passed)
	assert.Equal(t, 7, res.StagePassed)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, CodeCriticalNoVerify, res.Rejections[0].Code)
	assert.Equal(t, StageFieldAuthorization, res.Rejections[0].Stage)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "/publisher", res.Accepted[0].Path)
}

func TestCriticalChangeAllowedWhenVerified(t *testing.T) {
	in := Input{
		Proposal: &Proposal{
			Tier:    model.Tier2,
			Patches: []model.Patch{{Op: model.OpReplace, Path: "/title", Value: "The Go Programming Language, 2nd ed."}},
			Scores:  map[string]float64{"title": 0.7},
		},
		Reference:  baseRef(),
		Violations: []model.Violation{{Field: "title"}},
		External:   &model.ExternalMetadata{Source: "crossref", Data: map[string]any{"title": "the go programming language, 2nd ed."}},
	}
	res := New().Validate(in)
	assert.True(t, res.Passed)
}

func TestFormattingOnlyChangeAllowedOnCriticalField(t *testing.T) {
	in := Input{
		Proposal: &Proposal{
			Tier:    model.Tier2,
			Patches: []model.Patch{{Op: model.OpReplace, Path: "/journal", Value: "Journal of Go"}},
			Scores:  map[string]float64{"journal": 0.6},
		},
		Reference:  baseRef(),
		Violations: []model.Violation{{Field: "journal"}},
	}
	assert.True(t, New().Validate(in).Passed)
}

func TestStageFailures(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Input)
		stagePassed int
		codes       []string
	}{
		{
			name:        "nil proposal",
			mutate:      func(in *Input) { in.Proposal = nil },
			stagePassed: 0,
			codes:       []string{CodeInvalidPayload},
		},
		{
			name:        "no patches",
			mutate:      func(in *Input) { in.Proposal.Patches = nil },
			stagePassed: 0,
			codes:       []string{CodeMissingRequiredField},
		},
		{
			name:        "bad tier and score",
			mutate:      func(in *Input) { in.Proposal.Tier = "tier_7"; in.Proposal.Scores["publisher"] = 1.5 },
			stagePassed: 0,
			codes:       []string{CodeInvalidFieldType, CodeInvalidFieldType},
		},
		{
			name:        "patch without op",
			mutate:      func(in *Input) { in.Proposal.Patches[0].Op = "" },
			stagePassed: 0,
			codes:       []string{CodeInvalidPatchFormat},
		},
		{
			name:        "remove op",
			mutate:      func(in *Input) { in.Proposal.Patches[0].Op = "remove" },
			stagePassed: 1,
			codes:       []string{CodeUnsupportedOperation},
		},
		{
			name:        "unknown field",
			mutate:      func(in *Input) { in.Proposal.Patches[0].Path = "/shoe_size" },
			stagePassed: 1,
			codes:       []string{CodeInvalidPath},
		},
		{
			name:        "relative path",
			mutate:      func(in *Input) { in.Proposal.Patches[0].Path = "publisher" },
			stagePassed: 1,
			codes:       []string{CodeInvalidPath},
		},
		{
			name:        "no-op",
			mutate:      func(in *Input) { in.Reference.Fields["publisher"] = "Addison-Wesley" },
			stagePassed: 2,
			codes:       []string{CodeNoChange},
		},
		{
			name:        "enrichable overwrite unverified",
			mutate:      func(in *Input) { in.Reference.Fields["publisher"] = "Prentice Hall" },
			stagePassed: 2,
			codes:       []string{CodeUnauthorizedField},
		},
		{
			name:        "no violations",
			mutate:      func(in *Input) { in.Violations = nil },
			stagePassed: 3,
			codes:       []string{CodeNoViolationMapped},
		},
		{
			name:        "unrelated field",
			mutate:      func(in *Input) { in.Violations = []model.Violation{{Field: "doi"}} },
			stagePassed: 3,
			codes:       []string{CodeUnrelatedField},
		},
		{
			name:        "wrong type",
			mutate:      func(in *Input) { in.Proposal.Patches[0].Value = 42.0 },
			stagePassed: 4,
			codes:       []string{CodeInvalidDataType},
		},
		{
			name:        "missing score",
			mutate:      func(in *Input) { delete(in.Proposal.Scores, "publisher") },
			stagePassed: 5,
			codes:       []string{CodeMissingConfidence},
		},
		{
			name: "duplicate field",
			mutate: func(in *Input) {
				in.Proposal.Patches = append(in.Proposal.Patches, model.Patch{Op: model.OpAdd, Path: "/publisher", Value: "Pearson"})
			},
			stagePassed: 6,
			codes:       []string{CodeDuplicateField},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := publisherInput(0.99)
			tt.mutate(&in)
			res := New().Validate(in)
			assert.False(t, res.Passed)
			assert.Equal(t, tt.stagePassed, res.StagePassed)
			assert.Equal(t, tt.codes, codes(res.Rejections))
		})
	}
}

func TestDataTypeRules(t *testing.T) {
	tests := []struct {
		path  string
		value any
		code  string
	}{
		{"/year", 2015.0, CodeInvalidDataType},
		{"/year", "15", CodeInvalidFormat},
		{"/year", "20a5", CodeInvalidFormat},
		{"/year", "0999", CodeValueOutOfRange},
		{"/year", "2101", CodeValueOutOfRange},
		{"/year", "2024", ""},
		{"/authors", []any{"Donovan, A.", "Kernighan, B."}, ""},
		{"/authors", "Donovan, A.", ""},
		{"/authors", map[string]any{"a": 1}, CodeInvalidDataType},
		{"/authors", []any{}, CodeInvalidFormat},
		{"/authors", []any{"ok", 3.0}, CodeInvalidDataType},
		{"/publisher", "   ", CodeInvalidFormat},
		{"/doi", "10.1000/xyz123", ""},
		{"/doi", "doi:10.1000/xyz", CodeInvalidFormat},
		{"/url", "https://example.org/paper", ""},
		{"/url", "example.org/paper", CodeInvalidFormat},
	}
	for _, tt := range tests {
		patches, rej := checkStructure([]model.Patch{{Op: model.OpAdd, Path: tt.path, Value: tt.value}})
		require.Empty(t, rej)
		got := checkDataTypes(patches)
		if tt.code == "" {
			assert.Empty(t, got, "%s=%v", tt.path, tt.value)
			continue
		}
		require.Len(t, got, 1, "%s=%v", tt.path, tt.value)
		assert.Equal(t, tt.code, got[0].Code, "%s=%v", tt.path, tt.value)
	}
}

func TestExcessiveChanges(t *testing.T) {
	fields := []string{"publisher", "location", "journal", "volume", "issue", "pages", "editor", "edition",
		"conference_name", "conference_location", "conference_date"}
	ref := &model.Reference{ID: "r1", Fields: map[string]any{}}
	prop := &Proposal{Tier: model.Tier3, Scores: map[string]float64{}}
	var violations []model.Violation
	for _, f := range fields {
		prop.Patches = append(prop.Patches, model.Patch{Op: model.OpAdd, Path: "/" + f, Value: "Some " + f})
		prop.Scores[f] = 0.5
		violations = append(violations, model.Violation{Field: f})
	}

	res := New().Validate(Input{Proposal: prop, Reference: ref, Violations: violations})
	assert.False(t, res.Passed)
	assert.Equal(t, 6, res.StagePassed)
	assert.Equal(t, []string{CodeExcessiveChanges}, codes(res.Rejections))

	res = (&Pipeline{MaxPatches: 20}).Validate(Input{Proposal: prop, Reference: ref, Violations: violations})
	assert.True(t, res.Passed)
}

func TestEveryRejectionAtFailingStageIsRecorded(t *testing.T) {
	in := Input{
		Proposal: &Proposal{
			Tier: model.Tier1,
			Patches: []model.Patch{
				{Op: model.OpAdd, Path: "/publisher", Value: "Pearson"},
				{Op: model.OpAdd, Path: "/location", Value: "Boston"},
			},
			Scores: map[string]float64{"publisher": 0.5, "location": 0.6},
		},
		Reference:  &model.Reference{Fields: map[string]any{}},
		Violations: []model.Violation{{Field: "publisher"}, {Field: "location"}},
	}
	res := New().Validate(in)
	assert.Equal(t, []string{CodeConfidenceTooLow, CodeConfidenceTooLow}, codes(res.Rejections))
}

func TestStageName(t *testing.T) {
	assert.Equal(t, "schema_validation", StageName(StageSchema))
	assert.Equal(t, "business_rules", StageName(StageBusinessRules))
	assert.Equal(t, "unknown", StageName(9))
}

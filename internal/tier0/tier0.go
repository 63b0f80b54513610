// Package tier0 repairs formatting problems that need no judgment, such as
// stray whitespace, doubled punctuation and decorated years, and reports
// whatever it cannot fix as violations for the suggestion path.
package tier0

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/fieldpolicy"
	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/model"
)

// Rules and violation codes.
const (
	RuleWhitespace         = "whitespace"
	RuleDoubledPunctuation = "doubled_punctuation"
	RuleYearFormat         = "year_format"

	CodeMissingPrefix = "missing_"
	CodeNeedsReview   = "formatting_needs_review"
)

// RequiredFields are reported as violations when empty.
var RequiredFields = []string{"title", "year", "publisher"}

// Fix is one deterministic repair.
type Fix struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Plan is the analysis of one reference.
type Plan struct {
	ReferenceID string            `json:"reference_id"`
	Fixes       []Fix             `json:"fixes"`
	Violations  []model.Violation `json:"violations"`
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	spaceBefore = regexp.MustCompile(`\s+([,.;:])`)
	doubled     = regexp.MustCompile(`([,.;:])[,.;:]+`)
	yearLike    = regexp.MustCompile(`^\D*?(\d{4})[a-z]?\D*$`)
)

// Analyze finds repairs and violations. A repair the field policy would not
// allow without verification becomes a violation instead.
func Analyze(ref *model.Reference) Plan {
	p := Plan{ReferenceID: ref.ID}
	for _, name := range slices.Sorted(maps.Keys(ref.Fields)) {
		old, ok := ref.Fields[name].(string)
		if !ok || model.IsEmpty(old) {
			continue
		}
		level := fieldpolicy.LevelOf(name)
		if level == fieldpolicy.Immutable {
			continue
		}

		fixed, rule := repair(name, old)
		if rule == "" {
			continue
		}
		if ok, _ := fieldpolicy.Allowed(level, old, fixed, false, fieldpolicy.FormattingOnly(old, fixed)); !ok {
			p.Violations = append(p.Violations, model.Violation{
				Field:   name,
				Code:    CodeNeedsReview,
				Message: rule + ": " + fixed,
			})
			continue
		}
		p.Fixes = append(p.Fixes, Fix{Field: name, Rule: rule, Old: old, New: fixed})
	}

	for _, name := range RequiredFields {
		if model.IsEmpty(ref.Field(name)) {
			p.Violations = append(p.Violations, model.Violation{
				Field:   name,
				Code:    CodeMissingPrefix + name,
				Message: name + " is missing",
			})
		}
	}
	return p
}

// repair applies every rule to s and names the first that changed it.
func repair(field, s string) (string, string) {
	out, rule := s, ""
	mark := func(next, name string) {
		if next != out && rule == "" {
			rule = name
		}
		out = next
	}

	mark(strings.TrimSpace(spaceRun.ReplaceAllString(out, " ")), RuleWhitespace)
	mark(doubled.ReplaceAllString(spaceBefore.ReplaceAllString(out, "$1"), "$1"), RuleDoubledPunctuation)
	if field == "year" {
		if m := yearLike.FindStringSubmatch(out); m != nil {
			mark(m[1], RuleYearFormat)
		}
	}
	return out, rule
}

// Applier commits field changes.
type Applier interface {
	BatchApply(ctx context.Context, caller, referenceID string, values map[string]any, actor string) (*guard.BatchResult, error)
}

// Fixer applies plans through the guard as tier_0_auto_fix.
type Fixer struct {
	guard Applier
}

// New creates a Fixer.
func New(g Applier) *Fixer {
	return &Fixer{guard: g}
}

// Run analyzes ref and applies its fixes in one batch. With dryRun the plan
// is returned and nothing is written.
func (f *Fixer) Run(ctx context.Context, ref *model.Reference, actor string, dryRun bool) (Plan, *guard.BatchResult, error) {
	p := Analyze(ref)
	if dryRun || len(p.Fixes) == 0 {
		return p, nil, nil
	}

	values := make(map[string]any, len(p.Fixes))
	for _, fx := range p.Fixes {
		values[fx.Field] = fx.New
	}
	res, err := f.guard.BatchApply(ctx, guard.CallerTier0AutoFix, ref.ID, values, actor)
	if err != nil {
		return p, nil, eris.Wrapf(err, "tier0: apply fixes to %s", ref.ID)
	}
	zap.L().Info("tier0: fixes applied",
		zap.String("component", "tier0"),
		zap.String("reference_id", ref.ID),
		zap.Int("fixes", len(p.Fixes)),
		zap.Bool("applied", res.Applied),
	)
	return p, res, nil
}

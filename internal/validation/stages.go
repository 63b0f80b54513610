package validation

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/refguard/internal/fieldpolicy"
	"github.com/sells-group/refguard/internal/model"
)

// checkSchema is stage 1.
func checkSchema(p *Proposal) []model.Rejection {
	if p == nil {
		return []model.Rejection{reject(StageSchema, CodeInvalidPayload, "", "suggestion payload is missing")}
	}
	var rej []model.Rejection
	if len(p.Patches) == 0 {
		rej = append(rej, reject(StageSchema, CodeMissingRequiredField, "patches", "patches must contain at least one patch"))
	}
	if !p.Tier.Valid() {
		rej = append(rej, reject(StageSchema, CodeInvalidFieldType, "tier", "unknown tier %q", p.Tier))
	}
	for name, s := range p.Scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			rej = append(rej, reject(StageSchema, CodeInvalidFieldType, name, "confidence for %s must be in [0,1], got %v", name, s))
		}
	}
	for i, patch := range p.Patches {
		if patch.Op == "" || patch.Path == "" {
			rej = append(rej, reject(StageSchema, CodeInvalidPatchFormat, "", "patch %d must have op and path", i))
			continue
		}
		if patch.Value == nil {
			rej = append(rej, reject(StageSchema, CodeInvalidPatchFormat, strings.TrimPrefix(patch.Path, "/"), "patch %d has no value", i))
		}
	}
	return rej
}

// checkStructure is stage 2.
func checkStructure(patches []model.Patch) ([]patchRef, []model.Rejection) {
	var rej []model.Rejection
	out := make([]patchRef, 0, len(patches))
	for _, patch := range patches {
		name := strings.TrimPrefix(patch.Path, "/")
		if patch.Op != model.OpReplace && patch.Op != model.OpAdd {
			rej = append(rej, reject(StagePatchStructure, CodeUnsupportedOperation, name, "operation %q is not supported", patch.Op))
			continue
		}
		if !strings.HasPrefix(patch.Path, "/") {
			rej = append(rej, reject(StagePatchStructure, CodeInvalidPath, name, "path %q must start with /", patch.Path))
			continue
		}
		f, ok := fieldpolicy.ParsePath(patch.Path)
		if !ok {
			rej = append(rej, reject(StagePatchStructure, CodeInvalidPath, name, "unknown field %q", name))
			continue
		}
		out = append(out, patchRef{patch: patch, field: f})
	}
	return out, rej
}

// authorize is stage 3. It drops patches the field policy denies.
func authorize(patches []patchRef, ref *model.Reference, ext *model.ExternalMetadata) ([]patchRef, []model.Rejection) {
	var rej []model.Rejection
	kept := make([]patchRef, 0, len(patches))
	for _, pr := range patches {
		name := pr.field.Name()
		oldVal := ref.Field(name)
		verified := ext != nil && fieldpolicy.Matches(pr.patch.Value, ext.Data[name])
		formatting := fieldpolicy.FormattingOnly(oldVal, pr.patch.Value)

		ok, reason := fieldpolicy.Allowed(pr.field.Level(), oldVal, pr.patch.Value, verified, formatting)
		if ok {
			kept = append(kept, pr)
			continue
		}
		rej = append(rej, reject(StageFieldAuthorization, denialCode(pr.field.Level(), reason), name,
			"%s (%s): %s", name, pr.field.Level(), reason))
	}
	return kept, rej
}

func denialCode(level fieldpolicy.Level, reason string) string {
	switch {
	case reason == fieldpolicy.ReasonNoChange:
		return CodeNoChange
	case level == fieldpolicy.Immutable:
		return CodeImmutableField
	case level == fieldpolicy.Critical:
		return CodeCriticalNoVerify
	default:
		return CodeUnauthorizedField
	}
}

// checkViolations is stage 4.
func checkViolations(patches []patchRef, violations []model.Violation) []model.Rejection {
	if len(violations) == 0 {
		return []model.Rejection{reject(StageViolationMapping, CodeNoViolationMapped, "", "no violations to address")}
	}
	fields := make(map[string]bool, len(violations))
	for _, v := range violations {
		if v.Field != "" {
			fields[v.Field] = true
		}
	}
	var rej []model.Rejection
	for _, pr := range patches {
		name := pr.field.Name()
		if !fields[name] {
			rej = append(rej, reject(StageViolationMapping, CodeUnrelatedField, name, "field %q is not in the violation list", name))
		}
	}
	return rej
}

var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)

// checkDataTypes is stage 5.
func checkDataTypes(patches []patchRef) []model.Rejection {
	var rej []model.Rejection
	for _, pr := range patches {
		if r, bad := checkValue(pr.field, pr.patch.Value); bad {
			rej = append(rej, r)
		}
	}
	return rej
}

func checkValue(f fieldpolicy.Field, v any) (model.Rejection, bool) {
	name := f.Name()
	switch f.Kind() {
	case fieldpolicy.KindYear:
		s, ok := v.(string)
		if !ok {
			return reject(StageDataType, CodeInvalidDataType, name, "year must be a string, got %T", v), true
		}
		if len(s) != 4 || !allDigits(s) {
			return reject(StageDataType, CodeInvalidFormat, name, "year must be a 4-digit string, got %q", s), true
		}
		if y, _ := strconv.Atoi(s); y < 1000 || y > 2100 {
			return reject(StageDataType, CodeValueOutOfRange, name, "year out of range: %s", s), true
		}
	case fieldpolicy.KindAuthors:
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) == "" {
				return reject(StageDataType, CodeInvalidFormat, name, "%s cannot be empty", name), true
			}
		case []any:
			if len(t) == 0 {
				return reject(StageDataType, CodeInvalidFormat, name, "%s cannot be empty", name), true
			}
			for _, e := range t {
				if s, ok := e.(string); !ok || strings.TrimSpace(s) == "" {
					return reject(StageDataType, CodeInvalidDataType, name, "%s entries must be non-empty strings", name), true
				}
			}
		case []string:
			if len(t) == 0 {
				return reject(StageDataType, CodeInvalidFormat, name, "%s cannot be empty", name), true
			}
		default:
			return reject(StageDataType, CodeInvalidDataType, name, "%s must be a string or list, got %T", name, v), true
		}
	default:
		s, ok := v.(string)
		if !ok {
			return reject(StageDataType, CodeInvalidDataType, name, "%s must be a string, got %T", name, v), true
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return reject(StageDataType, CodeInvalidFormat, name, "%s cannot be empty", name), true
		}
		switch f.Kind() {
		case fieldpolicy.KindDOI:
			if !doiPattern.MatchString(s) {
				return reject(StageDataType, CodeInvalidFormat, name, "doi %q is not of the form 10.NNNN/suffix", s), true
			}
		case fieldpolicy.KindURL:
			u, err := url.Parse(s)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return reject(StageDataType, CodeInvalidFormat, name, "url %q must be an absolute http(s) URL", s), true
			}
		}
	}
	return model.Rejection{}, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkConfidence is stage 6.
func checkConfidence(patches []patchRef, scores map[string]float64, tier model.Tier) []model.Rejection {
	threshold, _ := tier.Threshold()
	var rej []model.Rejection
	for _, pr := range patches {
		name := pr.field.Name()
		s, ok := scores[name]
		if !ok {
			rej = append(rej, reject(StageConfidence, CodeMissingConfidence, name, "no confidence score for %s", name))
			continue
		}
		if s < threshold {
			rej = append(rej, reject(StageConfidence, CodeConfidenceTooLow, name,
				"confidence too low: %.2f < %.2f required for %s", s, threshold, tier))
		}
	}
	return rej
}

// checkBusinessRules is stage 7.
func checkBusinessRules(patches []patchRef, maxPatches int) []model.Rejection {
	var rej []model.Rejection
	seen := make(map[fieldpolicy.Field]bool, len(patches))
	for _, pr := range patches {
		if seen[pr.field] {
			rej = append(rej, reject(StageBusinessRules, CodeDuplicateField, pr.field.Name(),
				"multiple patches target %s", pr.field.Name()))
			continue
		}
		seen[pr.field] = true
	}
	if len(patches) > maxPatches {
		rej = append(rej, reject(StageBusinessRules, CodeExcessiveChanges, "",
			"%d patches exceed the limit of %d", len(patches), maxPatches))
	}
	return rej
}

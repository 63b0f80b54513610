// Package validation runs a proposed patch set through seven ordered stages
// and reports the first stage that blocks it. Validation is pure: it touches
// no shared state and performs no I/O.
package validation

import (
	"fmt"

	"github.com/sells-group/refguard/internal/fieldpolicy"
	"github.com/sells-group/refguard/internal/model"
)

// Stage numbers.
const (
	StageSchema = iota + 1
	StagePatchStructure
	StageFieldAuthorization
	StageViolationMapping
	StageDataType
	StageConfidence
	StageBusinessRules
)

var stageNames = map[int]string{
	StageSchema:             "schema_validation",
	StagePatchStructure:     "patch_structure",
	StageFieldAuthorization: "field_authorization",
	StageViolationMapping:   "violation_mapping",
	StageDataType:           "data_type",
	StageConfidence:         "confidence_threshold",
	StageBusinessRules:      "business_rules",
}

// StageName returns the wire name of a stage.
func StageName(stage int) string {
	if n, ok := stageNames[stage]; ok {
		return n
	}
	return "unknown"
}

// Rejection codes.
const (
	CodeInvalidPayload       = "invalid_payload"
	CodeMissingRequiredField = "missing_required_field"
	CodeInvalidFieldType     = "invalid_field_type"
	CodeInvalidPatchFormat   = "invalid_patch_format"
	CodeUnsupportedOperation = "unsupported_operation"
	CodeInvalidPath          = "invalid_path"
	CodeImmutableField       = "immutable_field"
	CodeCriticalNoVerify     = "critical_field_no_verification"
	CodeUnauthorizedField    = "unauthorized_field"
	CodeNoChange             = "no_change"
	CodeNoViolationMapped    = "no_violation_mapped"
	CodeUnrelatedField       = "unrelated_field"
	CodeInvalidDataType      = "invalid_data_type"
	CodeInvalidFormat        = "invalid_format"
	CodeValueOutOfRange      = "value_out_of_range"
	CodeMissingConfidence    = "missing_confidence"
	CodeConfidenceTooLow     = "confidence_too_low"
	CodeDuplicateField       = "duplicate_field"
	CodeExcessiveChanges     = "excessive_changes"
)

// DefaultMaxPatches is the largest patch set accepted by stage 7.
const DefaultMaxPatches = 10

// Proposal is generator output after calibration. Scores holds calibrated
// confidence per field name.
type Proposal struct {
	Tier    model.Tier
	Patches []model.Patch
	Scores  map[string]float64
}

// Input is everything one validation run needs.
type Input struct {
	Proposal   *Proposal
	Reference  *model.Reference
	Violations []model.Violation
	External   *model.ExternalMetadata
}

// Pipeline validates proposals. The zero value is usable.
type Pipeline struct {
	MaxPatches int
}

// New returns a Pipeline with default limits.
func New() *Pipeline {
	return &Pipeline{MaxPatches: DefaultMaxPatches}
}

// patchRef is a surviving patch with its parsed field.
type patchRef struct {
	patch model.Patch
	field fieldpolicy.Field
}

// Validate runs all stages in order. It stops at the first stage that
// produces a blocking rejection and records every rejection raised by that
// stage. Stage 3 only blocks when it drops every patch; rejections for
// patches it drops are kept in the result either way.
func (p *Pipeline) Validate(in Input) model.ValidationResult {
	var res model.ValidationResult

	if rej := checkSchema(in.Proposal); len(rej) > 0 {
		return fail(res, 0, rej)
	}
	res.StagePassed = StageSchema

	patches, rej := checkStructure(in.Proposal.Patches)
	if len(rej) > 0 {
		return fail(res, StageSchema, rej)
	}
	res.StagePassed = StagePatchStructure

	patches, rej = authorize(patches, in.Reference, in.External)
	res.Rejections = append(res.Rejections, rej...)
	if len(patches) == 0 {
		return fail(res, StagePatchStructure, nil)
	}
	res.StagePassed = StageFieldAuthorization

	if rej := checkViolations(patches, in.Violations); len(rej) > 0 {
		return fail(res, StageFieldAuthorization, rej)
	}
	res.StagePassed = StageViolationMapping

	if rej := checkDataTypes(patches); len(rej) > 0 {
		return fail(res, StageViolationMapping, rej)
	}
	res.StagePassed = StageDataType

	if rej := checkConfidence(patches, in.Proposal.Scores, in.Proposal.Tier); len(rej) > 0 {
		return fail(res, StageDataType, rej)
	}
	res.StagePassed = StageConfidence

	if rej := checkBusinessRules(patches, p.maxPatches()); len(rej) > 0 {
		return fail(res, StageConfidence, rej)
	}
	res.StagePassed = StageBusinessRules

	res.Passed = true
	res.Accepted = make([]model.Patch, 0, len(patches))
	for _, pr := range patches {
		res.Accepted = append(res.Accepted, pr.patch)
	}
	return res
}

func (p *Pipeline) maxPatches() int {
	if p == nil || p.MaxPatches <= 0 {
		return DefaultMaxPatches
	}
	return p.MaxPatches
}

func fail(res model.ValidationResult, stagePassed int, rej []model.Rejection) model.ValidationResult {
	res.Passed = false
	res.StagePassed = stagePassed
	res.Rejections = append(res.Rejections, rej...)
	res.Accepted = nil
	return res
}

func reject(stage int, code, field, format string, args ...any) model.Rejection {
	return model.Rejection{
		Stage:   stage,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	}
}

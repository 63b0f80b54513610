package model

import "time"

// Tier is the trust level a suggestion is generated at. Each tier carries a
// confidence threshold the validation pipeline enforces.
type Tier string

// Tiers.
const (
	Tier0 Tier = "tier_0"
	Tier1 Tier = "tier_1"
	Tier2 Tier = "tier_2"
	Tier3 Tier = "tier_3"
)

// Threshold returns the minimum calibrated confidence a modified field needs
// at this tier. Unknown tiers return ok=false.
func (t Tier) Threshold() (float64, bool) {
	switch t {
	case Tier0:
		return 1.0, true
	case Tier1:
		return 0.95, true
	case Tier2:
		return 0.50, true
	case Tier3:
		return 0.0, true
	}
	return 0, false
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := t.Threshold()
	return ok
}

// Patch operations.
const (
	OpReplace = "replace"
	OpAdd     = "add"
)

// Patch is one proposed change to a single field of a reference.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// SuggestionStatus is the review state of a stored suggestion.
type SuggestionStatus string

// Suggestion statuses.
const (
	StatusPending  SuggestionStatus = "pending"
	StatusAccepted SuggestionStatus = "accepted"
	StatusRejected SuggestionStatus = "rejected"
	StatusExpired  SuggestionStatus = "expired"
)

// Valid reports whether s is a known status.
func (s SuggestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ModelMetadata describes the generator call that produced a suggestion.
type ModelMetadata struct {
	ModelVersion string `json:"model_version"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Suggestion is a persisted correction proposal. Apart from Status it is never
// modified after insert.
type Suggestion struct {
	ID                   string             `json:"id"`
	ReferenceID          string             `json:"reference_id"`
	Identity             string             `json:"identity,omitempty"`
	Tier                 Tier               `json:"tier"`
	Patches              []Patch            `json:"patches"`
	RawConfidence        float64            `json:"raw_confidence"`
	CalibratedConfidence float64            `json:"calibrated_confidence"`
	RawScores            map[string]float64 `json:"raw_scores"`
	CalibratedScores     map[string]float64 `json:"calibrated_scores"`
	CalibrationMethod    string             `json:"calibration_method"`
	Rationale            string             `json:"rationale,omitempty"`
	Validation           ValidationResult   `json:"validation"`
	Status               SuggestionStatus   `json:"status"`
	Model                ModelMetadata      `json:"model"`
	CreatedAt            time.Time          `json:"created_at"`
	ReviewedBy           string             `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time         `json:"reviewed_at,omitempty"`
}

// Rejection is one reason a stage rejected a patch or the whole proposal.
type Rejection struct {
	Stage   int    `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ValidationResult is the outcome of the validation pipeline. StagePassed is
// the last stage that completed without a blocking rejection.
type ValidationResult struct {
	Passed      bool        `json:"passed"`
	StagePassed int         `json:"stage_passed"`
	Rejections  []Rejection `json:"rejections"`
	Accepted    []Patch     `json:"accepted,omitempty"`
}

// FailedStage returns the stage that blocked, or 0 when the result passed.
func (r ValidationResult) FailedStage() int {
	if r.Passed {
		return 0
	}
	return r.StagePassed + 1
}

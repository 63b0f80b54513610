// Package orchestrator runs one suggestion request end to end: rollout gate,
// metadata lookup, generation, calibration, validation, persistence, audit
// and drift feedback. It never writes canonical data; applying a suggestion
// is a separate call that goes through the guard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/calibration"
	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/generator"
	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/metadata"
	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
	"github.com/sells-group/refguard/internal/validation"
)

// DefaultFlag gates AI suggestions.
const DefaultFlag = "ai_suggestions"

var (
	// ErrFeatureDisabled is returned when the rollout gate is closed for the
	// requesting identity. Nothing was generated or stored.
	ErrFeatureDisabled = eris.New("orchestrator: feature disabled")
	// ErrReferenceNotFound is returned for an unknown reference.
	ErrReferenceNotFound = eris.New("orchestrator: reference not found")
	// ErrCalibrationFailed is returned when confidence could not be
	// calibrated. Nothing was stored.
	ErrCalibrationFailed = eris.New("orchestrator: calibration failed")
	// ErrNotApplicable is returned when applying a suggestion that is not
	// accepted or did not pass validation.
	ErrNotApplicable = eris.New("orchestrator: suggestion cannot be applied")
	// ErrInvalidReview is returned for a review status other than accepted
	// or rejected.
	ErrInvalidReview = eris.New("orchestrator: invalid review status")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetReference(ctx context.Context, id string) (*model.Reference, error)
	InsertSuggestionAudited(ctx context.Context, s *model.Suggestion, ev *model.AuditEvent) error
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, actor string) error
}

// Ledger appends audit events, optionally inside another write. *audit.Log
// implements it.
type Ledger interface {
	audit.Recorder
	AppendWith(ctx context.Context, e audit.Entry, insert audit.InsertFunc) (*model.AuditEvent, error)
}

// Calibrator maps raw confidence to calibrated confidence.
type Calibrator interface {
	Calibrate(ctx context.Context, raw float64, modelVersion string, failClosed bool) (calibration.Result, error)
	CalibrateScores(ctx context.Context, scores map[string]float64, modelVersion string, failClosed bool) (map[string]calibration.Result, error)
}

// Validator judges a calibrated proposal.
type Validator interface {
	Validate(in validation.Input) model.ValidationResult
}

// Gate is the rollout controller as seen by the request path.
type Gate interface {
	IsEnabled(ctx context.Context, flag, identity string, def bool) bool
	AutoDisable(ctx context.Context, flag, reason, source string) (bool, error)
}

// DriftObserver receives every persisted outcome.
type DriftObserver interface {
	Observe(e drift.Event) []model.DriftAlert
}

// Applier commits field changes to canonical data.
type Applier interface {
	BatchApply(ctx context.Context, caller, referenceID string, values map[string]any, actor string) (*guard.BatchResult, error)
}

// Deps are the services a Service is built from. Metadata and Metrics are
// optional.
type Deps struct {
	Store       Store
	Generator   generator.Generator
	Metadata    metadata.Source
	Calibration Calibrator
	Validator   Validator
	Rollout     Gate
	Drift       DriftObserver
	Audit       Ledger
	Guard       Applier
	Metrics     *metrics.Metrics
}

// Config tunes the request path.
type Config struct {
	// Flag is the rollout flag checked before any work. Default DefaultFlag.
	Flag string `mapstructure:"flag"`
	// DefaultTier is used when a request names none. Default tier_1.
	DefaultTier model.Tier `mapstructure:"default_tier"`
	// FailClosed scales raw confidence down when a model version has no
	// calibration profile. Disable only outside production.
	FailClosed bool `mapstructure:"fail_closed"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Flag: DefaultFlag, DefaultTier: model.Tier1, FailClosed: true}
}

// Service orchestrates suggestion requests. It is safe for concurrent use.
type Service struct {
	d   Deps
	cfg Config
	now func() time.Time
}

// New creates a Service.
func New(d Deps, cfg Config) *Service {
	if cfg.Flag == "" {
		cfg.Flag = DefaultFlag
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = model.Tier1
	}
	return &Service{d: d, cfg: cfg, now: time.Now}
}

// Request asks for one suggestion.
type Request struct {
	ReferenceID string            `json:"reference_id"`
	Identity    string            `json:"identity"`
	Tier        model.Tier        `json:"tier"`
	Violations  []model.Violation `json:"violations"`
}

// Descriptor summarizes a persisted suggestion.
type Descriptor struct {
	SuggestionID         string             `json:"suggestion_id"`
	ReferenceID          string             `json:"reference_id"`
	Status               string             `json:"status"`
	Passed               bool               `json:"passed"`
	StagePassed          int                `json:"stage_passed"`
	Rejections           []model.Rejection  `json:"rejections,omitempty"`
	RawConfidence        float64            `json:"raw_confidence"`
	CalibratedConfidence float64            `json:"calibrated_confidence"`
	CalibrationMethod    string             `json:"calibration_method"`
	Alerts               []model.DriftAlert `json:"drift_alerts,omitempty"`
	AutoDisabled         bool               `json:"auto_disabled,omitempty"`
}

// Suggest produces, validates and stores one suggestion. Errors before
// persistence leave no trace but metrics and logs; a validation failure is
// not an error and is stored like a pass.
func (s *Service) Suggest(ctx context.Context, req Request) (*Descriptor, error) {
	log := zap.L().With(
		zap.String("component", "orchestrator"),
		zap.String("reference_id", req.ReferenceID),
	)
	if req.Tier == "" {
		req.Tier = s.cfg.DefaultTier
	}

	if !s.d.Rollout.IsEnabled(ctx, s.cfg.Flag, req.Identity, false) {
		return nil, eris.Wrapf(ErrFeatureDisabled, "orchestrator: flag %s for %q", s.cfg.Flag, req.Identity)
	}

	ref, err := s.d.Store.GetReference(ctx, req.ReferenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrReferenceNotFound, "orchestrator: %s", req.ReferenceID)
		}
		return nil, eris.Wrapf(err, "orchestrator: load reference %s", req.ReferenceID)
	}

	ext := s.lookup(ctx, ref, log)

	out, err := s.d.Generator.Generate(ctx, generator.Request{
		Reference:  ref,
		Tier:       req.Tier,
		Violations: req.Violations,
		External:   ext,
	})
	if err != nil {
		// Generator errors keep their type for callers.
		return nil, err
	}

	modelVersion := out.Model.ModelVersion
	overall, err := s.d.Calibration.Calibrate(ctx, out.RawConfidence, modelVersion, s.cfg.FailClosed)
	if err != nil {
		return nil, s.calibrationFailed(err, modelVersion, log)
	}
	fields, err := s.d.Calibration.CalibrateScores(ctx, out.FieldScores, modelVersion, s.cfg.FailClosed)
	if err != nil {
		return nil, s.calibrationFailed(err, modelVersion, log)
	}
	calibrated := make(map[string]float64, len(fields))
	for name, r := range fields {
		calibrated[name] = r.Value
	}

	result := s.d.Validator.Validate(validation.Input{
		Proposal:   &validation.Proposal{Tier: req.Tier, Patches: out.Patches, Scores: calibrated},
		Reference:  ref,
		Violations: req.Violations,
		External:   ext,
	})

	// Everything above may be abandoned; nothing below may be.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pctx := context.WithoutCancel(ctx)

	sg := &model.Suggestion{
		ID:                   uuid.New().String(),
		ReferenceID:          ref.ID,
		Identity:             req.Identity,
		Tier:                 req.Tier,
		Patches:              out.Patches,
		RawConfidence:        out.RawConfidence,
		CalibratedConfidence: overall.Value,
		RawScores:            out.FieldScores,
		CalibratedScores:     calibrated,
		CalibrationMethod:    overall.Method,
		Rationale:            out.Rationale,
		Validation:           result,
		Status:               model.StatusPending,
		Model:                out.Model,
		CreatedAt:            s.now().UTC(),
	}
	// The suggestion and its suggestion_generated event commit together.
	_, err = s.d.Audit.AppendWith(pctx, generatedEntry(sg, overall, ext),
		func(ctx context.Context, ev *model.AuditEvent) error {
			return s.d.Store.InsertSuggestionAudited(ctx, sg, ev)
		})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: persist suggestion for %s", ref.ID)
	}

	s.d.Metrics.SuggestionPersisted(string(req.Tier), result.Passed, overall.Delta())
	codes := make([]string, 0, len(result.Rejections))
	for _, r := range result.Rejections {
		s.d.Metrics.Rejected(r.Stage, r.Code)
		codes = append(codes, r.Code)
	}

	desc := &Descriptor{
		SuggestionID:         sg.ID,
		ReferenceID:          sg.ReferenceID,
		Status:               string(sg.Status),
		Passed:               result.Passed,
		StagePassed:          result.StagePassed,
		Rejections:           result.Rejections,
		RawConfidence:        sg.RawConfidence,
		CalibratedConfidence: sg.CalibratedConfidence,
		CalibrationMethod:    sg.CalibrationMethod,
	}

	if s.d.Drift != nil {
		desc.Alerts = s.d.Drift.Observe(drift.Event{
			Raw:        out.RawConfidence,
			Calibrated: overall.Value,
			Passed:     result.Passed,
			Rejections: codes,
			Timestamp:  sg.CreatedAt,
		})
		desc.AutoDisabled = s.react(pctx, desc.Alerts, log)
	}

	log.Info("orchestrator: suggestion stored",
		zap.String("suggestion_id", sg.ID),
		zap.Bool("passed", result.Passed),
		zap.Int("stage_passed", result.StagePassed),
		zap.Float64("raw_confidence", sg.RawConfidence),
		zap.Float64("calibrated_confidence", sg.CalibratedConfidence),
	)
	return desc, nil
}

func (s *Service) lookup(ctx context.Context, ref *model.Reference, log *zap.Logger) *model.ExternalMetadata {
	if s.d.Metadata == nil {
		return nil
	}
	ext, err := s.d.Metadata.Fetch(ctx, ref)
	if err != nil {
		log.Warn("orchestrator: external metadata unavailable", zap.Error(err))
		return nil
	}
	return ext
}

func (s *Service) calibrationFailed(err error, modelVersion string, log *zap.Logger) error {
	s.d.Metrics.CalibrationFailed(modelVersion)
	log.Error("orchestrator: calibration failed, suggestion dropped",
		zap.String("model_version", modelVersion), zap.Error(err))
	return eris.Wrapf(ErrCalibrationFailed, "orchestrator: %v", err)
}

func generatedEntry(sg *model.Suggestion, overall calibration.Result, ext *model.ExternalMetadata) audit.Entry {
	details := map[string]any{
		"tier":                  sg.Tier,
		"raw_confidence":        sg.RawConfidence,
		"calibrated_confidence": sg.CalibratedConfidence,
		"calibration_delta":     overall.Delta(),
		"calibration_method":    overall.Method,
		"model_version":         sg.Model.ModelVersion,
		"patch_count":           len(sg.Patches),
		"passed":                sg.Validation.Passed,
		"stage_passed":          sg.Validation.StagePassed,
		"rejection_count":       len(sg.Validation.Rejections),
		"field_scores":          fieldDetails(sg),
	}
	if !overall.ProfileAt.IsZero() {
		details["profile_created_at"] = overall.ProfileAt.UTC().Format(time.RFC3339)
	}
	if ext != nil {
		details["external_source"] = ext.Source
	}
	return audit.Entry{
		Type:         model.EventSuggestionGenerated,
		ActorID:      sg.Identity,
		ReferenceID:  sg.ReferenceID,
		SuggestionID: sg.ID,
		Details:      details,
	}
}

func fieldDetails(sg *model.Suggestion) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(sg.RawScores))
	for name, raw := range sg.RawScores {
		out[name] = map[string]float64{"raw": raw, "calibrated": sg.CalibratedScores[name]}
	}
	return out
}

// react disables the rollout on a critical alert. Failure is logged and
// counted, never returned.
func (s *Service) react(ctx context.Context, alerts []model.DriftAlert, log *zap.Logger) bool {
	var critical []string
	for _, a := range alerts {
		s.d.Metrics.DriftAlert(a.Type, a.Severity)
		if a.Critical() {
			critical = append(critical, fmt.Sprintf("%s=%.4f (threshold %.4f)", a.Type, a.MetricValue, a.Threshold))
		} else {
			log.Warn("orchestrator: drift warning",
				zap.String("alert_type", a.Type), zap.Float64("value", a.MetricValue))
		}
	}
	if len(critical) == 0 {
		return false
	}

	reason := "critical drift: " + strings.Join(critical, ", ")
	changed, err := s.d.Rollout.AutoDisable(ctx, s.cfg.Flag, reason, model.TriggerDriftMonitor)
	if err != nil {
		s.d.Metrics.AutoDisableFailed()
		log.Error("orchestrator: AUTO-DISABLE FAILED, rollout still live",
			zap.String("flag", s.cfg.Flag), zap.String("reason", reason), zap.Error(err))
		return false
	}
	return changed
}

// Get returns a stored suggestion.
func (s *Service) Get(ctx context.Context, id string) (*model.Suggestion, error) {
	sg, err := s.d.Store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: get suggestion %s", id)
	}
	return sg, nil
}

// Review moves a pending suggestion to accepted or rejected.
func (s *Service) Review(ctx context.Context, id string, status model.SuggestionStatus, actor string) error {
	var event model.AuditEventType
	switch status {
	case model.StatusAccepted:
		event = model.EventSuggestionAccepted
	case model.StatusRejected:
		event = model.EventSuggestionRejected
	default:
		return eris.Wrapf(ErrInvalidReview, "orchestrator: %q", status)
	}

	sg, err := s.d.Store.GetSuggestion(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: get suggestion %s", id)
	}
	if err := s.d.Store.UpdateSuggestionStatus(ctx, id, status, actor); err != nil {
		return eris.Wrapf(err, "orchestrator: review suggestion %s", id)
	}
	_, err = s.d.Audit.Append(ctx, audit.Entry{
		Type:         event,
		ActorID:      actor,
		ReferenceID:  sg.ReferenceID,
		SuggestionID: id,
		Details:      map[string]any{"status": status},
	})
	return eris.Wrapf(err, "orchestrator: audit review of %s", id)
}

// Apply writes an accepted, validated suggestion's surviving patches to
// canonical data through the guard. A guard denial is reported in the result.
func (s *Service) Apply(ctx context.Context, id, actor string) (*guard.BatchResult, error) {
	sg, err := s.d.Store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: get suggestion %s", id)
	}
	if sg.Status != model.StatusAccepted {
		return nil, eris.Wrapf(ErrNotApplicable, "orchestrator: suggestion %s is %s", id, sg.Status)
	}
	if !sg.Validation.Passed {
		return nil, eris.Wrapf(ErrNotApplicable, "orchestrator: suggestion %s failed validation", id)
	}

	values := make(map[string]any, len(sg.Validation.Accepted))
	for _, p := range sg.Validation.Accepted {
		values[strings.TrimPrefix(p.Path, "/")] = p.Value
	}

	res, err := s.d.Guard.BatchApply(ctx, guard.CallerUserApprovedSuggestion, sg.ReferenceID, values, actor)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: apply suggestion %s", id)
	}
	if !res.Applied {
		return res, nil
	}
	if _, err := s.d.Audit.Append(ctx, audit.Entry{
		Type:         model.EventSuggestionApplied,
		ActorID:      actor,
		ReferenceID:  sg.ReferenceID,
		SuggestionID: id,
		Details:      map[string]any{"fields": len(values)},
	}); err != nil {
		return res, eris.Wrapf(err, "orchestrator: audit apply of %s", id)
	}
	return res, nil
}

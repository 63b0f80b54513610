package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/model"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrChainConflict is returned when an audit event's previous hash is
	// already claimed by another event, meaning the chain tail moved.
	ErrChainConflict = eris.New("store: audit chain tail changed")
	// ErrStaleWrite is returned when a reference field no longer holds the
	// value a write was authorized against.
	ErrStaleWrite = eris.New("store: reference field changed since authorization")
	// ErrInvalidTransition is returned when a suggestion status change is
	// not permitted from its current status.
	ErrInvalidTransition = eris.New("store: invalid suggestion status transition")
)

// FieldChange is one authorized write to a reference field. Old is the value
// the write was authorized against.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// SuggestionFilter specifies criteria for listing suggestions.
type SuggestionFilter struct {
	ReferenceID string                 `json:"reference_id,omitempty"`
	Status      model.SuggestionStatus `json:"status,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for listing audit events, newest first.
type AuditFilter struct {
	EventType   model.AuditEventType `json:"event_type,omitempty"`
	ReferenceID string               `json:"reference_id,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
}

// Store defines the persistence interface for the trust pipeline.
type Store interface {
	// References
	GetReference(ctx context.Context, id string) (*model.Reference, error)
	ListReferenceIDs(ctx context.Context, limit, offset int) ([]string, error)
	// ImportReferences upserts refs and returns how many were inserted or
	// changed. Identical re-imports write nothing.
	ImportReferences(ctx context.Context, refs []model.Reference) (int64, error)
	UpdateReferenceFields(ctx context.Context, id string, changes []FieldChange) error

	// Suggestions
	InsertSuggestion(ctx context.Context, s *model.Suggestion) error
	// InsertSuggestionAudited stores s and its audit event atomically.
	InsertSuggestionAudited(ctx context.Context, s *model.Suggestion, ev *model.AuditEvent) error
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]model.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, actor string) error

	// Audit log
	LastAuditEvent(ctx context.Context) (*model.AuditEvent, error)
	InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error)
	ChainEvents(ctx context.Context, limit int) ([]model.AuditEvent, error)

	// Rollout
	ListFlags(ctx context.Context) ([]model.FeatureFlag, error)
	GetFlag(ctx context.Context, name string) (*model.FeatureFlag, error)
	SaveFlag(ctx context.Context, flag *model.FeatureFlag, entry *model.RolloutHistoryEntry) error
	ListRolloutHistory(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error)
	ListOverrides(ctx context.Context) ([]model.UserOverride, error)
	SaveOverride(ctx context.Context, o *model.UserOverride) error
	DeleteOverride(ctx context.Context, identity, flag string) error
	GetCohort(ctx context.Context, identity string) (*model.Cohort, error)
	InsertCohort(ctx context.Context, c *model.Cohort) (*model.Cohort, error)

	// Calibration profiles
	GetCalibrationProfile(ctx context.Context, modelVersion string) (*model.CalibrationProfile, error)
	SaveCalibrationProfile(ctx context.Context, p *model.CalibrationProfile) error
	ListCalibrationProfiles(ctx context.Context) ([]model.CalibrationProfile, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

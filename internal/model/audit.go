package model

import (
	"encoding/json"
	"time"
)

// AuditEventType names an audit ledger event.
type AuditEventType string

// Audit event types.
const (
	EventSuggestionGenerated     AuditEventType = "suggestion_generated"
	EventSuggestionAccepted      AuditEventType = "suggestion_accepted"
	EventSuggestionRejected      AuditEventType = "suggestion_rejected"
	EventSuggestionApplied       AuditEventType = "suggestion_applied"
	EventFieldModified           AuditEventType = "field_modified"
	EventFieldEnriched           AuditEventType = "field_enriched"
	EventFeatureFlagEnabled      AuditEventType = "feature_flag_enabled"
	EventFeatureFlagDisabled     AuditEventType = "feature_flag_disabled"
	EventUserOverrideSet         AuditEventType = "user_override_set"
	EventRollbackTriggered       AuditEventType = "rollback_triggered"
	EventUnauthorizedAccess      AuditEventType = "unauthorized_access"
	EventImmutableFieldViolation AuditEventType = "immutable_field_violation"
)

// AuditEvent is one entry in the hash-chained audit ledger. Events are never
// updated or deleted. PreviousHash is empty for the chain root.
type AuditEvent struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    AuditEventType  `json:"event_type"`
	ActorID      string          `json:"actor_id,omitempty"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	SuggestionID string          `json:"suggestion_id,omitempty"`
	Details      json.RawMessage `json:"details"`
	EventHash    string          `json:"event_hash"`
	PreviousHash string          `json:"previous_hash,omitempty"`

	// BadTimestamp holds the stored timestamp text when it could not be
	// parsed. Timestamp is zero in that case.
	BadTimestamp string `json:"-"`
}

package model

import (
	"strings"
	"time"
)

// Reference is a canonical bibliographic record.
// Fields holds the record's field values keyed by field name.
type Reference struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Field returns the value for name, or nil if unset.
func (r *Reference) Field(name string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Violation is a data-quality problem detected on a reference. Every patch in
// a suggestion must address the field of at least one violation.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ExternalMetadata is best-effort data about a reference from an outside
// source such as CrossRef. It is used to mark proposed values as verified.
type ExternalMetadata struct {
	Source     string         `json:"source"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data"`
}

// IsEmpty reports whether a field value counts as unset.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// Package guard is the last check before canonical reference data changes.
// It re-derives field protection on its own, whatever ran upstream.
package guard

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/fieldpolicy"
	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

// Named callers permitted to write canonical data.
const (
	CallerUserManualEdit         = "user_manual_edit"
	CallerDocxImporter           = "docx_importer"
	CallerAPILookup              = "api_lookup"
	CallerTier0AutoFix           = "tier_0_auto_fix"
	CallerTier1AutoEnrich        = "tier_1_auto_enrich"
	CallerUserApprovedSuggestion = "user_approved_suggestion"
)

// DefaultCallers is the standard allow-list.
func DefaultCallers() []string {
	return []string{
		CallerUserManualEdit,
		CallerDocxImporter,
		CallerAPILookup,
		CallerTier0AutoFix,
		CallerTier1AutoEnrich,
		CallerUserApprovedSuggestion,
	}
}

// Store reads and conditionally updates references.
type Store interface {
	GetReference(ctx context.Context, id string) (*model.Reference, error)
	UpdateReferenceFields(ctx context.Context, id string, changes []store.FieldChange) error
}

// Write is one proposed field change.
type Write struct {
	Caller      string
	ReferenceID string
	Field       string
	Old         any
	New         any
	ActorID     string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
	// Security marks denials that were recorded as security events.
	Security bool `json:"security,omitempty"`
}

// Guard authorizes and commits canonical writes.
type Guard struct {
	store   Store
	audit   audit.Recorder
	callers map[string]struct{}
	metrics *metrics.Metrics
}

// New creates a Guard. An empty callers list uses DefaultCallers.
func New(s Store, rec audit.Recorder, callers []string, m *metrics.Metrics) *Guard {
	if len(callers) == 0 {
		callers = DefaultCallers()
	}
	set := make(map[string]struct{}, len(callers))
	for _, c := range callers {
		set[c] = struct{}{}
	}
	return &Guard{store: s, audit: rec, callers: set, metrics: m}
}

// Authorized reports whether caller is on the allow-list.
func (g *Guard) Authorized(caller string) bool {
	_, ok := g.callers[caller]
	return ok
}

// AuthorizeWrite decides one field change. An allowed decision is recorded as
// a field_modified audit event before it is returned, whether or not the
// caller goes on to write. If that record cannot be written the write is
// denied.
func (g *Guard) AuthorizeWrite(ctx context.Context, w Write) Decision {
	d := g.authorize(ctx, w)
	g.metrics.GuardDecision(w.Caller, d.Allowed)
	return d
}

func (g *Guard) authorize(ctx context.Context, w Write) Decision {
	if !g.Authorized(w.Caller) {
		return g.security(ctx, w, model.EventUnauthorizedAccess,
			fmt.Sprintf("caller %q is not authorized to write references", w.Caller))
	}
	if fieldpolicy.LevelOf(w.Field) == fieldpolicy.Immutable {
		return g.security(ctx, w, model.EventImmutableFieldViolation,
			fmt.Sprintf("field %q is immutable", w.Field))
	}
	if fieldpolicy.Equal(w.Old, w.New) {
		return Decision{Field: w.Field, Reason: fieldpolicy.ReasonNoChange}
	}

	if _, err := g.audit.Append(ctx, audit.Entry{
		Type:        model.EventFieldModified,
		ActorID:     actorOf(w),
		ReferenceID: w.ReferenceID,
		Details: map[string]any{
			"caller":    w.Caller,
			"field":     w.Field,
			"old_value": w.Old,
			"new_value": w.New,
		},
	}); err != nil {
		zap.L().Error("guard: could not record field modification, denying",
			zap.String("reference_id", w.ReferenceID),
			zap.String("field", w.Field),
			zap.Error(err),
		)
		return Decision{Field: w.Field, Reason: "audit log unavailable"}
	}
	return Decision{Allowed: true, Field: w.Field, Reason: fmt.Sprintf("write authorized for caller %q", w.Caller)}
}

func (g *Guard) security(ctx context.Context, w Write, event model.AuditEventType, reason string) Decision {
	zap.L().Warn("guard: write denied",
		zap.String("event", string(event)),
		zap.String("caller", w.Caller),
		zap.String("reference_id", w.ReferenceID),
		zap.String("field", w.Field),
	)
	if _, err := g.audit.Append(ctx, audit.Entry{
		Type:        event,
		ActorID:     actorOf(w),
		ReferenceID: w.ReferenceID,
		Details: map[string]any{
			"caller": w.Caller,
			"field":  w.Field,
			"reason": reason,
		},
	}); err != nil {
		zap.L().Error("guard: could not record security event",
			zap.String("event", string(event)), zap.Error(err))
	}
	return Decision{Field: w.Field, Reason: reason, Security: true}
}

func actorOf(w Write) string {
	if w.ActorID != "" {
		return w.ActorID
	}
	return w.Caller
}

// Apply authorizes and commits one field change against the reference's
// current value. A denial is returned in the Decision with a nil error;
// errors are store failures, including store.ErrStaleWrite when the value
// changed after it was read.
func (g *Guard) Apply(ctx context.Context, caller, referenceID, field string, value any, actor string) (Decision, error) {
	res, err := g.BatchApply(ctx, caller, referenceID, map[string]any{field: value}, actor)
	if err != nil {
		return Decision{Field: field}, err
	}
	if len(res.Failures) > 0 {
		return res.Failures[0], nil
	}
	return res.Decisions[0], nil
}

// BatchResult is the outcome of a batch write.
type BatchResult struct {
	Applied   bool       `json:"applied"`
	Message   string     `json:"message"`
	Decisions []Decision `json:"decisions,omitempty"`
	Failures  []Decision `json:"failures,omitempty"`
}

// BatchApply authorizes every change and commits them in one conditional
// update. Any denial aborts the whole batch.
func (g *Guard) BatchApply(ctx context.Context, caller, referenceID string, values map[string]any, actor string) (*BatchResult, error) {
	if len(values) == 0 {
		return &BatchResult{Message: "no changes"}, nil
	}
	ref, err := g.store.GetReference(ctx, referenceID)
	if err != nil {
		return nil, eris.Wrapf(err, "guard: load reference %s", referenceID)
	}

	res := &BatchResult{}
	changes := make([]store.FieldChange, 0, len(values))
	for _, name := range slices.Sorted(maps.Keys(values)) {
		old := ref.Field(name)
		d := g.AuthorizeWrite(ctx, Write{
			Caller:      caller,
			ReferenceID: referenceID,
			Field:       name,
			Old:         old,
			New:         values[name],
			ActorID:     actor,
		})
		if !d.Allowed {
			res.Failures = append(res.Failures, d)
			continue
		}
		res.Decisions = append(res.Decisions, d)
		changes = append(changes, store.FieldChange{Field: name, Old: old, New: values[name]})
	}

	if len(res.Failures) > 0 {
		res.Message = fmt.Sprintf("%d of %d fields failed authorization", len(res.Failures), len(values))
		return res, nil
	}
	if err := g.store.UpdateReferenceFields(ctx, referenceID, changes); err != nil {
		return nil, eris.Wrapf(err, "guard: commit %d fields to %s", len(changes), referenceID)
	}
	res.Applied = true
	res.Message = fmt.Sprintf("all %d fields modified", len(changes))
	return res, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/fieldpolicy"
	"github.com/sells-group/refguard/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

type scannable interface {
	Scan(dest ...any) error
}

// formatTimestamp renders audit timestamps in the exact form they are hashed.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func applyChanges(fieldsJSON string, changes []FieldChange) (string, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return "", eris.Wrap(err, "store: unmarshal reference fields")
	}
	for _, c := range changes {
		if !fieldpolicy.Equal(fields[c.Field], c.Old) {
			return "", eris.Wrapf(ErrStaleWrite, "store: field %s", c.Field)
		}
		fields[c.Field] = c.New
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal reference fields")
	}
	return string(out), nil
}

func suggestionColumns(sg *model.Suggestion) ([]any, error) {
	patches, err := json.Marshal(sg.Patches)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal patches")
	}
	rawScores, err := json.Marshal(nonNilScores(sg.RawScores))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal raw scores")
	}
	calScores, err := json.Marshal(nonNilScores(sg.CalibratedScores))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal calibrated scores")
	}
	validation, err := json.Marshal(sg.Validation)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal validation")
	}
	meta, err := json.Marshal(sg.Model)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal model metadata")
	}
	return []any{
		sg.ID, sg.ReferenceID, sg.Identity, string(sg.Tier), string(patches), sg.RawConfidence,
		sg.CalibratedConfidence, string(rawScores), string(calScores), sg.CalibrationMethod, sg.Rationale,
		string(validation), sg.Validation.Passed, sg.Validation.StagePassed, string(sg.Status), string(meta),
		sg.CreatedAt,
	}, nil
}

func nonNilScores(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func scanSuggestion(row scannable) (*model.Suggestion, error) {
	var sg model.Suggestion
	var patches, rawScores, calScores, validation, meta string
	var reviewedAt sql.NullTime
	err := row.Scan(&sg.ID, &sg.ReferenceID, &sg.Identity, &sg.Tier, &patches, &sg.RawConfidence,
		&sg.CalibratedConfidence, &rawScores, &calScores, &sg.CalibrationMethod, &sg.Rationale,
		&validation, &sg.Status, &meta, &sg.CreatedAt, &sg.ReviewedBy, &reviewedAt)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan suggestion")
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		sg.ReviewedAt = &t
	}
	if err := decodeSuggestionJSON(&sg, patches, rawScores, calScores, validation, meta); err != nil {
		return nil, err
	}
	return &sg, nil
}

func decodeSuggestionJSON(sg *model.Suggestion, patches, rawScores, calScores, validation, meta string) error {
	for _, p := range []struct {
		name string
		data string
		dst  any
	}{
		{"patches", patches, &sg.Patches},
		{"raw scores", rawScores, &sg.RawScores},
		{"calibrated scores", calScores, &sg.CalibratedScores},
		{"validation", validation, &sg.Validation},
		{"model metadata", meta, &sg.Model},
	} {
		if err := json.Unmarshal([]byte(p.data), p.dst); err != nil {
			return eris.Wrapf(err, "store: unmarshal %s", p.name)
		}
	}
	return nil
}

func scanAuditEvent(row scannable) (*model.AuditEvent, error) {
	var ev model.AuditEvent
	var ts, details string
	err := row.Scan(&ev.ID, &ts, &ev.EventType, &ev.ActorID, &ev.ReferenceID, &ev.SuggestionID,
		&details, &ev.EventHash, &ev.PreviousHash)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan audit event")
	}
	// An unparseable timestamp is kept on the event for chain verification
	// to report rather than failing the whole read.
	if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		ev.Timestamp = time.Time{}
		ev.BadTimestamp = ts
	}
	ev.Details = json.RawMessage(details)
	return &ev, nil
}

// prepareSuggestion fills the ID, creation time and status when unset.
func prepareSuggestion(sg *model.Suggestion) {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	if sg.Status == "" {
		sg.Status = model.StatusPending
	}
}

func scanFlag(row scannable) (*model.FeatureFlag, error) {
	var f model.FeatureFlag
	err := row.Scan(&f.Name, &f.Enabled, &f.RolloutPercentage, &f.Strategy, &f.Description, &f.AutoDisabled,
		&f.UpdatedAt, &f.UpdatedBy)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan flag")
	}
	return &f, nil
}

func scanProfile(row scannable) (*model.CalibrationProfile, error) {
	var p model.CalibrationProfile
	var params string
	err := row.Scan(&p.ModelVersion, &p.Method, &params, &p.SampleSize, &p.Description, &p.CreatedAt)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan calibration profile")
	}
	if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal calibration parameters")
	}
	return &p, nil
}

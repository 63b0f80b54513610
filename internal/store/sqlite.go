package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/refguard/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer, and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS refs (
	id         TEXT PRIMARY KEY,
	fields     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS suggestions (
	id                    TEXT PRIMARY KEY,
	reference_id          TEXT NOT NULL,
	identity              TEXT NOT NULL DEFAULT '',
	tier                  TEXT NOT NULL,
	patches               TEXT NOT NULL,
	raw_confidence        REAL NOT NULL,
	calibrated_confidence REAL NOT NULL,
	raw_scores            TEXT NOT NULL,
	calibrated_scores     TEXT NOT NULL,
	calibration_method    TEXT NOT NULL,
	rationale             TEXT NOT NULL DEFAULT '',
	validation            TEXT NOT NULL,
	passed                INTEGER NOT NULL,
	stage_passed          INTEGER NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	model                 TEXT NOT NULL,
	created_at            DATETIME NOT NULL,
	reviewed_by           TEXT NOT NULL DEFAULT '',
	reviewed_at           DATETIME
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	ts            TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	actor_id      TEXT NOT NULL DEFAULT '',
	reference_id  TEXT NOT NULL DEFAULT '',
	suggestion_id TEXT NOT NULL DEFAULT '',
	details       TEXT NOT NULL,
	event_hash    TEXT NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS feature_flags (
	name               TEXT PRIMARY KEY,
	enabled            INTEGER NOT NULL DEFAULT 0,
	rollout_percentage REAL NOT NULL DEFAULT 0,
	strategy           TEXT NOT NULL DEFAULT 'percentage',
	description        TEXT NOT NULL DEFAULT '',
	auto_disabled      INTEGER NOT NULL DEFAULT 0,
	updated_at         DATETIME NOT NULL,
	updated_by         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rollout_history (
	id              TEXT PRIMARY KEY,
	flag            TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	old_enabled     INTEGER NOT NULL,
	new_enabled     INTEGER NOT NULL,
	old_percentage  REAL NOT NULL,
	new_percentage  REAL NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	triggered_by    TEXT NOT NULL,
	triggered_actor TEXT NOT NULL DEFAULT '',
	ts              DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_overrides (
	identity   TEXT NOT NULL,
	flag       TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (identity, flag)
);

CREATE TABLE IF NOT EXISTS cohorts (
	identity   TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	value      REAL NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration_profiles (
	model_version TEXT PRIMARY KEY,
	method        TEXT NOT NULL,
	parameters    TEXT NOT NULL,
	sample_size   INTEGER NOT NULL DEFAULT 0,
	description   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_previous_hash ON audit_log(previous_hash);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_reference_id ON audit_log(reference_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_reference_id ON suggestions(reference_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status);
CREATE INDEX IF NOT EXISTS idx_rollout_history_flag ON rollout_history(flag);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// References

func (s *SQLiteStore) GetReference(ctx context.Context, id string) (*model.Reference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, fields, updated_at FROM refs WHERE id = ?`, id)
	var ref model.Reference
	var fieldsJSON string
	err := row.Scan(&ref.ID, &fieldsJSON, &ref.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: reference %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get reference")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &ref.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal reference fields")
	}
	return &ref, nil
}

func (s *SQLiteStore) ListReferenceIDs(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM refs ORDER BY id LIMIT ? OFFSET ?`, limitOr(limit, 100), offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reference ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reference id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list reference ids iterate")
}

func (s *SQLiteStore) ImportReferences(ctx context.Context, refs []model.Reference) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var written int64
	for _, ref := range refs {
		fieldsJSON, err := json.Marshal(ref.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal reference %s", ref.ID)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO refs (id, fields, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
			 WHERE refs.fields IS NOT excluded.fields`,
			ref.ID, string(fieldsJSON), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import reference %s", ref.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: import rows affected")
		}
		written += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return written, nil
}

func (s *SQLiteStore) UpdateReferenceFields(ctx context.Context, id string, changes []FieldChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update reference")
	}
	defer tx.Rollback() //nolint:errcheck

	var fieldsJSON string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM refs WHERE id = ?`, id).Scan(&fieldsJSON)
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, "sqlite: reference %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read reference for update")
	}

	updated, err := applyChanges(fieldsJSON, changes)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE refs SET fields = ?, updated_at = ? WHERE id = ?`,
		updated, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update reference %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update reference")
}

// Suggestions

func (s *SQLiteStore) InsertSuggestion(ctx context.Context, sg *model.Suggestion) error {
	return insertSuggestionSQLite(ctx, s.db, sg)
}

// InsertSuggestionAudited writes sg and its audit event in one transaction.
// A claimed previous hash rolls back both and returns ErrChainConflict.
func (s *SQLiteStore) InsertSuggestionAudited(ctx context.Context, sg *model.Suggestion, ev *model.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audited suggestion")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertSuggestionSQLite(ctx, tx, sg); err != nil {
		return err
	}
	if err := insertAuditEventSQLite(ctx, tx, ev); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit suggestion %s", sg.ID)
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSuggestionSQLite(ctx context.Context, ex sqliteExecer, sg *model.Suggestion) error {
	prepareSuggestion(sg)
	cols, err := suggestionColumns(sg)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO suggestions (id, reference_id, identity, tier, patches, raw_confidence,
			calibrated_confidence, raw_scores, calibrated_scores, calibration_method, rationale,
			validation, passed, stage_passed, status, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols...,
	)
	return eris.Wrapf(err, "sqlite: insert suggestion %s", sg.ID)
}

const suggestionSelect = `SELECT id, reference_id, identity, tier, patches, raw_confidence,
	calibrated_confidence, raw_scores, calibrated_scores, calibration_method, rationale,
	validation, status, model, created_at, reviewed_by, reviewed_at FROM suggestions`

func (s *SQLiteStore) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	row := s.db.QueryRowContext(ctx, suggestionSelect+` WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: suggestion %s", id)
	}
	return sg, err
}

func (s *SQLiteStore) ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]model.Suggestion, error) {
	query := suggestionSelect + ` WHERE 1=1`
	var args []any
	if filter.ReferenceID != "" {
		query += ` AND reference_id = ?`
		args = append(args, filter.ReferenceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOr(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suggestions")
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list suggestions iterate")
}

func (s *SQLiteStore) UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, actor string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(status), actor, time.Now().UTC(), id, string(model.StatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update suggestion status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSuggestion(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: suggestion %s is not pending", id)
}

// Audit log

const auditSelect = `SELECT id, ts, event_type, actor_id, reference_id, suggestion_id, details, event_hash, previous_hash FROM audit_log`

func (s *SQLiteStore) LastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, auditSelect+` ORDER BY seq DESC LIMIT 1`)
	ev, err := scanAuditEvent(row)
	if isNoRows(err) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	return insertAuditEventSQLite(ctx, s.db, ev)
}

func insertAuditEventSQLite(ctx context.Context, ex sqliteExecer, ev *model.AuditEvent) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, event_type, actor_id, reference_id, suggestion_id, details, event_hash, previous_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, formatTimestamp(ev.Timestamp), string(ev.EventType), ev.ActorID, ev.ReferenceID,
		ev.SuggestionID, string(ev.Details), ev.EventHash, ev.PreviousHash,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: audit_log.previous_hash") {
		return eris.Wrapf(ErrChainConflict, "sqlite: insert audit event %s", ev.ID)
	}
	return eris.Wrapf(err, "sqlite: insert audit event %s", ev.ID)
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query := auditSelect + ` WHERE 1=1`
	var args []any
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.EventType))
	}
	if filter.ReferenceID != "" {
		query += ` AND reference_id = ?`
		args = append(args, filter.ReferenceID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))
	return s.queryAuditEvents(ctx, query, args...)
}

func (s *SQLiteStore) ChainEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryAuditEvents(ctx, auditSelect+` ORDER BY seq ASC LIMIT ?`, limit)
}

func (s *SQLiteStore) queryAuditEvents(ctx context.Context, query string, args ...any) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}

// Rollout

const flagSelect = `SELECT name, enabled, rollout_percentage, strategy, description, auto_disabled, updated_at, updated_by FROM feature_flags`

func (s *SQLiteStore) ListFlags(ctx context.Context) ([]model.FeatureFlag, error) {
	rows, err := s.db.QueryContext(ctx, flagSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flags")
	}
	defer rows.Close()

	var out []model.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list flags iterate")
}

func (s *SQLiteStore) GetFlag(ctx context.Context, name string) (*model.FeatureFlag, error) {
	f, err := scanFlag(s.db.QueryRowContext(ctx, flagSelect+` WHERE name = ?`, name))
	if isNoRows(err) {
		return nil, nil
	}
	return f, err
}

func (s *SQLiteStore) SaveFlag(ctx context.Context, flag *model.FeatureFlag, entry *model.RolloutHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save flag")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO feature_flags (name, enabled, rollout_percentage, strategy, description, auto_disabled, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled,
			rollout_percentage = excluded.rollout_percentage, strategy = excluded.strategy,
			description = excluded.description, auto_disabled = excluded.auto_disabled, updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		flag.Name, flag.Enabled, flag.RolloutPercentage, flag.Strategy, flag.Description, flag.AutoDisabled,
		flag.UpdatedAt, flag.UpdatedBy,
	); err != nil {
		return eris.Wrapf(err, "sqlite: save flag %s", flag.Name)
	}

	if entry != nil {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rollout_history (id, flag, event_type, old_enabled, new_enabled, old_percentage,
				new_percentage, reason, triggered_by, triggered_actor, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Flag, entry.EventType, entry.OldEnabled, entry.NewEnabled, entry.OldPercentage,
			entry.NewPercentage, entry.Reason, entry.TriggeredBy, entry.TriggeredActor, entry.Timestamp,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert rollout history for %s", flag.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save flag")
}

func (s *SQLiteStore) ListRolloutHistory(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flag, event_type, old_enabled, new_enabled, old_percentage, new_percentage,
			reason, triggered_by, triggered_actor, ts
		 FROM rollout_history WHERE flag = ? ORDER BY ts DESC LIMIT ?`,
		flag, limitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rollout history")
	}
	defer rows.Close()

	var out []model.RolloutHistoryEntry
	for rows.Next() {
		var e model.RolloutHistoryEntry
		if err := rows.Scan(&e.ID, &e.Flag, &e.EventType, &e.OldEnabled, &e.NewEnabled, &e.OldPercentage,
			&e.NewPercentage, &e.Reason, &e.TriggeredBy, &e.TriggeredActor, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollout history")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rollout history iterate")
}

func (s *SQLiteStore) ListOverrides(ctx context.Context) ([]model.UserOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, flag, enabled, reason, created_at FROM user_overrides ORDER BY flag, identity`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list overrides")
	}
	defer rows.Close()

	var out []model.UserOverride
	for rows.Next() {
		var o model.UserOverride
		if err := rows.Scan(&o.Identity, &o.Flag, &o.Enabled, &o.Reason, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan override")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list overrides iterate")
}

func (s *SQLiteStore) SaveOverride(ctx context.Context, o *model.UserOverride) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_overrides (identity, flag, enabled, reason, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity, flag) DO UPDATE SET enabled = excluded.enabled, reason = excluded.reason,
			created_at = excluded.created_at`,
		o.Identity, o.Flag, o.Enabled, o.Reason, o.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save override %s/%s", o.Flag, o.Identity)
}

func (s *SQLiteStore) DeleteOverride(ctx context.Context, identity, flag string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_overrides WHERE identity = ? AND flag = ?`, identity, flag)
	return eris.Wrapf(err, "sqlite: delete override %s/%s", flag, identity)
}

func (s *SQLiteStore) GetCohort(ctx context.Context, identity string) (*model.Cohort, error) {
	var c model.Cohort
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, hash, value, created_at FROM cohorts WHERE identity = ?`, identity,
	).Scan(&c.Identity, &c.Hash, &c.Value, &c.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cohort")
	}
	return &c, nil
}

func (s *SQLiteStore) InsertCohort(ctx context.Context, c *model.Cohort) (*model.Cohort, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cohorts (identity, hash, value, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity) DO NOTHING`,
		c.Identity, c.Hash, c.Value, c.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert cohort %s", c.Identity)
	}
	stored, err := s.GetCohort(ctx, c.Identity)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, eris.Errorf("sqlite: cohort %s missing after insert", c.Identity)
	}
	return stored, nil
}

// Calibration profiles

func (s *SQLiteStore) GetCalibrationProfile(ctx context.Context, modelVersion string) (*model.CalibrationProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT model_version, method, parameters, sample_size, description, created_at
		 FROM calibration_profiles WHERE model_version = ?`, modelVersion))
	if isNoRows(err) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) SaveCalibrationProfile(ctx context.Context, p *model.CalibrationProfile) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal calibration parameters")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_profiles (model_version, method, parameters, sample_size, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_version) DO UPDATE SET method = excluded.method, parameters = excluded.parameters,
			sample_size = excluded.sample_size, description = excluded.description, created_at = excluded.created_at`,
		p.ModelVersion, p.Method, string(params), p.SampleSize, p.Description, p.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save calibration profile %s", p.ModelVersion)
}

func (s *SQLiteStore) ListCalibrationProfiles(ctx context.Context) ([]model.CalibrationProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_version, method, parameters, sample_size, description, created_at
		 FROM calibration_profiles ORDER BY model_version`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calibration profiles")
	}
	defer rows.Close()

	var out []model.CalibrationProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list calibration profiles iterate")
}

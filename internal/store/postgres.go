package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/db"
	"github.com/sells-group/refguard/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot request path.
var preparedStatements = map[string]string{
	"get_reference":    `SELECT id, fields, updated_at FROM refs WHERE id = $1`,
	"last_audit_event": auditSelect + ` ORDER BY seq DESC LIMIT 1`,
	"get_cohort":       `SELECT identity, hash, value, created_at FROM cohorts WHERE identity = $1`,
	"get_profile":      `SELECT model_version, method, parameters, sample_size, description, created_at FROM calibration_profiles WHERE model_version = $1`,
	"list_flags":       flagSelect + ` ORDER BY name`,
	"list_overrides":   `SELECT identity, flag, enabled, reason, created_at FROM user_overrides ORDER BY flag, identity`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS refs (
	id         TEXT PRIMARY KEY,
	fields     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suggestions (
	id                    TEXT PRIMARY KEY,
	reference_id          TEXT NOT NULL,
	identity              TEXT NOT NULL DEFAULT '',
	tier                  TEXT NOT NULL,
	patches               JSONB NOT NULL,
	raw_confidence        DOUBLE PRECISION NOT NULL,
	calibrated_confidence DOUBLE PRECISION NOT NULL,
	raw_scores            JSONB NOT NULL,
	calibrated_scores     JSONB NOT NULL,
	calibration_method    TEXT NOT NULL,
	rationale             TEXT NOT NULL DEFAULT '',
	validation            JSONB NOT NULL,
	passed                BOOLEAN NOT NULL,
	stage_passed          INTEGER NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	model                 JSONB NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	reviewed_by           TEXT NOT NULL DEFAULT '',
	reviewed_at           TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq           BIGSERIAL PRIMARY KEY,
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
	enabled            BOOLEAN NOT NULL DEFAULT false,
	rollout_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
	strategy           TEXT NOT NULL DEFAULT 'percentage',
	description        TEXT NOT NULL DEFAULT '',
	auto_disabled      BOOLEAN NOT NULL DEFAULT false,
	updated_at         TIMESTAMPTZ NOT NULL,
	updated_by         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rollout_history (
	id              TEXT PRIMARY KEY,
	flag            TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	old_enabled     BOOLEAN NOT NULL,
	new_enabled     BOOLEAN NOT NULL,
	old_percentage  DOUBLE PRECISION NOT NULL,
	new_percentage  DOUBLE PRECISION NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	triggered_by    TEXT NOT NULL,
	triggered_actor TEXT NOT NULL DEFAULT '',
	ts              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_overrides (
	identity   TEXT NOT NULL,
	flag       TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (identity, flag)
);

CREATE TABLE IF NOT EXISTS cohorts (
	identity   TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration_profiles (
	model_version TEXT PRIMARY KEY,
	method        TEXT NOT NULL,
	parameters    JSONB NOT NULL,
	sample_size   INTEGER NOT NULL DEFAULT 0,
	description   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_previous_hash ON audit_log(previous_hash);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_reference_id ON audit_log(reference_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_reference_id ON suggestions(reference_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status);
CREATE INDEX IF NOT EXISTS idx_rollout_history_flag ON rollout_history(flag, ts DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// References

func (s *PostgresStore) GetReference(ctx context.Context, id string) (*model.Reference, error) {
	var ref model.Reference
	var fieldsJSON string
	err := s.pool.QueryRow(ctx, `SELECT id, fields, updated_at FROM refs WHERE id = $1`, id).
		Scan(&ref.ID, &fieldsJSON, &ref.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: reference %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get reference")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &ref.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal reference fields")
	}
	return &ref, nil
}

func (s *PostgresStore) ListReferenceIDs(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM refs ORDER BY id LIMIT $1 OFFSET $2`, limitOr(limit, 100), offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reference ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reference id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list reference ids iterate")
}

func (s *PostgresStore) ImportReferences(ctx context.Context, refs []model.Reference) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(refs))
	for _, ref := range refs {
		fieldsJSON, err := json.Marshal(ref.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal reference %s", ref.ID)
		}
		rows = append(rows, []any{ref.ID, string(fieldsJSON), now})
	}
	res, err := db.Merge(ctx, s.pool, db.StagedMerge{
		Table:   "refs",
		Columns: []string{"id", "fields", "updated_at"},
		Key:     []string{"id"},
		Touch:   []string{"updated_at"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import references")
	}
	return res.Written(), nil
}

func (s *PostgresStore) UpdateReferenceFields(ctx context.Context, id string, changes []FieldChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update reference")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var fieldsJSON string
	err = tx.QueryRow(ctx, `SELECT fields FROM refs WHERE id = $1 FOR UPDATE`, id).Scan(&fieldsJSON)
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, "postgres: reference %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read reference for update")
	}

	updated, err := applyChanges(fieldsJSON, changes)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE refs SET fields = $1, updated_at = $2 WHERE id = $3`,
		updated, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: update reference %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update reference")
}

// Suggestions

func (s *PostgresStore) InsertSuggestion(ctx context.Context, sg *model.Suggestion) error {
	return insertSuggestionPostgres(ctx, s.pool, sg)
}

// InsertSuggestionAudited writes sg and its audit event in one transaction.
// A claimed previous hash rolls back both and returns ErrChainConflict.
func (s *PostgresStore) InsertSuggestionAudited(ctx context.Context, sg *model.Suggestion, ev *model.AuditEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin audited suggestion")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertSuggestionPostgres(ctx, tx, sg); err != nil {
		return err
	}
	if err := insertAuditEventPostgres(ctx, tx, ev); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit suggestion %s", sg.ID)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertSuggestionPostgres(ctx context.Context, ex pgExecer, sg *model.Suggestion) error {
	prepareSuggestion(sg)
	cols, err := suggestionColumns(sg)
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx,
		`INSERT INTO suggestions (id, reference_id, identity, tier, patches, raw_confidence,
			calibrated_confidence, raw_scores, calibrated_scores, calibration_method, rationale,
			validation, passed, stage_passed, status, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		cols...,
	)
	return eris.Wrapf(err, "postgres: insert suggestion %s", sg.ID)
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, suggestionSelect+` WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: suggestion %s", id)
	}
	return sg, err
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]model.Suggestion, error) {
	query := suggestionSelect + ` WHERE ($1 = '' OR reference_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, filter.ReferenceID, string(filter.Status), limitOr(filter.Limit, 100), filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suggestions")
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
	return out, eris.Wrap(rows.Err(), "postgres: list suggestions iterate")
}

func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, actor string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE suggestions SET status = $1, reviewed_by = $2, reviewed_at = $3 WHERE id = $4 AND status = $5`,
		string(status), actor, time.Now().UTC(), id, string(model.StatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update suggestion status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetSuggestion(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: suggestion %s is not pending", id)
}

// Audit log

func (s *PostgresStore) LastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	ev, err := scanAuditEvent(s.pool.QueryRow(ctx, auditSelect+` ORDER BY seq DESC LIMIT 1`))
	if isNoRows(err) {
		return nil, nil
	}
	return ev, err
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	return insertAuditEventPostgres(ctx, s.pool, ev)
}

func insertAuditEventPostgres(ctx context.Context, ex pgExecer, ev *model.AuditEvent) error {
	_, err := ex.Exec(ctx,
		`INSERT INTO audit_log (id, ts, event_type, actor_id, reference_id, suggestion_id, details, event_hash, previous_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, formatTimestamp(ev.Timestamp), string(ev.EventType), ev.ActorID, ev.ReferenceID,
		ev.SuggestionID, string(ev.Details), ev.EventHash, ev.PreviousHash,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_audit_log_previous_hash" {
		return eris.Wrapf(ErrChainConflict, "postgres: insert audit event %s", ev.ID)
	}
	return eris.Wrapf(err, "postgres: insert audit event %s", ev.ID)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	return s.queryAuditEvents(ctx,
		auditSelect+` WHERE ($1 = '' OR event_type = $1) AND ($2 = '' OR reference_id = $2) ORDER BY seq DESC LIMIT $3`,
		string(filter.EventType), filter.ReferenceID, limitOr(filter.Limit, 100),
	)
}

func (s *PostgresStore) ChainEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		return s.queryAuditEvents(ctx, auditSelect+` ORDER BY seq ASC`)
	}
	return s.queryAuditEvents(ctx, auditSelect+` ORDER BY seq ASC LIMIT $1`, limit)
}

func (s *PostgresStore) queryAuditEvents(ctx context.Context, query string, args ...any) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
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
	return out, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}

// Rollout

func (s *PostgresStore) ListFlags(ctx context.Context) ([]model.FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, flagSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flags")
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
	return out, eris.Wrap(rows.Err(), "postgres: list flags iterate")
}

func (s *PostgresStore) GetFlag(ctx context.Context, name string) (*model.FeatureFlag, error) {
	f, err := scanFlag(s.pool.QueryRow(ctx, flagSelect+` WHERE name = $1`, name))
	if isNoRows(err) {
		return nil, nil
	}
	return f, err
}

func (s *PostgresStore) SaveFlag(ctx context.Context, flag *model.FeatureFlag, entry *model.RolloutHistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save flag")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO feature_flags (name, enabled, rollout_percentage, strategy, description, auto_disabled, updated_at, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled,
			rollout_percentage = EXCLUDED.rollout_percentage, strategy = EXCLUDED.strategy,
			description = EXCLUDED.description, auto_disabled = EXCLUDED.auto_disabled, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
		flag.Name, flag.Enabled, flag.RolloutPercentage, flag.Strategy, flag.Description, flag.AutoDisabled,
		flag.UpdatedAt, flag.UpdatedBy,
	); err != nil {
		return eris.Wrapf(err, "postgres: save flag %s", flag.Name)
	}

	if entry != nil {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO rollout_history (id, flag, event_type, old_enabled, new_enabled, old_percentage,
				new_percentage, reason, triggered_by, triggered_actor, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			entry.ID, entry.Flag, entry.EventType, entry.OldEnabled, entry.NewEnabled, entry.OldPercentage,
			entry.NewPercentage, entry.Reason, entry.TriggeredBy, entry.TriggeredActor, entry.Timestamp,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert rollout history for %s", flag.Name)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save flag")
}

func (s *PostgresStore) ListRolloutHistory(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, flag, event_type, old_enabled, new_enabled, old_percentage, new_percentage,
			reason, triggered_by, triggered_actor, ts
		 FROM rollout_history WHERE flag = $1 ORDER BY ts DESC LIMIT $2`,
		flag, limitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rollout history")
	}
	defer rows.Close()

	var out []model.RolloutHistoryEntry
	for rows.Next() {
		var e model.RolloutHistoryEntry
		if err := rows.Scan(&e.ID, &e.Flag, &e.EventType, &e.OldEnabled, &e.NewEnabled, &e.OldPercentage,
			&e.NewPercentage, &e.Reason, &e.TriggeredBy, &e.TriggeredActor, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollout history")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rollout history iterate")
}

func (s *PostgresStore) ListOverrides(ctx context.Context) ([]model.UserOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity, flag, enabled, reason, created_at FROM user_overrides ORDER BY flag, identity`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list overrides")
	}
	defer rows.Close()

	var out []model.UserOverride
	for rows.Next() {
		var o model.UserOverride
		if err := rows.Scan(&o.Identity, &o.Flag, &o.Enabled, &o.Reason, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan override")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list overrides iterate")
}

func (s *PostgresStore) SaveOverride(ctx context.Context, o *model.UserOverride) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_overrides (identity, flag, enabled, reason, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity, flag) DO UPDATE SET enabled = EXCLUDED.enabled, reason = EXCLUDED.reason,
			created_at = EXCLUDED.created_at`,
		o.Identity, o.Flag, o.Enabled, o.Reason, o.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save override %s/%s", o.Flag, o.Identity)
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, identity, flag string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_overrides WHERE identity = $1 AND flag = $2`, identity, flag)
	return eris.Wrapf(err, "postgres: delete override %s/%s", flag, identity)
}

func (s *PostgresStore) GetCohort(ctx context.Context, identity string) (*model.Cohort, error) {
	var c model.Cohort
	err := s.pool.QueryRow(ctx,
		`SELECT identity, hash, value, created_at FROM cohorts WHERE identity = $1`, identity,
	).Scan(&c.Identity, &c.Hash, &c.Value, &c.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cohort")
	}
	return &c, nil
}

func (s *PostgresStore) InsertCohort(ctx context.Context, c *model.Cohort) (*model.Cohort, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO cohorts (identity, hash, value, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (identity) DO NOTHING`,
		c.Identity, c.Hash, c.Value, c.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert cohort %s", c.Identity)
	}
	stored, err := s.GetCohort(ctx, c.Identity)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, eris.Errorf("postgres: cohort %s missing after insert", c.Identity)
	}
	return stored, nil
}

// Calibration profiles

func (s *PostgresStore) GetCalibrationProfile(ctx context.Context, modelVersion string) (*model.CalibrationProfile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT model_version, method, parameters, sample_size, description, created_at
		 FROM calibration_profiles WHERE model_version = $1`, modelVersion))
	if isNoRows(err) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) SaveCalibrationProfile(ctx context.Context, p *model.CalibrationProfile) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal calibration parameters")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calibration_profiles (model_version, method, parameters, sample_size, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (model_version) DO UPDATE SET method = EXCLUDED.method, parameters = EXCLUDED.parameters,
			sample_size = EXCLUDED.sample_size, description = EXCLUDED.description, created_at = EXCLUDED.created_at`,
		p.ModelVersion, p.Method, string(params), p.SampleSize, p.Description, p.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save calibration profile %s", p.ModelVersion)
}

func (s *PostgresStore) ListCalibrationProfiles(ctx context.Context) ([]model.CalibrationProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model_version, method, parameters, sample_size, description, created_at
		 FROM calibration_profiles ORDER BY model_version`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calibration profiles")
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
	return out, eris.Wrap(rows.Err(), "postgres: list calibration profiles iterate")
}

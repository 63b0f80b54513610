package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetReference(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, fields, updated_at FROM refs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "fields", "updated_at"}).
			AddRow("r1", `{"title":"Go"}`, now))

	ref, err := s.GetReference(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Go", ref.Fields["title"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReference_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, fields, updated_at FROM refs`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReference(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReferenceFields_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM refs WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"fields"}).AddRow(`{"publisher":"Wiley"}`))
	mock.ExpectRollback()

	err := s.UpdateReferenceFields(context.Background(), "r1", []FieldChange{{Field: "publisher", Old: "", New: "Springer"}})
	assert.ErrorIs(t, err, ErrStaleWrite)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReferenceFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM refs WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"fields"}).AddRow(`{"publisher":""}`))
	mock.ExpectExec(`UPDATE refs SET fields = \$1`).
		WithArgs(`{"publisher":"Springer"}`, pgxmock.AnyArg(), "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.UpdateReferenceFields(context.Background(), "r1", []FieldChange{{Field: "publisher", Old: "", New: "Springer"}})
	require.NoError(t, err)
}

func TestPostgresStore_InsertAuditEvent_ChainConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_audit_log_previous_hash"})

	err := s.InsertAuditEvent(context.Background(), auditEvent("e2", "hash-e1"))
	assert.ErrorIs(t, err, ErrChainConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastAuditEvent_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM audit_log ORDER BY seq DESC LIMIT 1`).WillReturnError(pgx.ErrNoRows)

	ev, err := s.LastAuditEvent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ChainEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM audit_log ORDER BY seq ASC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "ts", "event_type", "actor_id", "reference_id", "suggestion_id", "details", "event_hash", "previous_hash"}).
			AddRow("e1", "2026-01-02T03:04:05.123456Z", "field_modified", "", "r1", "", `{}`, "h1", "").
			AddRow("e2", "2026-01-02T03:04:06Z", "field_modified", "", "r1", "", `{}`, "h2", "h1"))

	events, err := s.ChainEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventFieldModified, events[0].EventType)
	assert.Equal(t, "h1", events[1].PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFlagWithHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO feature_flags .* ON CONFLICT \(name\)`).
		WithArgs("f", false, 0.0, model.StrategyPercentage, "", false, now, "ops").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO rollout_history`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.SaveFlag(context.Background(),
		&model.FeatureFlag{Name: "f", Strategy: model.StrategyPercentage, UpdatedAt: now, UpdatedBy: "ops"},
		&model.RolloutHistoryEntry{Flag: "f", EventType: model.RolloutDisabled, TriggeredBy: model.TriggerManual, Timestamp: now},
	)
	require.NoError(t, err)
}

func TestPostgresStore_InsertCohort_FirstWriteWins(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO cohorts .* ON CONFLICT \(identity\) DO NOTHING`).
		WithArgs("u1", "bb", 0.9, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT identity, hash, value, created_at FROM cohorts`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"identity", "hash", "value", "created_at"}).AddRow("u1", "aa", 0.1, now))

	c, err := s.InsertCohort(context.Background(), &model.Cohort{Identity: "u1", Hash: "bb", Value: 0.9, CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "aa", c.Hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSuggestionStatus_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE suggestions SET status = \$1`).
		WithArgs("rejected", "bob", pgxmock.AnyArg(), "s1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM suggestions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "reference_id", "identity", "tier", "patches", "raw_confidence",
			"calibrated_confidence", "raw_scores", "calibrated_scores", "calibration_method", "rationale",
			"validation", "status", "model", "created_at", "reviewed_by", "reviewed_at"}).
			AddRow("s1", "r1", "", "tier_1", `[]`, 0.9, 0.72, `{}`, `{}`, "fallback", "",
				`{"passed":false,"stage_passed":5,"rejections":[]}`, "accepted", `{}`, now, "alice", now))

	err := s.UpdateSuggestionStatus(context.Background(), "s1", model.StatusRejected, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

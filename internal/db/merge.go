package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// StagedMerge describes a COPY into a session temp table followed by one
// INSERT ... ON CONFLICT into Table.
type StagedMerge struct {
	Table   string   // target, optionally schema-qualified
	Columns []string // column order of every staged row
	Key     []string // unique constraint the merge conflicts on
	// Compare columns decide whether an existing row changed. Rows equal on
	// every Compare column are skipped. Empty means every non-key column
	// that is not in Touch.
	Compare []string
	// Touch columns are written on update but never compared.
	Touch []string
}

// MergeResult splits the written rows by outcome. Unchanged rows appear in
// neither count.
type MergeResult struct {
	Inserted int64
	Updated  int64
}

// Written is Inserted + Updated.
func (r MergeResult) Written() int64 { return r.Inserted + r.Updated }

// Merge stages rows into a temp table and merges them into m.Table inside
// one transaction.
func Merge(ctx context.Context, pool Pool, m StagedMerge, rows [][]any) (MergeResult, error) {
	var res MergeResult
	if len(rows) == 0 {
		return res, nil
	}
	if err := m.validate(); err != nil {
		return res, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return res, eris.Wrap(err, "db: merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := m.stageTable()
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), sanitizeTable(m.Table),
	)); err != nil {
		return res, eris.Wrapf(err, "db: merge: stage %s", m.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return res, eris.Wrapf(err, "db: merge: copy %d rows into %s", len(rows), stage)
	}

	out, err := tx.Query(ctx, m.mergeSQL(stage))
	if err != nil {
		return res, eris.Wrapf(err, "db: merge: into %s", m.Table)
	}
	for out.Next() {
		var inserted bool
		if err := out.Scan(&inserted); err != nil {
			out.Close()
			return res, eris.Wrap(err, "db: merge: scan outcome")
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	out.Close()
	if err := out.Err(); err != nil {
		return res, eris.Wrapf(err, "db: merge: into %s", m.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return MergeResult{}, eris.Wrap(err, "db: merge: commit tx")
	}
	return res, nil
}

func (m StagedMerge) validate() error {
	if len(m.Columns) == 0 {
		return eris.Errorf("db: merge %s: no columns", m.Table)
	}
	if len(m.Key) == 0 {
		return eris.Errorf("db: merge %s: no key columns", m.Table)
	}
	known := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		known[c] = true
	}
	for _, group := range [][]string{m.Key, m.Compare, m.Touch} {
		for _, c := range group {
			if !known[c] {
				return eris.Errorf("db: merge %s: column %q is not staged", m.Table, c)
			}
		}
	}
	return nil
}

func (m StagedMerge) stageTable() string {
	return "_stage_" + strings.ReplaceAll(m.Table, ".", "_")
}

// compared returns the Compare set, defaulting to non-key, non-touch columns.
func (m StagedMerge) compared() []string {
	if len(m.Compare) > 0 {
		return m.Compare
	}
	skip := make(map[string]bool, len(m.Key)+len(m.Touch))
	for _, c := range m.Key {
		skip[c] = true
	}
	for _, c := range m.Touch {
		skip[c] = true
	}
	var cols []string
	for _, c := range m.Columns {
		if !skip[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// mergeSQL builds the upsert. xmax is zero only for freshly inserted tuples.
func (m StagedMerge) mergeSQL(stage string) string {
	cols := quoteAndJoin(m.Columns)
	cmp := m.compared()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) ",
		sanitizeTable(m.Table), cols, cols, pgx.Identifier{stage}.Sanitize(), quoteAndJoin(m.Key))

	update := append(append([]string{}, cmp...), m.Touch...)
	if len(update) == 0 {
		b.WriteString("DO NOTHING RETURNING (xmax = 0) AS inserted")
		return b.String()
	}

	sets := make([]string, len(update))
	for i, c := range update {
		id := pgx.Identifier{c}.Sanitize()
		sets[i] = id + " = EXCLUDED." + id
	}
	b.WriteString("DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))

	if len(cmp) > 0 {
		lhs := make([]string, len(cmp))
		rhs := make([]string, len(cmp))
		for i, c := range cmp {
			id := pgx.Identifier{c}.Sanitize()
			lhs[i] = "t." + id
			rhs[i] = "EXCLUDED." + id
		}
		fmt.Fprintf(&b, " WHERE (%s) IS DISTINCT FROM (%s)", strings.Join(lhs, ", "), strings.Join(rhs, ", "))
	}
	b.WriteString(" RETURNING (xmax = 0) AS inserted")
	return b.String()
}

// sanitizeTable quotes a possibly schema-qualified name.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

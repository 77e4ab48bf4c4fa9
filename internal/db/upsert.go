package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "parcels.parcels")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict, non-insert-only columns
	InsertOnly   []string // columns written on insert and never overwritten
	// UpdateExprs overrides the SET expression of a column. The existing row is
	// aliased "t" and the incoming row is EXCLUDED.
	UpdateExprs map[string]string
}

// UpsertCounts splits the rows touched by an upsert into inserts and updates.
type UpsertCounts struct {
	Inserted int64
	Updated  int64
}

// Total returns inserted + updated.
func (c UpsertCounts) Total() int64 { return c.Inserted + c.Updated }

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT
// and returns the number of rows written.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	counts, err := BulkUpsertCounts(ctx, pool, cfg, rows)
	return counts.Total(), err
}

// BulkUpsertCounts runs the whole upsert in one transaction:
//  1. CREATE TEMP TABLE ... (LIKE target) ON COMMIT DROP
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
//
// Either every row lands or none do.
func BulkUpsertCounts(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(rows) == 0 {
		return counts, nil
	}

	upsertSQL, err := buildUpsertSQL(cfg)
	if err != nil {
		return counts, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return counts, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempTableName(cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return counts, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return counts, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	res, err := tx.Query(ctx, upsertSQL)
	if err != nil {
		return counts, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	for res.Next() {
		var inserted bool
		if err := res.Scan(&inserted); err != nil {
			res.Close()
			return counts, eris.Wrap(err, "db: upsert: scan result")
		}
		if inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	res.Close()
	if err := res.Err(); err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertCounts{}, eris.Wrap(err, "db: upsert: commit tx")
	}
	return counts, nil
}

func buildUpsertSQL(cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		skip := make(map[string]bool, len(cfg.ConflictKeys)+len(cfg.InsertOnly))
		for _, k := range cfg.ConflictKeys {
			skip[k] = true
		}
		for _, k := range cfg.InsertOnly {
			skip[k] = true
		}
		for _, c := range cfg.Columns {
			if !skip[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		return "", eris.Errorf("db: upsert: nothing to update for %s", cfg.Table)
	}

	setClauses := make([]string, 0, len(updateCols))
	for _, col := range updateCols {
		expr, ok := cfg.UpdateExprs[col]
		if !ok {
			expr = "EXCLUDED." + pgx.Identifier{col}.Sanitize()
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", pgx.Identifier{col}.Sanitize(), expr))
	}

	colList := quoteAndJoin(cfg.Columns)
	return fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTableName(cfg.Table)}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	), nil
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable handles schema-qualified table names like "parcels.parcels".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

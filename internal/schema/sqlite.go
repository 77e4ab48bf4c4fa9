package schema

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MigrateSQLite applies pending SQLite migrations, each in its own
// transaction together with its schema_migrations row.
func MigrateSQLite(ctx context.Context, sqlDB *sql.DB) error {
	log := zap.L().With(zap.String("component", "schema.migrate"), zap.String("driver", "sqlite"))

	if _, err := sqlDB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`); err != nil {
		return eris.Wrap(err, "schema: ensure migration table")
	}

	files, err := migrations("sqlite")
	if err != nil {
		return err
	}

	for _, m := range files {
		var n int
		if err := sqlDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", m.Name,
		).Scan(&n); err != nil {
			return eris.Wrapf(err, "schema: check migration %s", m.Name)
		}
		if n > 0 {
			continue
		}

		log.Info("applying migration", zap.String("file", m.Name))
		if err := applySQLite(ctx, sqlDB, m); err != nil {
			return err
		}
	}
	return nil
}

func applySQLite(ctx context.Context, sqlDB *sql.DB, m Migration) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "schema: begin migration tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return eris.Wrapf(err, "schema: apply migration %s", m.Name)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", m.Name); err != nil {
		return eris.Wrapf(err, "schema: record migration %s", m.Name)
	}
	return eris.Wrapf(tx.Commit(), "schema: commit migration %s", m.Name)
}

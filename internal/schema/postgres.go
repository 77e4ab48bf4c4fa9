package schema

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/db"
)

// advisoryLockKey serializes concurrent migrate runs across processes.
const advisoryLockKey = 7220151

// Migrate applies pending Postgres migrations in filename order and records
// each in parcels.schema_migrations.
func Migrate(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "schema.migrate"), zap.String("driver", "postgres"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return eris.Wrap(err, "schema: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			log.Warn("schema: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS parcels;
		CREATE TABLE IF NOT EXISTS parcels.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return eris.Wrap(err, "schema: ensure migration table")
	}

	files, err := migrations("postgres")
	if err != nil {
		return err
	}

	applied, err := appliedPostgres(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range files {
		if applied[m.Name] {
			continue
		}
		log.Info("applying migration", zap.String("file", m.Name))

		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return eris.Wrapf(err, "schema: apply migration %s", m.Name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO parcels.schema_migrations (filename, applied_at) VALUES ($1, now())",
			m.Name,
		); err != nil {
			return eris.Wrapf(err, "schema: record migration %s", m.Name)
		}
	}
	return nil
}

func appliedPostgres(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM parcels.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "schema: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "schema: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

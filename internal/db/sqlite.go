package db

import (
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// OpenSQLite opens a SQLite database at dsn in WAL mode. Writers are
// serialized through a single connection.
func OpenSQLite(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, eris.New("db: sqlite path is required")
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "db: sqlite open")
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, eris.Wrapf(err, "db: sqlite exec %s", pragma)
		}
	}
	return sqlDB, nil
}

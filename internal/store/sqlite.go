package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/schema"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// OpenSQLite opens the SQLite file at path and wraps it in a Backend.
func OpenSQLite(path string) (*Backend, error) {
	if path == "" {
		return nil, eris.New("store: sqlite path is required (set store.sqlite_path)")
	}
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	b := NewSQLite(sqlDB)
	b.close = sqlDB.Close
	return b, nil
}

// NewSQLite builds a Backend over an open database. The caller owns it.
func NewSQLite(sqlDB *sql.DB) *Backend {
	parcels := sink.NewSQLite(sqlDB)
	return &Backend{
		Driver:      DriverSQLite,
		Sink:        parcels,
		Parcels:     parcels,
		Tracker:     tracker.NewSQLite(sqlDB),
		Hazards:     hazard.NewSQLite(sqlDB),
		Assessments: risk.NewSQLite(sqlDB),
		migrate: func(ctx context.Context) error {
			return schema.MigrateSQLite(ctx, sqlDB)
		},
		ping: sqlDB.PingContext,
	}
}

package store

import (
	"context"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/schema"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// OpenPostgres connects a pgx pool and wraps it in a Backend.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*Backend, error) {
	pool, err := db.Connect(ctx, url, db.PoolConfig{MaxConns: maxConns, MinConns: 2})
	if err != nil {
		return nil, err
	}
	b := NewPostgres(pool)
	b.ping = pool.Ping
	b.close = func() error {
		pool.Close()
		return nil
	}
	return b, nil
}

// NewPostgres builds a Backend over an existing pool. The caller owns the
// pool's lifetime.
func NewPostgres(pool db.Pool) *Backend {
	parcels := sink.NewPostgres(pool)
	return &Backend{
		Driver:      DriverPostgres,
		Sink:        parcels,
		Parcels:     parcels,
		Tracker:     tracker.NewPostgres(pool),
		Hazards:     hazard.NewPostgres(pool),
		Assessments: risk.NewPostgres(pool),
		migrate: func(ctx context.Context) error {
			return schema.Migrate(ctx, pool)
		},
		ping: func(ctx context.Context) error {
			var one int
			return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
		},
	}
}

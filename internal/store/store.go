// Package store opens the storage backend selected by configuration and
// hands out the per-concern implementations that share its connection.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and tunes a backend.
type Config struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	MaxConns    int32
}

// Parcels reads stored parcels.
type Parcels interface {
	sink.Reader
	Lookup(ctx context.Context, county int, parcelID string) (*parcel.Parcel, []string, error)
}

// Backend bundles every store over one database.
type Backend struct {
	Driver      string
	Sink        sink.Sink
	Parcels     Parcels
	Tracker     tracker.Tracker
	Hazards     hazard.Store
	Assessments risk.Store

	migrate func(ctx context.Context) error
	ping    func(ctx context.Context) error
	close   func() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
	case DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// Migrate applies pending schema migrations.
func (b *Backend) Migrate(ctx context.Context) error {
	return b.migrate(ctx)
}

// Ping checks the connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Close releases the connection.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Package sink persists normalized parcels and reads them back for scoring
// and verification. Postgres (PostGIS) and SQLite backends are provided.
package sink

import (
	"context"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

// ParcelsTable is the default upsert target.
const ParcelsTable = "parcels.parcels"

// DefaultConflictKeys is the parcel natural key.
var DefaultConflictKeys = []string{"county_code", "parcel_id"}

// Request is one atomic upsert: every record lands or none do.
type Request struct {
	Table        string // default ParcelsTable
	Records      []parcel.Parcel
	ConflictKeys []string // default DefaultConflictKeys
	BatchRef     string   // appended to batch_lineage; required
}

// Result reports how the records of a request were written. Errors holds
// record-level problems that did not fail the batch (the affected geometry
// is stored as null).
type Result struct {
	Inserted int
	Updated  int
	Errors   []error
}

// Sink upserts parcel batches. Returned errors are classified: a
// *resilience.TransientError may be retried, anything else is fatal.
type Sink interface {
	Upsert(ctx context.Context, req Request) (*Result, error)
}

// ParcelGeometry is the scoring view of a stored parcel.
type ParcelGeometry struct {
	CountyCode int
	ParcelID   string
	Geometry   *geometry.Geometry // nil when geometry_missing
}

// CountyStats aggregates the stored parcels of one county.
type CountyStats struct {
	County            int
	Parcels           int64
	WithGeometry      int64
	GeometryMissing   int64
	SelfIntersections int64
	ValuedParcels     int64
	AvgMarketValue    float64
	MinMarketValue    float64
	MaxMarketValue    float64
}

// Reader reads stored parcels.
type Reader interface {
	CountyStats(ctx context.Context, county int) (*CountyStats, error)
	// ScanGeometries calls fn for every parcel of county in parcel_id order.
	ScanGeometries(ctx context.Context, county int, fn func(ParcelGeometry) error) error
	// LoadedCounties lists counties that have at least one parcel.
	LoadedCounties(ctx context.Context) ([]int, error)
}

func (r *Request) defaults() {
	if r.Table == "" {
		r.Table = ParcelsTable
	}
	if len(r.ConflictKeys) == 0 {
		r.ConflictKeys = DefaultConflictKeys
	}
}

func qaFlags(p *parcel.Parcel) []string {
	if p.QAFlags == nil {
		return []string{}
	}
	return p.QAFlags
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

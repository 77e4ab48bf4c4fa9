package sink

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

var parcelColumns = []string{
	"county_code", "parcel_id", "county_fips",
	"owner_name", "owner_addr1", "owner_addr2", "owner_city", "owner_state", "owner_zip",
	"site_addr1", "site_city", "site_zip",
	"market_value", "land_value", "improvement_value",
	"year_built", "living_area", "unit_count",
	"legal_description", "geom", "qa_flags",
	"updated_at", "last_batch_ref", "batch_lineage",
}

// lineageExpr appends the incoming batch ref unless the row already carries it.
const lineageExpr = `CASE WHEN EXCLUDED.last_batch_ref = ANY(t.batch_lineage) ` +
	`THEN t.batch_lineage ELSE array_append(t.batch_lineage, EXCLUDED.last_batch_ref) END`

// PostgresSink writes parcels to PostGIS through COPY into a temp table and a
// single INSERT ... ON CONFLICT DO UPDATE.
type PostgresSink struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgres creates a PostgresSink.
func NewPostgres(pool db.Pool) *PostgresSink {
	return &PostgresSink{pool: pool, now: time.Now}
}

// Upsert writes req.Records in one transaction. first_seen_at is left to the
// column default on insert and never updated.
func (s *PostgresSink) Upsert(ctx context.Context, req Request) (*Result, error) {
	req.defaults()
	if req.BatchRef == "" {
		return nil, Classify(eris.New("sink: batch ref is required"))
	}
	res := &Result{}
	if len(req.Records) == 0 {
		return res, nil
	}

	now := s.now().UTC()
	rows := make([][]any, 0, len(req.Records))
	for i := range req.Records {
		p := &req.Records[i]
		var geom any
		if p.Geometry != nil {
			b, err := p.Geometry.EWKB()
			if err != nil {
				res.Errors = append(res.Errors, eris.Wrapf(err, "sink: parcel %s", p.ParcelID))
			} else {
				geom = b
			}
		}
		rows = append(rows, []any{
			p.CountyCode, p.ParcelID, p.CountyFIPS,
			nullString(p.OwnerName),
			nullString(p.OwnerAddress.Line1), nullString(p.OwnerAddress.Line2),
			nullString(p.OwnerAddress.City), nullString(p.OwnerAddress.State), nullString(p.OwnerAddress.Zip),
			nullString(p.SiteAddress.Line1), nullString(p.SiteAddress.City), nullString(p.SiteAddress.Zip),
			p.MarketValue, p.LandValue, p.ImprovementValue,
			p.YearBuilt, p.LivingArea, p.UnitCount,
			nullString(p.LegalDescription), geom, qaFlags(p),
			now, req.BatchRef, []string{req.BatchRef},
		})
	}

	counts, err := db.BulkUpsertCounts(ctx, s.pool, db.UpsertConfig{
		Table:        req.Table,
		Columns:      parcelColumns,
		ConflictKeys: req.ConflictKeys,
		UpdateExprs:  map[string]string{"batch_lineage": lineageExpr},
	}, rows)
	if err != nil {
		return nil, Classify(err)
	}

	res.Inserted = int(counts.Inserted)
	res.Updated = int(counts.Updated)
	zap.L().Debug("batch upserted",
		zap.String("component", "sink.postgres"),
		zap.String("batch_ref", req.BatchRef),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
	)
	return res, nil
}

// CountyStats aggregates one county.
func (s *PostgresSink) CountyStats(ctx context.Context, county int) (*CountyStats, error) {
	st := &CountyStats{County: county}
	var avg, minV, maxV *float64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(geom),
		       count(*) FILTER (WHERE 'geometry_missing' = ANY(qa_flags)),
		       count(*) FILTER (WHERE 'self_intersection' = ANY(qa_flags)),
		       count(market_value),
		       avg(market_value)::float8,
		       min(market_value)::float8,
		       max(market_value)::float8
		FROM parcels.parcels
		WHERE county_code = $1`, county,
	).Scan(&st.Parcels, &st.WithGeometry, &st.GeometryMissing, &st.SelfIntersections,
		&st.ValuedParcels, &avg, &minV, &maxV)
	if err != nil {
		return nil, eris.Wrapf(err, "sink: county stats %d", county)
	}
	st.AvgMarketValue, st.MinMarketValue, st.MaxMarketValue = deref(avg), deref(minV), deref(maxV)
	return st, nil
}

// ScanGeometries streams parcel geometries of one county.
func (s *PostgresSink) ScanGeometries(ctx context.Context, county int, fn func(ParcelGeometry) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT parcel_id, ST_AsEWKB(geom)
		FROM parcels.parcels
		WHERE county_code = $1
		ORDER BY parcel_id`, county)
	if err != nil {
		return eris.Wrapf(err, "sink: scan county %d", county)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return eris.Wrap(err, "sink: scan parcel geometry")
		}
		pg := ParcelGeometry{CountyCode: county, ParcelID: id}
		if len(raw) > 0 {
			g, err := geometry.FromEWKB(raw)
			if err != nil {
				zap.L().Warn("stored geometry unreadable",
					zap.String("component", "sink.postgres"),
					zap.String("parcel_id", id),
					zap.Error(err),
				)
			} else {
				pg.Geometry = g
			}
		}
		if err := fn(pg); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sink: scan parcel rows")
}

// LoadedCounties lists counties with stored parcels.
func (s *PostgresSink) LoadedCounties(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT county_code FROM parcels.parcels ORDER BY county_code")
	if err != nil {
		return nil, eris.Wrap(err, "sink: loaded counties")
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var c int
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sink: scan county")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sink: loaded counties")
}

// Lookup returns the stored parcel, or nil if absent. Used by verification
// spot checks and tests.
func (s *PostgresSink) Lookup(ctx context.Context, county int, parcelID string) (*parcel.Parcel, []string, error) {
	var (
		p       parcel.Parcel
		lineage []string
		owner   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT county_code, parcel_id, county_fips, owner_name, market_value, qa_flags, batch_lineage
		FROM parcels.parcels
		WHERE county_code = $1 AND parcel_id = $2`, county, parcelID,
	).Scan(&p.CountyCode, &p.ParcelID, &p.CountyFIPS, &owner, &p.MarketValue, &p.QAFlags, &lineage)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, nil
		}
		return nil, nil, eris.Wrapf(err, "sink: lookup %d/%s", county, parcelID)
	}
	if owner != nil {
		p.OwnerName = *owner
	}
	return &p, lineage, nil
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

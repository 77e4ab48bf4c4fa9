package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

const sqliteUpsert = `
INSERT INTO parcels (
	county_code, parcel_id, county_fips,
	owner_name, owner_addr1, owner_addr2, owner_city, owner_state, owner_zip,
	site_addr1, site_city, site_zip,
	market_value, land_value, improvement_value,
	year_built, living_area, unit_count,
	legal_description, geom, qa_flags,
	first_seen_at, updated_at, last_batch_ref, batch_lineage
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, json_array(?))
ON CONFLICT (county_code, parcel_id) DO UPDATE SET
	county_fips = excluded.county_fips,
	owner_name = excluded.owner_name,
	owner_addr1 = excluded.owner_addr1,
	owner_addr2 = excluded.owner_addr2,
	owner_city = excluded.owner_city,
	owner_state = excluded.owner_state,
	owner_zip = excluded.owner_zip,
	site_addr1 = excluded.site_addr1,
	site_city = excluded.site_city,
	site_zip = excluded.site_zip,
	market_value = excluded.market_value,
	land_value = excluded.land_value,
	improvement_value = excluded.improvement_value,
	year_built = excluded.year_built,
	living_area = excluded.living_area,
	unit_count = excluded.unit_count,
	legal_description = excluded.legal_description,
	geom = excluded.geom,
	qa_flags = excluded.qa_flags,
	updated_at = excluded.updated_at,
	last_batch_ref = excluded.last_batch_ref,
	batch_lineage = CASE
		WHEN EXISTS (SELECT 1 FROM json_each(parcels.batch_lineage) WHERE value = excluded.last_batch_ref)
		THEN parcels.batch_lineage
		ELSE json_insert(parcels.batch_lineage, '$[#]', excluded.last_batch_ref)
	END`

// SQLiteSink stores parcels in a local SQLite file with EWKT geometry. It
// backs single-machine runs and tests.
type SQLiteSink struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a SQLiteSink over a migrated database.
func NewSQLite(sqlDB *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: sqlDB, now: time.Now}
}

// Upsert writes req.Records in one transaction. Only the default parcels
// table is supported.
func (s *SQLiteSink) Upsert(ctx context.Context, req Request) (*Result, error) {
	req.defaults()
	if req.BatchRef == "" {
		return nil, Classify(eris.New("sink: batch ref is required"))
	}
	if req.Table != ParcelsTable {
		return nil, Classify(eris.Errorf("sink: sqlite sink cannot write %s", req.Table))
	}
	res := &Result{}
	if len(req.Records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify(eris.Wrap(err, "sink: begin tx"))
	}
	defer tx.Rollback() //nolint:errcheck

	exists, err := tx.PrepareContext(ctx, "SELECT 1 FROM parcels WHERE county_code = ? AND parcel_id = ?")
	if err != nil {
		return nil, Classify(eris.Wrap(err, "sink: prepare exists"))
	}
	defer exists.Close() //nolint:errcheck

	upsert, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return nil, Classify(eris.Wrap(err, "sink: prepare upsert"))
	}
	defer upsert.Close() //nolint:errcheck

	now := s.now().UTC().Format(time.RFC3339Nano)
	for i := range req.Records {
		p := &req.Records[i]

		var one int
		switch err := exists.QueryRowContext(ctx, p.CountyCode, p.ParcelID).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			res.Inserted++
		case err != nil:
			return nil, Classify(eris.Wrapf(err, "sink: check parcel %s", p.ParcelID))
		default:
			res.Updated++
		}

		var geom any
		if p.Geometry != nil {
			ewkt, err := p.Geometry.EWKT()
			if err != nil {
				res.Errors = append(res.Errors, eris.Wrapf(err, "sink: parcel %s", p.ParcelID))
			} else {
				geom = ewkt
			}
		}
		flags, err := json.Marshal(qaFlags(p))
		if err != nil {
			return nil, Classify(eris.Wrap(err, "sink: marshal qa flags"))
		}

		if _, err := upsert.ExecContext(ctx,
			p.CountyCode, p.ParcelID, p.CountyFIPS,
			nullString(p.OwnerName),
			nullString(p.OwnerAddress.Line1), nullString(p.OwnerAddress.Line2),
			nullString(p.OwnerAddress.City), nullString(p.OwnerAddress.State), nullString(p.OwnerAddress.Zip),
			nullString(p.SiteAddress.Line1), nullString(p.SiteAddress.City), nullString(p.SiteAddress.Zip),
			p.MarketValue, p.LandValue, p.ImprovementValue,
			p.YearBuilt, p.LivingArea, p.UnitCount,
			nullString(p.LegalDescription), geom, string(flags),
			now, now, req.BatchRef, req.BatchRef,
		); err != nil {
			return nil, Classify(eris.Wrapf(err, "sink: upsert parcel %s", p.ParcelID))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, Classify(eris.Wrap(err, "sink: commit"))
	}
	zap.L().Debug("batch upserted",
		zap.String("component", "sink.sqlite"),
		zap.String("batch_ref", req.BatchRef),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
	)
	return res, nil
}

// CountyStats aggregates one county.
func (s *SQLiteSink) CountyStats(ctx context.Context, county int) (*CountyStats, error) {
	st := &CountyStats{County: county}
	var avg, minV, maxV sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(geom),
		       coalesce(sum(EXISTS (SELECT 1 FROM json_each(qa_flags) WHERE value = 'geometry_missing')), 0),
		       coalesce(sum(EXISTS (SELECT 1 FROM json_each(qa_flags) WHERE value = 'self_intersection')), 0),
		       count(market_value),
		       avg(market_value),
		       min(market_value),
		       max(market_value)
		FROM parcels
		WHERE county_code = ?`, county,
	).Scan(&st.Parcels, &st.WithGeometry, &st.GeometryMissing, &st.SelfIntersections,
		&st.ValuedParcels, &avg, &minV, &maxV)
	if err != nil {
		return nil, eris.Wrapf(err, "sink: county stats %d", county)
	}
	st.AvgMarketValue, st.MinMarketValue, st.MaxMarketValue = avg.Float64, minV.Float64, maxV.Float64
	return st, nil
}

// ScanGeometries streams parcel geometries of one county. Rows are buffered
// per call because the single SQLite connection cannot serve fn's own queries
// while a cursor is open.
func (s *SQLiteSink) ScanGeometries(ctx context.Context, county int, fn func(ParcelGeometry) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT parcel_id, geom FROM parcels WHERE county_code = ? ORDER BY parcel_id", county)
	if err != nil {
		return eris.Wrapf(err, "sink: scan county %d", county)
	}

	var out []ParcelGeometry
	for rows.Next() {
		var (
			id   string
			ewkt sql.NullString
		)
		if err := rows.Scan(&id, &ewkt); err != nil {
			_ = rows.Close()
			return eris.Wrap(err, "sink: scan parcel geometry")
		}
		pg := ParcelGeometry{CountyCode: county, ParcelID: id}
		if ewkt.Valid && ewkt.String != "" {
			g, err := geometry.ParseWKT(ewkt.String)
			if err != nil {
				zap.L().Warn("stored geometry unreadable",
					zap.String("component", "sink.sqlite"),
					zap.String("parcel_id", id),
					zap.Error(err),
				)
			} else {
				pg.Geometry = g
			}
		}
		out = append(out, pg)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return eris.Wrap(err, "sink: scan parcel rows")
	}
	_ = rows.Close()

	for _, pg := range out {
		if err := fn(pg); err != nil {
			return err
		}
	}
	return nil
}

// LoadedCounties lists counties with stored parcels.
func (s *SQLiteSink) LoadedCounties(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT county_code FROM parcels ORDER BY county_code")
	if err != nil {
		return nil, eris.Wrap(err, "sink: loaded counties")
	}
	defer rows.Close() //nolint:errcheck

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

// Lookup returns the stored parcel and its batch lineage, or nil if absent.
func (s *SQLiteSink) Lookup(ctx context.Context, county int, parcelID string) (*parcel.Parcel, []string, error) {
	var (
		p                     parcel.Parcel
		owner, geom           sql.NullString
		market                sql.NullFloat64
		flagsJSON, lineageRaw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT county_code, parcel_id, county_fips, owner_name, market_value, geom, qa_flags, batch_lineage
		FROM parcels WHERE county_code = ? AND parcel_id = ?`, county, parcelID,
	).Scan(&p.CountyCode, &p.ParcelID, &p.CountyFIPS, &owner, &market, &geom, &flagsJSON, &lineageRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sink: lookup %d/%s", county, parcelID)
	}

	p.OwnerName = owner.String
	if market.Valid {
		v := market.Float64
		p.MarketValue = &v
	}
	if geom.Valid {
		if g, err := geometry.ParseWKT(geom.String); err == nil {
			p.Geometry = g
		}
	}
	if err := json.Unmarshal([]byte(flagsJSON), &p.QAFlags); err != nil {
		return nil, nil, eris.Wrap(err, "sink: decode qa flags")
	}
	var lineage []string
	if err := json.Unmarshal([]byte(lineageRaw), &lineage); err != nil {
		return nil, nil, eris.Wrap(err, "sink: decode batch lineage")
	}
	return &p, lineage, nil
}

package risk

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/sink"
)

var assessmentColumns = []string{
	"county_code", "parcel_id",
	"flood_score", "surge_score", "wind_score", "wildfire_score", "overall_score",
	"risk_category", "geometry_missing", "weights_version", "hazard_snapshot", "computed_at",
}

// PostgresStore writes parcels.risk_assessments.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// WriteAssessments implements Store. Each chunk is one temp-table COPY plus
// one INSERT ... ON CONFLICT DO UPDATE over every non-key column.
func (s *PostgresStore) WriteAssessments(ctx context.Context, as []Assessment) error {
	rows := make([][]any, len(as))
	for i, a := range as {
		rows[i] = []any{
			int16(a.CountyCode), a.ParcelID,
			int16(a.Flood), int16(a.Surge), int16(a.Wind), int16(a.Wildfire), int16(a.Overall),
			string(a.Category), a.GeometryMissing, a.WeightsVersion, a.HazardSnapshot, a.ComputedAt,
		}
	}
	_, err := db.BulkUpsertCounts(ctx, s.pool, db.UpsertConfig{
		Table:        "parcels.risk_assessments",
		Columns:      assessmentColumns,
		ConflictKeys: []string{"county_code", "parcel_id"},
	}, rows)
	if err != nil {
		return sink.Classify(eris.Wrap(err, "risk: write assessments"))
	}
	return nil
}

// CategoryCounts implements Store.
func (s *PostgresStore) CategoryCounts(ctx context.Context, county int) (map[Category]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT risk_category, count(*)
FROM parcels.risk_assessments
WHERE county_code = $1
GROUP BY risk_category`, county)
	if err != nil {
		return nil, sink.Classify(eris.Wrapf(err, "risk: category counts %d", county))
	}
	defer rows.Close()

	out := make(map[Category]int)
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			return nil, eris.Wrap(err, "risk: scan category count")
		}
		out[Category(c)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "risk: iterate category counts")
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, county int, parcelID string) (*Assessment, error) {
	a := &Assessment{CountyCode: county, ParcelID: parcelID}
	var flood, surge, wind, wildfire, overall int16
	var category string
	err := s.pool.QueryRow(ctx, `SELECT flood_score, surge_score, wind_score, wildfire_score,
	overall_score, risk_category, geometry_missing, weights_version, hazard_snapshot, computed_at
FROM parcels.risk_assessments
WHERE county_code = $1 AND parcel_id = $2`, county, parcelID).
		Scan(&flood, &surge, &wind, &wildfire, &overall, &category,
			&a.GeometryMissing, &a.WeightsVersion, &a.HazardSnapshot, &a.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sink.Classify(eris.Wrapf(err, "risk: get %d/%s", county, parcelID))
	}
	a.Flood, a.Surge, a.Wind, a.Wildfire, a.Overall = int(flood), int(surge), int(wind), int(wildfire), int(overall)
	a.Category = Category(category)
	return a, nil
}

var _ Store = (*PostgresStore)(nil)

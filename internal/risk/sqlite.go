package risk

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
)

const sqliteAssessmentUpsert = `INSERT INTO risk_assessments (
	county_code, parcel_id,
	flood_score, surge_score, wind_score, wildfire_score, overall_score,
	risk_category, geometry_missing, weights_version, hazard_snapshot, computed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (county_code, parcel_id) DO UPDATE SET
	flood_score = excluded.flood_score,
	surge_score = excluded.surge_score,
	wind_score = excluded.wind_score,
	wildfire_score = excluded.wildfire_score,
	overall_score = excluded.overall_score,
	risk_category = excluded.risk_category,
	geometry_missing = excluded.geometry_missing,
	weights_version = excluded.weights_version,
	hazard_snapshot = excluded.hazard_snapshot,
	computed_at = excluded.computed_at`

// SQLiteStore writes a local risk_assessments table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLiteStore over a migrated database.
func NewSQLite(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlDB}
}

// WriteAssessments implements Store in one transaction.
func (s *SQLiteStore) WriteAssessments(ctx context.Context, as []Assessment) error {
	if len(as) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "risk: begin write")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteAssessmentUpsert)
	if err != nil {
		return eris.Wrap(err, "risk: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, a := range as {
		if _, err := stmt.ExecContext(ctx,
			a.CountyCode, a.ParcelID,
			a.Flood, a.Surge, a.Wind, a.Wildfire, a.Overall,
			string(a.Category), a.GeometryMissing, a.WeightsVersion, a.HazardSnapshot,
			a.ComputedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return eris.Wrapf(err, "risk: upsert %d/%s", a.CountyCode, a.ParcelID)
		}
	}
	return eris.Wrap(tx.Commit(), "risk: commit write")
}

// CategoryCounts implements Store.
func (s *SQLiteStore) CategoryCounts(ctx context.Context, county int) (map[Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT risk_category, count(*)
FROM risk_assessments
WHERE county_code = ?
GROUP BY risk_category`, county)
	if err != nil {
		return nil, eris.Wrapf(err, "risk: category counts %d", county)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[Category]int)
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, eris.Wrap(err, "risk: scan category count")
		}
		out[Category(c)] = n
	}
	return out, eris.Wrap(rows.Err(), "risk: iterate category counts")
}

// Get returns one stored assessment, or nil.
func (s *SQLiteStore) Get(ctx context.Context, county int, parcelID string) (*Assessment, error) {
	a := &Assessment{CountyCode: county, ParcelID: parcelID}
	var category, computed string
	err := s.db.QueryRowContext(ctx, `SELECT flood_score, surge_score, wind_score, wildfire_score,
	overall_score, risk_category, geometry_missing, weights_version, hazard_snapshot, computed_at
FROM risk_assessments WHERE county_code = ? AND parcel_id = ?`, county, parcelID).
		Scan(&a.Flood, &a.Surge, &a.Wind, &a.Wildfire, &a.Overall, &category,
			&a.GeometryMissing, &a.WeightsVersion, &a.HazardSnapshot, &computed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "risk: get %d/%s", county, parcelID)
	}
	a.Category = Category(category)
	a.ComputedAt, _ = time.Parse(time.RFC3339Nano, computed)
	return a, nil
}

var _ Store = (*SQLiteStore)(nil)

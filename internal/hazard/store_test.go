package hazard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/schema"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, schema.MigrateSQLite(context.Background(), sqlDB))
	return NewSQLite(sqlDB)
}

func TestSQLiteStore_ReplaceAndSnapshot(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	n, err := s.Replace(ctx, TypeFlood, "v1", []Zone{
		{Severity: 4, ZoneCode: "AE", Geometry: box(t, -82, 26, 0.1)},
		{Severity: 5, ZoneCode: "VE", Geometry: box(t, -82.2, 26, 0.1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Replace(ctx, TypeWind, "v1", []Zone{{Severity: 2, Geometry: box(t, -83, 25, 3)}})
	require.NoError(t, err)

	n, err = s.Replace(ctx, TypeFlood, "v1", []Zone{{Severity: 3, ZoneCode: "AR", Geometry: box(t, -82, 26, 0.1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	flood := snap.Zones(TypeFlood)
	require.Len(t, flood, 1)
	assert.Equal(t, "AR", flood[0].ZoneCode)
	assert.Equal(t, 3, flood[0].Severity)
	assert.False(t, flood[0].LoadedAt.IsZero())

	layers, err := s.Layers(ctx)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, TypeFlood, layers[0].Type)
	assert.Equal(t, 1, layers[0].Zones)
	assert.Equal(t, TypeWind, layers[1].Type)
}

func TestSQLiteStore_ReplaceIsAtomic(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.Replace(ctx, TypeFlood, "v1", []Zone{{Severity: 4, Geometry: box(t, -82, 26, 0.1)}})
	require.NoError(t, err)

	_, err = s.Replace(ctx, TypeFlood, "v1", []Zone{
		{Severity: 4, Geometry: box(t, -82, 26, 0.1)},
		{Severity: 9, Geometry: box(t, -82, 26, 0.1)},
	})
	require.Error(t, err, "severity CHECK rejects the second zone")

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestLoad_SQLite(t *testing.T) {
	s := newSQLiteStore(t)
	stats, err := Load(context.Background(), s, LoadRequest{
		Type:          TypeFlood,
		Path:          writeLayer(t, floodLayer),
		SourceVersion: "v2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Zones)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
}

func TestPostgresStore_Replace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM parcels.hazard_zones WHERE hazard_type").
		WithArgs("flood", "v1").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectCopyFrom(pgx.Identifier{"parcels", "hazard_zones"}, zoneColumns).WillReturnResult(2)
	mock.ExpectCommit()

	s := NewPostgres(mock)
	n, err := s.Replace(context.Background(), TypeFlood, "v1", []Zone{
		{Severity: 4, Geometry: box(t, -82, 26, 0.1)},
		{Severity: 5, Geometry: box(t, -82.2, 26, 0.1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM parcels.hazard_zones").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"parcels", "hazard_zones"}, zoneColumns).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewPostgres(mock).Replace(context.Background(), TypeFlood, "v1",
		[]Zone{{Severity: 4, Geometry: box(t, -82, 26, 0.1)}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Snapshot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	g := box(t, -82, 26, 0.1)
	b, err := g.EWKB()
	require.NoError(t, err)
	loaded := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, hazard_type, severity_level").
		WillReturnRows(pgxmock.NewRows([]string{"id", "hazard_type", "severity_level", "zone_code", "geom", "source_version", "loaded_at"}).
			AddRow(int64(7), "surge", int16(3), "3", b, "slosh-2024", loaded))

	snap, err := NewPostgres(mock).Snapshot(context.Background())
	require.NoError(t, err)
	surge := snap.Zones(TypeSurge)
	require.Len(t, surge, 1)
	assert.Equal(t, int64(7), surge[0].ID)
	assert.Equal(t, 3, surge[0].Severity)
	assert.True(t, surge[0].Geometry.ContainsPoint([2]float64{-81.95, 26.05}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Layers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	loaded := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("GROUP BY hazard_type, source_version").
		WillReturnRows(pgxmock.NewRows([]string{"hazard_type", "source_version", "count", "max"}).
			AddRow("flood", "v1", int64(120), loaded))

	layers, err := NewPostgres(mock).Layers(context.Background())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, 120, layers[0].Zones)
	require.NoError(t, mock.ExpectationsWereMet())
}

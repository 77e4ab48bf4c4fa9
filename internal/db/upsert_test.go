package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "parcels.parcels",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "parcels.parcels",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "parcels.parcels",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBuildUpsertSQL(t *testing.T) {
	sql, err := buildUpsertSQL(UpsertConfig{
		Table:        "parcels.parcels",
		Columns:      []string{"county_code", "parcel_id", "owner_name", "first_seen_at", "batch_lineage"},
		ConflictKeys: []string{"county_code", "parcel_id"},
		InsertOnly:   []string{"first_seen_at"},
		UpdateExprs:  map[string]string{"batch_lineage": "t.batch_lineage || EXCLUDED.batch_lineage"},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, `INSERT INTO "parcels"."parcels" AS t ("county_code", "parcel_id", "owner_name", "first_seen_at", "batch_lineage")`)
	assert.Contains(t, sql, `FROM "_tmp_upsert_parcels_parcels"`)
	assert.Contains(t, sql, `ON CONFLICT ("county_code", "parcel_id")`)
	assert.Contains(t, sql, `"owner_name" = EXCLUDED."owner_name"`)
	assert.Contains(t, sql, `"batch_lineage" = t.batch_lineage || EXCLUDED.batch_lineage`)
	assert.NotContains(t, sql, `"first_seen_at" =`)
	assert.Contains(t, sql, "RETURNING (xmax = 0) AS inserted")
}

func TestBuildUpsertSQL_NothingToUpdate(t *testing.T) {
	_, err := buildUpsertSQL(UpsertConfig{
		Table:        "parcels.parcels",
		Columns:      []string{"county_code", "parcel_id"},
		ConflictKeys: []string{"county_code", "parcel_id"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestBulkUpsertCounts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "parcels.parcels",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_parcels_parcels"}, cfg.Columns).WillReturnResult(3)
	mock.ExpectQuery("INSERT INTO").
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true).AddRow(false).AddRow(true))
	mock.ExpectCommit()

	counts, err := BulkUpsertCounts(context.Background(), mock, cfg, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Inserted)
	assert.Equal(t, int64(1), counts.Updated)
	assert.Equal(t, int64(3), counts.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertCounts_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "parcels.parcels",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_parcels_parcels"}, cfg.Columns).
		WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	_, err = BulkUpsertCounts(context.Background(), mock, cfg, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"parcels.parcels", `"parcels"."parcels"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

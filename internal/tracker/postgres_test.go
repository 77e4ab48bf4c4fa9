package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

func TestPostgresTracker_BeginBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO parcels.import_batches .* coalesce\(max\(attempt_count\), 0\) \+ 1`).
		WithArgs(15, 3, "0b3c6c8e-8f43-4cf4-a4a7-4b2f0d7f5a11", 500, 8).
		WillReturnRows(pgxmock.NewRows([]string{"attempt_count"}).AddRow(2))

	tr := NewPostgres(mock)
	h, err := tr.BeginBatch(context.Background(),
		BatchKey{RunID: "0b3c6c8e-8f43-4cf4-a4a7-4b2f0d7f5a11", County: 15, Seq: 3, Of: 8}, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Attempt)
	assert.Equal(t, 500, h.RecordCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_StartBatch(t *testing.T) {
	h := BatchHandle{BatchKey: BatchKey{County: 15, Seq: 1}, Attempt: 1, RecordCount: 2}

	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "pending row updated", rows: 1},
		{name: "no pending row", rows: 0, wantErr: ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectExec(`UPDATE parcels.import_batches SET status = 'in_progress'.* status = 'pending'`).
				WithArgs(15, 1, 1).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))

			err = NewPostgres(mock).StartBatch(context.Background(), h)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresTracker_CompleteBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := "sink: upsert: duplicate key"
	mock.ExpectExec(`UPDATE parcels.import_batches SET status = \$4`).
		WithArgs(15, 3, 1, "failed", 0, 2, &msg).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	h := BatchHandle{BatchKey: BatchKey{County: 15, Seq: 3}, Attempt: 1, RecordCount: 2}
	err = NewPostgres(mock).CompleteBatch(context.Background(), h, 0, 2, errors.New(msg))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_ClassifiesErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE parcels.import_batches").
		WillReturnError(&pgconn.PgError{Code: "40001"})

	h := BatchHandle{BatchKey: BatchKey{County: 15, Seq: 1}, Attempt: 1}
	err = NewPostgres(mock).StartBatch(context.Background(), h)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestPostgresTracker_QueryStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(time.Minute)
	cols := []string{"batch_seq", "attempt_count", "run_id", "record_count", "batch_total", "succeeded_count",
		"failed_count", "status", "first_error", "created_at", "started_at", "finished_at"}
	mock.ExpectQuery(`SELECT DISTINCT ON \(batch_seq\)`).WithArgs(15).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(1, 1, "run-1", 2, 3, 2, 0, "succeeded", "", created, &created, &finished).
			AddRow(2, 1, "run-1", 2, 3, 2, 0, "succeeded", "", created, &created, &finished).
			AddRow(3, 2, "run-2", 2, 3, 0, 2, "failed", "boom", created, &created, &finished))

	s, err := NewPostgres(mock).QueryStatus(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalBatches)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, []int{3}, s.FailedBatches)
	assert.Equal(t, 6, s.Records)
	require.NotNil(t, s.LastActivity)
	assert.True(t, s.LastActivity.Equal(finished))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_Reap(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		cutoff time.Time
		rows   int64
		want   int
	}{
		{name: "stale rows failed", cutoff: cutoff, rows: 2, want: 2},
		{name: "nothing stale", cutoff: cutoff, rows: 0, want: 0},
		{name: "disabled", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			if !tt.cutoff.IsZero() {
				mock.ExpectExec(`UPDATE parcels.import_batches SET status = 'failed'.*status IN \('pending', 'in_progress'\)`).
					WithArgs(15, tt.cutoff, reapMessage).
					WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))
			}

			n, err := NewPostgres(mock).Reap(context.Background(), 15, tt.cutoff)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

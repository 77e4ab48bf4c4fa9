package tracker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/sink"
)

const (
	pgBegin = `INSERT INTO parcels.import_batches
	(county_code, batch_seq, attempt_count, run_id, record_count, batch_total, status)
SELECT $1::smallint, $2::integer, coalesce(max(attempt_count), 0) + 1, $3::uuid, $4::integer, $5::integer, 'pending'
FROM parcels.import_batches
WHERE county_code = $1::smallint AND batch_seq = $2::integer
RETURNING attempt_count`

	pgStart = `UPDATE parcels.import_batches
SET status = 'in_progress', started_at = now()
WHERE county_code = $1 AND batch_seq = $2 AND attempt_count = $3 AND status = 'pending'`

	pgComplete = `UPDATE parcels.import_batches
SET status = $4, succeeded_count = $5, failed_count = $6, first_error = $7, finished_at = now()
WHERE county_code = $1 AND batch_seq = $2 AND attempt_count = $3 AND status = 'in_progress'`

	pgLatest = `SELECT DISTINCT ON (batch_seq)
	batch_seq, attempt_count, run_id::text, record_count, batch_total, succeeded_count, failed_count,
	status, coalesce(first_error, ''), created_at, started_at, finished_at
FROM parcels.import_batches
WHERE county_code = $1
ORDER BY batch_seq, attempt_count DESC`

	pgReap = `UPDATE parcels.import_batches
SET status = 'failed', succeeded_count = 0, failed_count = record_count, first_error = $3, finished_at = now()
WHERE county_code = $1 AND status IN ('pending', 'in_progress')
	AND coalesce(started_at, created_at) < $2`
)

// PostgresTracker stores attempts in parcels.import_batches.
type PostgresTracker struct {
	pool db.Pool
	log  *zap.Logger
}

// NewPostgres creates a PostgresTracker.
func NewPostgres(pool db.Pool) *PostgresTracker {
	return &PostgresTracker{pool: pool, log: zap.L().With(zap.String("component", "tracker.postgres"))}
}

// BeginBatch implements Tracker.
func (t *PostgresTracker) BeginBatch(ctx context.Context, key BatchKey, recordCount int) (BatchHandle, error) {
	h := BatchHandle{BatchKey: key, RecordCount: recordCount}
	if err := t.pool.QueryRow(ctx, pgBegin, key.County, key.Seq, key.RunID, recordCount, key.Of).Scan(&h.Attempt); err != nil {
		return h, sink.Classify(eris.Wrapf(err, "tracker: begin batch %d/%d", key.County, key.Seq))
	}
	t.log.Debug("batch begun",
		zap.Int("county", key.County), zap.Int("seq", key.Seq), zap.Int("attempt", h.Attempt))
	return h, nil
}

// StartBatch implements Tracker.
func (t *PostgresTracker) StartBatch(ctx context.Context, h BatchHandle) error {
	tag, err := t.pool.Exec(ctx, pgStart, h.County, h.Seq, h.Attempt)
	if err != nil {
		return sink.Classify(eris.Wrapf(err, "tracker: start batch %d/%d", h.County, h.Seq))
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "batch %d/%d attempt %d is not pending", h.County, h.Seq, h.Attempt)
	}
	return nil
}

// CompleteBatch implements Tracker.
func (t *PostgresTracker) CompleteBatch(ctx context.Context, h BatchHandle, succeeded, failed int, cause error) error {
	status, msg, err := completion(h, succeeded, failed, cause)
	if err != nil {
		return err
	}
	var firstErr *string
	if msg != "" {
		firstErr = &msg
	}
	tag, err := t.pool.Exec(ctx, pgComplete, h.County, h.Seq, h.Attempt, string(status), succeeded, failed, firstErr)
	if err != nil {
		return sink.Classify(eris.Wrapf(err, "tracker: complete batch %d/%d", h.County, h.Seq))
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "batch %d/%d attempt %d is not in progress", h.County, h.Seq, h.Attempt)
	}
	return nil
}

// LatestAttempts implements Tracker.
func (t *PostgresTracker) LatestAttempts(ctx context.Context, county int) ([]Attempt, error) {
	rows, err := t.pool.Query(ctx, pgLatest, county)
	if err != nil {
		return nil, sink.Classify(eris.Wrapf(err, "tracker: query county %d", county))
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a := Attempt{County: county}
		var status string
		var started, finished *time.Time
		if err := rows.Scan(&a.Seq, &a.Attempt, &a.RunID, &a.RecordCount, &a.BatchTotal, &a.Succeeded, &a.Failed,
			&status, &a.FirstError, &a.CreatedAt, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "tracker: scan attempt")
		}
		a.Status = Status(status)
		a.StartedAt = started
		a.FinishedAt = finished
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "tracker: iterate attempts")
}

// QueryStatus implements Tracker.
func (t *PostgresTracker) QueryStatus(ctx context.Context, county int) (*Summary, error) {
	latest, err := t.LatestAttempts(ctx, county)
	if err != nil {
		return nil, err
	}
	return Summarize(county, latest), nil
}

// Reap implements Tracker.
func (t *PostgresTracker) Reap(ctx context.Context, county int, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	tag, err := t.pool.Exec(ctx, pgReap, county, cutoff, reapMessage)
	if err != nil {
		return 0, sink.Classify(eris.Wrapf(err, "tracker: reap county %d", county))
	}
	if n := tag.RowsAffected(); n > 0 {
		t.log.Warn("reaped abandoned batches",
			zap.Int("county", county), zap.Int64("batches", n), zap.Time("cutoff", cutoff))
	}
	return int(tag.RowsAffected()), nil
}

var _ Tracker = (*PostgresTracker)(nil)

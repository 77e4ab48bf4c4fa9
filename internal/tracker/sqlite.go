package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
)

const (
	sqliteBegin = `INSERT INTO import_batches
	(county_code, batch_seq, attempt_count, run_id, record_count, batch_total, status, created_at)
SELECT ?1, ?2, coalesce(max(attempt_count), 0) + 1, ?3, ?4, ?6, 'pending', ?5
FROM import_batches
WHERE county_code = ?1 AND batch_seq = ?2
RETURNING attempt_count`

	sqliteStart = `UPDATE import_batches
SET status = 'in_progress', started_at = ?4
WHERE county_code = ?1 AND batch_seq = ?2 AND attempt_count = ?3 AND status = 'pending'`

	sqliteComplete = `UPDATE import_batches
SET status = ?4, succeeded_count = ?5, failed_count = ?6, first_error = ?7, finished_at = ?8
WHERE county_code = ?1 AND batch_seq = ?2 AND attempt_count = ?3 AND status = 'in_progress'`

	sqliteLatest = `SELECT batch_seq, attempt_count, run_id, record_count, batch_total, succeeded_count, failed_count,
	status, coalesce(first_error, ''), created_at, started_at, finished_at
FROM import_batches b
WHERE county_code = ?1 AND attempt_count = (
	SELECT max(attempt_count) FROM import_batches
	WHERE county_code = b.county_code AND batch_seq = b.batch_seq)
ORDER BY batch_seq`

	sqliteActive = `SELECT batch_seq, attempt_count, status, created_at, started_at
FROM import_batches
WHERE county_code = ?1 AND status IN ('pending', 'in_progress')`

	sqliteReap = `UPDATE import_batches
SET status = 'failed', succeeded_count = 0, failed_count = record_count, first_error = ?5, finished_at = ?6
WHERE county_code = ?1 AND batch_seq = ?2 AND attempt_count = ?3 AND status = ?4`
)

// SQLiteTracker stores attempts in a local import_batches table.
type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a SQLiteTracker over a migrated database.
func NewSQLite(sqlDB *sql.DB) *SQLiteTracker {
	return &SQLiteTracker{db: sqlDB, now: time.Now}
}

func (t *SQLiteTracker) stamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

// BeginBatch implements Tracker.
func (t *SQLiteTracker) BeginBatch(ctx context.Context, key BatchKey, recordCount int) (BatchHandle, error) {
	h := BatchHandle{BatchKey: key, RecordCount: recordCount}
	err := t.db.QueryRowContext(ctx, sqliteBegin, key.County, key.Seq, key.RunID, recordCount, t.stamp(), key.Of).Scan(&h.Attempt)
	if err != nil {
		return h, eris.Wrapf(err, "tracker: begin batch %d/%d", key.County, key.Seq)
	}
	return h, nil
}

// StartBatch implements Tracker.
func (t *SQLiteTracker) StartBatch(ctx context.Context, h BatchHandle) error {
	res, err := t.db.ExecContext(ctx, sqliteStart, h.County, h.Seq, h.Attempt, t.stamp())
	if err != nil {
		return eris.Wrapf(err, "tracker: start batch %d/%d", h.County, h.Seq)
	}
	return checkTransition(res, h, "pending")
}

// CompleteBatch implements Tracker.
func (t *SQLiteTracker) CompleteBatch(ctx context.Context, h BatchHandle, succeeded, failed int, cause error) error {
	status, msg, err := completion(h, succeeded, failed, cause)
	if err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, sqliteComplete, h.County, h.Seq, h.Attempt,
		string(status), succeeded, failed, sql.NullString{String: msg, Valid: msg != ""}, t.stamp())
	if err != nil {
		return eris.Wrapf(err, "tracker: complete batch %d/%d", h.County, h.Seq)
	}
	return checkTransition(res, h, "in progress")
}

func checkTransition(res sql.Result, h BatchHandle, want string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "tracker: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "batch %d/%d attempt %d is not %s", h.County, h.Seq, h.Attempt, want)
	}
	return nil
}

// LatestAttempts implements Tracker.
func (t *SQLiteTracker) LatestAttempts(ctx context.Context, county int) ([]Attempt, error) {
	rows, err := t.db.QueryContext(ctx, sqliteLatest, county)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: query county %d", county)
	}
	defer rows.Close() //nolint:errcheck

	var out []Attempt
	for rows.Next() {
		a := Attempt{County: county}
		var status, created string
		var started, finished sql.NullString
		if err := rows.Scan(&a.Seq, &a.Attempt, &a.RunID, &a.RecordCount, &a.BatchTotal, &a.Succeeded, &a.Failed,
			&status, &a.FirstError, &created, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "tracker: scan attempt")
		}
		a.Status = Status(status)
		a.CreatedAt = parseStamp(created)
		if started.Valid {
			ts := parseStamp(started.String)
			a.StartedAt = &ts
		}
		if finished.Valid {
			ts := parseStamp(finished.String)
			a.FinishedAt = &ts
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "tracker: iterate attempts")
}

// QueryStatus implements Tracker.
func (t *SQLiteTracker) QueryStatus(ctx context.Context, county int) (*Summary, error) {
	latest, err := t.LatestAttempts(ctx, county)
	if err != nil {
		return nil, err
	}
	return Summarize(county, latest), nil
}

// Reap implements Tracker. Stamps are RFC 3339 text, so the cutoff is
// applied here rather than in SQL.
func (t *SQLiteTracker) Reap(ctx context.Context, county int, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	rows, err := t.db.QueryContext(ctx, sqliteActive, county)
	if err != nil {
		return 0, eris.Wrapf(err, "tracker: query active batches %d", county)
	}
	type stale struct {
		seq, attempt int
		status       string
	}
	var found []stale
	for rows.Next() {
		var st stale
		var created string
		var started sql.NullString
		if err := rows.Scan(&st.seq, &st.attempt, &st.status, &created, &started); err != nil {
			rows.Close() //nolint:errcheck
			return 0, eris.Wrap(err, "tracker: scan active batch")
		}
		touched := parseStamp(created)
		if started.Valid {
			touched = parseStamp(started.String)
		}
		if touched.Before(cutoff) {
			found = append(found, st)
		}
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "tracker: iterate active batches")
	}

	reaped := 0
	for _, st := range found {
		res, err := t.db.ExecContext(ctx, sqliteReap, county, st.seq, st.attempt, st.status, reapMessage, t.stamp())
		if err != nil {
			return reaped, eris.Wrapf(err, "tracker: reap batch %d/%d", county, st.seq)
		}
		// A row that moved on since the scan is no longer stale.
		if n, _ := res.RowsAffected(); n > 0 {
			reaped++
		}
	}
	return reaped, nil
}

func parseStamp(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

var _ Tracker = (*SQLiteTracker)(nil)

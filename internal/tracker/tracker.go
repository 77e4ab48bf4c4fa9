// Package tracker records every import batch attempt and answers status
// queries over the latest attempt per batch.
package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Status of one batch attempt.
type Status string

// Attempt statuses. pending → in_progress → succeeded | failed.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when an update finds the attempt in a
// status other than the expected prior one.
var ErrInvalidTransition = eris.New("tracker: invalid status transition")

// maxErrorLen bounds the stored first_error text.
const maxErrorLen = 2000

// BatchKey identifies a batch within a run. Of is the number of batches in
// the run's layout; 0 when unknown.
type BatchKey struct {
	RunID  string
	County int
	Seq    int
	Of     int
}

// BatchHandle identifies one attempt row.
type BatchHandle struct {
	BatchKey
	Attempt     int
	RecordCount int
}

// Attempt is one stored attempt row.
type Attempt struct {
	County      int        `json:"county_code"`
	Seq         int        `json:"batch_seq"`
	Attempt     int        `json:"attempt_count"`
	RunID       string     `json:"run_id"`
	RecordCount int        `json:"record_count"`
	BatchTotal  int        `json:"batch_total"`
	Succeeded   int        `json:"succeeded_count"`
	Failed      int        `json:"failed_count"`
	Status      Status     `json:"status"`
	FirstError  string     `json:"first_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Summary aggregates the latest attempt of every batch of a county.
type Summary struct {
	County        int        `json:"county_code"`
	TotalBatches  int        `json:"total_batches"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	InProgress    int        `json:"in_progress"`
	Pending       int        `json:"pending"`
	Records       int        `json:"records"`
	FailedBatches []int      `json:"failed_batches"`
	// Superseded counts batches beyond the current layout, left by an
	// earlier run with a different batch size. They are not summarized.
	Superseded    int        `json:"superseded_batches"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// Active reports whether any batch is still pending or in progress.
func (s *Summary) Active() bool { return s.InProgress > 0 || s.Pending > 0 }

// Tracker persists batch attempts.
type Tracker interface {
	// BeginBatch creates a pending attempt numbered one past the highest
	// existing attempt of (county, seq).
	BeginBatch(ctx context.Context, key BatchKey, recordCount int) (BatchHandle, error)
	// StartBatch moves a pending attempt to in_progress.
	StartBatch(ctx context.Context, h BatchHandle) error
	// CompleteBatch moves an in_progress attempt to succeeded (cause nil and
	// no failures) or failed. succeeded+failed must equal the record count.
	CompleteBatch(ctx context.Context, h BatchHandle, succeeded, failed int, cause error) error
	QueryStatus(ctx context.Context, county int) (*Summary, error)
	// LatestAttempts returns the newest attempt of every batch, by batch seq.
	LatestAttempts(ctx context.Context, county int) ([]Attempt, error)
	// Reap fails pending and in-progress attempts of county last touched
	// before cutoff, as left by a crashed run. Returns the number reaped.
	Reap(ctx context.Context, county int, cutoff time.Time) (int, error)
}

// reapMessage is stored as first_error on reaped attempts.
const reapMessage = "abandoned: attempt was never completed"

// ReapCutoff returns the reap cutoff for staleAfter, or the zero time when
// reaping is disabled.
func ReapCutoff(now time.Time, staleAfter time.Duration) time.Time {
	if staleAfter <= 0 {
		return time.Time{}
	}
	return now.Add(-staleAfter)
}

// completion validates counts and picks the terminal status.
func completion(h BatchHandle, succeeded, failed int, cause error) (Status, string, error) {
	if succeeded < 0 || failed < 0 || succeeded+failed != h.RecordCount {
		return "", "", eris.Errorf("tracker: batch %d counts %d+%d do not account for %d records",
			h.Seq, succeeded, failed, h.RecordCount)
	}
	status := StatusSucceeded
	msg := ""
	if cause != nil || failed > 0 {
		status = StatusFailed
	}
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen]
		}
	}
	return status, msg, nil
}

// Current drops latest attempts that lie beyond the layout of the newest
// attempt that recorded one. Batch seqs are only comparable within a layout.
func Current(latest []Attempt) (current []Attempt, superseded int) {
	var newest *Attempt
	for i := range latest {
		a := &latest[i]
		if a.BatchTotal == 0 {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) ||
			(a.CreatedAt.Equal(newest.CreatedAt) && a.Attempt > newest.Attempt) {
			newest = a
		}
	}
	if newest == nil {
		return latest, 0
	}
	total := newest.BatchTotal
	current = make([]Attempt, 0, len(latest))
	for _, a := range latest {
		if a.Seq > total {
			superseded++
			continue
		}
		current = append(current, a)
	}
	return current, superseded
}

// Summarize folds latest attempts into a Summary over the current layout.
func Summarize(county int, latest []Attempt) *Summary {
	current, superseded := Current(latest)
	s := &Summary{County: county, TotalBatches: len(current), FailedBatches: []int{}, Superseded: superseded}
	for _, a := range current {
		s.Records += a.RecordCount
		switch a.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
			s.FailedBatches = append(s.FailedBatches, a.Seq)
		case StatusInProgress:
			s.InProgress++
		case StatusPending:
			s.Pending++
		}
		for _, ts := range []*time.Time{&a.CreatedAt, a.StartedAt, a.FinishedAt} {
			if ts != nil && !ts.IsZero() && (s.LastActivity == nil || ts.After(*s.LastActivity)) {
				t := *ts
				s.LastActivity = &t
			}
		}
	}
	sort.Ints(s.FailedBatches)
	return s
}

package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/schema"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

func makeParcels(n int) []parcel.Parcel {
	out := make([]parcel.Parcel, n)
	for i := range out {
		out[i] = parcel.Parcel{CountyCode: 15, ParcelID: fmt.Sprintf("P%03d", i+1), CountyFIPS: "12015"}
	}
	return out
}

// sliceStream yields records in order.
func sliceStream(records []parcel.Parcel) RecordStream {
	return func(_ context.Context, fn func(int, parcel.Parcel) error) error {
		for i, p := range records {
			if err := fn(i, p); err != nil {
				return err
			}
		}
		return nil
	}
}

// loadRequest loads n generated parcels in batches of size.
func loadRequest(runID string, n, size int) LoadRequest {
	layout := NewLayout(n, size)
	seqs := layout.Seqs()
	return LoadRequest{
		County: 15,
		RunID:  runID,
		Layout: layout,
		Seqs:   seqs,
		Feed:   Assemble(layout, seqs, sliceStream(makeParcels(n))),
	}
}

// scriptedSink counts calls per batch ref and fails them on demand.
type scriptedSink struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(seq, call int) error
	delay time.Duration
}

func newScriptedSink(fail func(seq, call int) error) *scriptedSink {
	return &scriptedSink{calls: make(map[string]int), fail: fail}
}

func (s *scriptedSink) Upsert(ctx context.Context, req sink.Request) (*sink.Result, error) {
	s.mu.Lock()
	s.calls[req.BatchRef]++
	call := s.calls[req.BatchRef]
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	parts := strings.Split(req.BatchRef, "/")
	var seq int
	_, _ = fmt.Sscanf(parts[len(parts)-1], "%d", &seq)
	if s.fail != nil {
		if err := s.fail(seq, call); err != nil {
			return nil, err
		}
	}
	return &sink.Result{Inserted: len(req.Records)}, nil
}

func (s *scriptedSink) callsFor(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ref]
}

func transient(msg string) error {
	return resilience.NewTransientError(fmt.Errorf("%s", msg), "40001")
}

func fatal(msg string) error {
	return resilience.NewFatalError(fmt.Errorf("%s", msg), "23502")
}

func newTracker(t *testing.T) *tracker.SQLiteTracker {
	t.Helper()
	return tracker.NewSQLite(openDB(t))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, schema.MigrateSQLite(context.Background(), d))
	return d
}

func fastOptions() LoaderOptions {
	opts := DefaultLoaderOptions()
	opts.Jobs = 2
	opts.Backoff = resilience.Linear(time.Millisecond)
	opts.AttemptTimeout = 5 * time.Second
	return opts
}

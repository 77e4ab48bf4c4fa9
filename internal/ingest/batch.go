// Package ingest partitions normalized parcels into batches and loads them
// through a bounded worker pool with retries, a rate limiter and a circuit
// breaker, recording every attempt in the import tracker.
package ingest

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/parcel"
)

// DefaultBatchSize is the number of records per batch.
const DefaultBatchSize = 1000

// Batch is a contiguous run of a county's records. Seq is 1-based.
type Batch struct {
	Seq     int
	Records []parcel.Parcel
}

// Layout partitions Records positions into batches of Size, preserving
// order. It depends only on the record count and size.
type Layout struct {
	Records int
	Size    int
}

// NewLayout builds a Layout; size <= 0 means DefaultBatchSize.
func NewLayout(records, size int) Layout {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return Layout{Records: records, Size: size}
}

// Batches is the number of batches in the layout.
func (l Layout) Batches() int {
	if l.Size <= 0 {
		return 0
	}
	return (l.Records + l.Size - 1) / l.Size
}

// Seq is the batch holding position pos.
func (l Layout) Seq(pos int) int { return pos/l.Size + 1 }

// Count is the number of records in batch seq.
func (l Layout) Count(seq int) int {
	if seq < 1 || seq > l.Batches() {
		return 0
	}
	return min(l.Size, l.Records-(seq-1)*l.Size)
}

// Seqs lists every batch of the layout.
func (l Layout) Seqs() []int {
	out := make([]int, l.Batches())
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// RecordStream calls fn with every record and its layout position.
type RecordStream func(ctx context.Context, fn func(pos int, p parcel.Parcel) error) error

// BatchFeed calls emit with complete batches. An error from emit stops the
// feed.
type BatchFeed func(ctx context.Context, emit func(Batch) error) error

type assembly struct {
	records []parcel.Parcel
	filled  []bool
	n       int
}

// Assemble builds the batches listed in seqs from a record stream. Records of
// other batches are dropped without being buffered. A batch is emitted as
// soon as its last record arrives, so only batches still waiting on a late
// record are held in memory.
func Assemble(layout Layout, seqs []int, stream RecordStream) BatchFeed {
	return func(ctx context.Context, emit func(Batch) error) error {
		want := make(map[int]bool, len(seqs))
		for _, seq := range seqs {
			want[seq] = true
		}
		open := make(map[int]*assembly)
		done := make(map[int]bool)

		err := stream(ctx, func(pos int, p parcel.Parcel) error {
			seq := layout.Seq(pos)
			if !want[seq] {
				return nil
			}
			if done[seq] {
				return eris.Errorf("ingest: record at position %d arrived after batch %d was emitted", pos, seq)
			}
			a := open[seq]
			if a == nil {
				count := layout.Count(seq)
				a = &assembly{records: make([]parcel.Parcel, count), filled: make([]bool, count)}
				open[seq] = a
			}
			off := pos - (seq-1)*layout.Size
			if off < 0 || off >= len(a.records) || a.filled[off] {
				return eris.Errorf("ingest: position %d is outside batch %d or repeated", pos, seq)
			}
			a.records[off] = p
			a.filled[off] = true
			a.n++
			if a.n < len(a.records) {
				return nil
			}
			delete(open, seq)
			done[seq] = true
			return emit(Batch{Seq: seq, Records: a.records})
		})
		if err != nil {
			return err
		}
		if missing := len(want) - len(done); missing > 0 {
			return eris.Errorf("ingest: %d batches incomplete at end of stream", missing)
		}
		return nil
	}
}

// BatchRef is the lineage reference a batch writes onto its parcels.
func BatchRef(runID string, county, seq int) string {
	return fmt.Sprintf("%s/%d/%d", runID, county, seq)
}

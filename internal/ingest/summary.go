package ingest

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/verify"
)

// BatchStatus is the final outcome of one batch in a run.
type BatchStatus string

// Batch outcomes.
const (
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
	BatchSkipped   BatchStatus = "skipped"
)

// BatchResult is what a worker reports for one batch.
type BatchResult struct {
	Seq      int
	Records  int
	Attempts int
	Status   BatchStatus
	Inserted int
	Updated  int
	Err      error
}

// CountySummary describes one county's import.
type CountySummary struct {
	County  int
	Label   string
	RunID   string
	Source  string
	DryRun  bool
	Elapsed time.Duration

	SourceCount        int
	Records            int
	Rejected           int
	Duplicates         int
	GeometryMissing    int
	SelfIntersections  int
	IntersectUnchecked int // rings too large for the self-intersection check

	Batches   int
	Succeeded int
	Failed    int
	Skipped   int
	Resumed   int // already succeeded in an earlier run
	Inserted  int
	Updated   int

	FailedBatches []int
	Results       []BatchResult

	Verify *verify.Report
	Risk   *risk.RunStats
}

// OK reports whether every batch landed.
func (s *CountySummary) OK() bool { return s.Failed == 0 && s.Skipped == 0 }

// add folds one batch result into the summary.
func (s *CountySummary) add(r BatchResult) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case BatchSucceeded:
		s.Succeeded++
		s.Inserted += r.Inserted
		s.Updated += r.Updated
	case BatchFailed:
		s.Failed++
		s.FailedBatches = append(s.FailedBatches, r.Seq)
	case BatchSkipped:
		s.Skipped++
	}
}

// addTally records geometry outcomes; nil when the source was not fully read.
func (s *CountySummary) addTally(t *parcel.Tally) {
	if t == nil {
		return
	}
	s.GeometryMissing = t.GeometryMissing
	s.SelfIntersections = t.SelfIntersections
	s.IntersectUnchecked = t.IntersectUnchecked
}

func (s *CountySummary) finish() {
	sort.Slice(s.Results, func(i, j int) bool { return s.Results[i].Seq < s.Results[j].Seq })
	sort.Ints(s.FailedBatches)
}

// RunSummary collects the county summaries of one run.
type RunSummary struct {
	RunID    string
	Counties []*CountySummary
}

// OK reports whether every county loaded cleanly.
func (r *RunSummary) OK() bool {
	for _, c := range r.Counties {
		if !c.OK() {
			return false
		}
	}
	return true
}

// WriteSummary prints the run as a plain-text table.
func WriteSummary(out io.Writer, run *RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "RUN %s\n", run.RunID)
	_, _ = fmt.Fprintln(w, "COUNTY\tREAD\tREJECTED\tDUPES\tGEOM_MISSING\tSELF_INTERSECT\tBATCHES\tOK\tFAILED\tSKIPPED\tRESUMED\tINSERTED\tUPDATED\tFAILED_BATCHES")
	_, _ = fmt.Fprintln(w, "------\t----\t--------\t-----\t------------\t--------------\t-------\t--\t------\t-------\t-------\t--------\t-------\t--------------")
	for _, c := range run.Counties {
		label := c.Label
		if c.DryRun {
			label += " (dry run)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			label, c.SourceCount, c.Rejected, c.Duplicates, c.GeometryMissing, c.SelfIntersections,
			c.Batches, c.Succeeded, c.Failed, c.Skipped, c.Resumed, c.Inserted, c.Updated,
			joinInts(c.FailedBatches))
	}
	_ = w.Flush()

	for _, c := range run.Counties {
		for _, r := range c.Results {
			if r.Status == BatchFailed && r.Err != nil {
				_, _ = fmt.Fprintf(out, "county %d batch %d failed after %d attempt(s): %v\n", c.County, r.Seq, r.Attempts, r.Err)
			}
		}
		if c.Verify != nil {
			_, _ = fmt.Fprintf(out, "county %d verify: loaded %d of %d, geometry %.1f%%, avg market value %.2f\n",
				c.County, c.Verify.LoadedCount, c.Verify.SourceCount, 100*c.Verify.GeometryRatio, c.Verify.AvgMarketValue)
			for _, v := range c.Verify.Violations {
				_, _ = fmt.Fprintf(out, "county %d verify: %s\n", c.County, v)
			}
		}
		if c.Risk != nil {
			_, _ = fmt.Fprintf(out, "county %d risk: scored %d (%d without geometry) against snapshot %s\n",
				c.County, c.Risk.Scored, c.Risk.GeometryMissing, c.Risk.HazardSnapshot)
		}
	}
}

func joinInts(xs []int) string {
	if len(xs) == 0 {
		return "-"
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

var (
	statusCounty  string
	statusJSON    bool
	statusBatches bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show import batch status for a county",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		county, err := resolveCounty(statusCounty)
		if err != nil {
			return err
		}
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		summary, err := b.Tracker.QueryStatus(ctx, county.Code)
		if err != nil {
			return err
		}
		var attempts []tracker.Attempt
		if statusBatches {
			if attempts, err = b.Tracker.LatestAttempts(ctx, county.Code); err != nil {
				return err
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if statusBatches {
				return enc.Encode(struct {
					*tracker.Summary
					Batches []tracker.Attempt `json:"batches"`
				}{summary, attempts})
			}
			return enc.Encode(summary)
		}
		formatStatus(os.Stdout, county, summary, attempts)
		return nil
	},
}

// formatStatus writes a county summary and, when given, one row per batch.
func formatStatus(out io.Writer, county parcel.County, s *tracker.Summary, attempts []tracker.Attempt) {
	last := "-"
	if s.LastActivity != nil {
		last = s.LastActivity.Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(out, "%s: %d batches, %d records, %d succeeded, %d failed, %d in progress, %d pending (last activity %s)\n",
		county.Label(), s.TotalBatches, s.Records, s.Succeeded, s.Failed, s.InProgress, s.Pending, last)
	if len(s.FailedBatches) > 0 {
		_, _ = fmt.Fprintf(out, "failed batches: %v\n", s.FailedBatches)
	}
	if len(attempts) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tATTEMPT\tSTATUS\tRECORDS\tOK\tFAILED\tRUN\tFINISHED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t-------\t------\t-------\t--\t------\t---\t--------\t-----")
	for _, a := range attempts {
		finished := "-"
		if a.FinishedAt != nil {
			finished = a.FinishedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			a.Seq, a.Attempt, a.Status, a.RecordCount, a.Succeeded, a.Failed,
			a.RunID, finished, truncate(a.FirstError, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().StringVar(&statusCounty, "county", "", "county code, FIPS code or name (required)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusCmd.Flags().BoolVar(&statusBatches, "batches", false, "include the latest attempt of every batch")
	_ = statusCmd.MarkFlagRequired("county")
	rootCmd.AddCommand(statusCmd)
}

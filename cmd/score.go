package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/parcel-cli/internal/risk"
)

var scoreCounties []string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score loaded parcels against the current hazard layers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		counties, err := resolveCounties(scoreCounties)
		if err != nil {
			return err
		}
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		runner, err := newRunner(b)
		if err != nil {
			return err
		}

		var results []*risk.RunStats
		for _, c := range counties {
			stats, err := runner.ScoreCounty(ctx, c.Code)
			if err != nil {
				return fmt.Errorf("score %s: %w", c.Label(), err)
			}
			results = append(results, stats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "COUNTY\tSCORED\tNO_GEOM\tMINIMAL\tLOW\tMODERATE\tHIGH\tEXTREME\tSNAPSHOT\tWEIGHTS\tDURATION")
		for _, s := range results {
			_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
				s.County, s.Scored, s.GeometryMissing,
				s.ByCategory[risk.CategoryMinimal], s.ByCategory[risk.CategoryLow], s.ByCategory[risk.CategoryModerate],
				s.ByCategory[risk.CategoryHigh], s.ByCategory[risk.CategoryExtreme],
				s.HazardSnapshot, s.WeightsVersion, s.Duration.Round(time.Millisecond))
		}
		return w.Flush()
	},
}

func init() {
	scoreCmd.Flags().StringSliceVar(&scoreCounties, "county", nil, "county code, FIPS code or name (repeatable)")
	_ = scoreCmd.MarkFlagRequired("county")
	rootCmd.AddCommand(scoreCmd)
}

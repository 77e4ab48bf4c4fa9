package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/ingest"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/verify"
)

var verifyFlags struct {
	county      string
	file        string
	dialect     string
	sourceCount int
	xlsx        string
	json        bool
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare a loaded county against its source and sanity bounds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		county, err := resolveCounty(verifyFlags.county)
		if err != nil {
			return err
		}
		sourceCount := verifyFlags.sourceCount
		if verifyFlags.file != "" {
			if sourceCount, err = countSource(ctx, county, verifyFlags.file, verifyFlags.dialect); err != nil {
				return err
			}
		}

		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		report, err := newVerifier(b).Verify(ctx, county.Code, sourceCount)
		if err != nil {
			return err
		}
		if verifyFlags.xlsx != "" {
			if err := report.WriteXLSX(verifyFlags.xlsx); err != nil {
				return err
			}
			zap.L().Info("verification report written", zap.String("path", verifyFlags.xlsx))
		}

		if verifyFlags.json {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(os.Stdout, county, report)
		}
		if !report.OK() {
			return eris.Errorf("verify: %s did not pass", county.Label())
		}
		return nil
	},
}

// countSource reads a source file the way import does and returns its
// feature count.
func countSource(ctx context.Context, county parcel.County, location, dialectName string) (int, error) {
	dialect, err := parcel.LookupDialect(dialectName)
	if err != nil {
		return 0, ingest.NewConfigurationError("unknown dialect", err)
	}
	path, err := newResolver().Resolve(ctx, location, parcel.Extensions()...)
	if err != nil {
		return 0, ingest.NewConfigurationError("unreadable source "+location, err)
	}
	src, err := parcel.Open(path, "")
	if err != nil {
		return 0, ingest.NewConfigurationError("unsupported source "+location, err)
	}
	plan, err := parcel.Scan(ctx, src, parcel.NewNormalizer(dialect, parcel.MustCounties(), county.Code, src.SRID()))
	if err != nil {
		return 0, err
	}
	return plan.SourceCount, nil
}

func printReport(out io.Writer, county parcel.County, r *verify.Report) {
	_, _ = fmt.Fprintf(out, "%s\n", county.Label())
	if r.SourceCount >= 0 {
		_, _ = fmt.Fprintf(out, "  source features     %d\n", r.SourceCount)
	}
	_, _ = fmt.Fprintf(out, "  loaded parcels      %d\n", r.LoadedCount)
	_, _ = fmt.Fprintf(out, "  discrepancy         %d\n", r.Discrepancy)
	_, _ = fmt.Fprintf(out, "  with geometry       %d (%.1f%%)\n", r.WithGeometry, 100*r.GeometryRatio)
	_, _ = fmt.Fprintf(out, "  geometry failures   %d\n", r.GeometryFailures)
	_, _ = fmt.Fprintf(out, "  self-intersections  %d\n", r.SelfIntersections)
	_, _ = fmt.Fprintf(out, "  market value        avg %.2f, min %.2f, max %.2f over %d parcels\n",
		r.AvgMarketValue, r.MinMarketValue, r.MaxMarketValue, r.ValuedParcels)
	for _, v := range r.Violations {
		_, _ = fmt.Fprintf(out, "  VIOLATION: %s\n", v)
	}
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyFlags.county, "county", "", "county code, FIPS code or name (required)")
	f.StringVar(&verifyFlags.file, "file", "", "source file to count features from")
	f.StringVar(&verifyFlags.dialect, "dialect", "", "source column dialect (default dor)")
	f.IntVar(&verifyFlags.sourceCount, "source-count", -1, "expected source feature count (-1 skips the comparison)")
	f.StringVar(&verifyFlags.xlsx, "xlsx", "", "also write the report to this XLSX file")
	f.BoolVar(&verifyFlags.json, "json", false, "print JSON")
	_ = verifyCmd.MarkFlagRequired("county")
	verifyCmd.MarkFlagsMutuallyExclusive("file", "source-count")
	rootCmd.AddCommand(verifyCmd)
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/ingest"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

var importFlags struct {
	counties  []string
	files     []string
	format    string
	dialect   string
	srid      int
	batchSize int
	jobs      int
	runID     string
	dryRun    bool
	resume    bool
	verify    bool
	score     bool
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import county parcel extracts",
	Long: "Reads each --file, normalizes it for the matching --county, and loads it in batches. " +
		"Counties are processed in order; failed batches are reported and can be retried with --resume.",
	Example: `  parcel-cli import --county 15 --file ./charlotte.geojson
  parcel-cli import --county charlotte,citrus --file ./charlotte.zip,./citrus.zip --verify --score`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reqs, err := importRequests()
		if err != nil {
			return err
		}
		if importFlags.jobs > 0 {
			cfg.Ingest.Jobs = importFlags.jobs
		}
		if err := cfg.Validate(); err != nil {
			return ingest.NewConfigurationError("invalid settings", err)
		}

		im := &ingest.Importer{
			Resolver:   newResolver(),
			Counties:   parcel.MustCounties(),
			StaleAfter: cfg.Ingest.StaleAfter,
		}
		if !importFlags.dryRun {
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close() //nolint:errcheck

			loader, err := ingest.NewLoader(b.Sink, b.Tracker, loaderOptions())
			if err != nil {
				return err
			}
			im.Loader = loader
			im.Tracker = b.Tracker
			im.Verifier = newVerifier(b)
			if importFlags.score {
				runner, err := newRunner(b)
				if err != nil {
					return err
				}
				im.Scorer = runner
			}
		}

		run, err := im.Run(ctx, importFlags.runID, reqs)
		if run != nil {
			ingest.WriteSummary(os.Stdout, run)
		}
		if err != nil {
			return err
		}
		if !run.OK() {
			return eris.Errorf("import %s finished with failed or skipped batches; rerun with --resume", run.RunID)
		}
		zap.L().Info("import complete", zap.String("run_id", run.RunID), zap.Int("counties", len(run.Counties)))
		return nil
	},
}

// importRequests pairs --county and --file values positionally.
func importRequests() ([]ingest.ImportRequest, error) {
	counties, err := resolveCounties(importFlags.counties)
	if err != nil {
		return nil, err
	}
	if len(importFlags.files) != len(counties) {
		return nil, ingest.NewConfigurationError(
			"--county and --file must list the same number of values",
			eris.Errorf("%d counties, %d files", len(counties), len(importFlags.files)))
	}
	batchSize := importFlags.batchSize
	if batchSize <= 0 {
		batchSize = cfg.Ingest.BatchSize
	}
	if batchSize > 50000 {
		return nil, ingest.NewConfigurationError("--batch-size must be at most 50000", nil)
	}

	reqs := make([]ingest.ImportRequest, len(counties))
	for i, c := range counties {
		reqs[i] = ingest.ImportRequest{
			County:    c,
			Source:    importFlags.files[i],
			Format:    importFlags.format,
			Dialect:   importFlags.dialect,
			SRID:      importFlags.srid,
			BatchSize: batchSize,
			DryRun:    importFlags.dryRun,
			Resume:    importFlags.resume,
			Verify:    importFlags.verify,
			Score:     importFlags.score,
		}
	}
	return reqs, nil
}

func init() {
	f := importCmd.Flags()
	f.StringSliceVar(&importFlags.counties, "county", nil, "county code, FIPS code or name (repeatable or comma separated)")
	f.StringSliceVar(&importFlags.files, "file", nil, "source path or URL per county, in --county order")
	f.StringVar(&importFlags.format, "format", "", "geojson, shapefile, csv or xlsx (default from extension)")
	f.StringVar(&importFlags.dialect, "dialect", "", "source column dialect (default dor)")
	f.IntVar(&importFlags.srid, "srid", 0, "source SRID when the file does not declare one")
	f.IntVar(&importFlags.batchSize, "batch-size", 0, "records per batch (default from config, 1000)")
	f.IntVar(&importFlags.jobs, "jobs", 0, "concurrent batch workers, 1-32 (default from config, 4)")
	f.StringVar(&importFlags.runID, "run-id", "", "run identifier (default a new UUID)")
	f.BoolVar(&importFlags.dryRun, "dry-run", false, "read, normalize and partition without writing")
	f.BoolVar(&importFlags.resume, "resume", false, "skip batches that already succeeded")
	f.BoolVar(&importFlags.verify, "verify", false, "verify each county after loading")
	f.BoolVar(&importFlags.score, "score", false, "score each county after loading")
	_ = importCmd.MarkFlagRequired("county")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

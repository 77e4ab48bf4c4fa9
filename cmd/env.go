package main

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/ingest"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/store"
	"github.com/sells-group/parcel-cli/internal/verify"
)

// openBackend connects to the configured store.
func openBackend(ctx context.Context) (*store.Backend, error) {
	return store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		SQLitePath:  cfg.Store.SQLitePath,
		MaxConns:    cfg.Store.MaxConns,
	})
}

func newResolver() *fetcher.Resolver {
	return fetcher.NewResolver(cfg.Fetcher.WorkDir)
}

// loaderOptions maps ingest config onto the loader.
func loaderOptions() ingest.LoaderOptions {
	in := cfg.Ingest
	opts := ingest.DefaultLoaderOptions()
	opts.Jobs = in.Jobs
	opts.QueueDepth = in.QueueDepth
	opts.MaxAttempts = in.MaxAttempts
	opts.UpsertsPerSecond = in.UpsertsPerSecond
	opts.BreakerThreshold = in.BreakerThreshold
	if in.RetryBackoff > 0 {
		opts.Backoff = resilience.Linear(in.RetryBackoff)
	}
	if in.AttemptTimeout > 0 {
		opts.AttemptTimeout = in.AttemptTimeout
	}
	if in.BreakerReset > 0 {
		opts.BreakerReset = in.BreakerReset
	}
	return opts
}

// loadTables returns the built-in risk tables unless risk.tables_path names
// a replacement.
func loadTables() (*risk.Tables, error) {
	if cfg.Risk.TablesPath == "" {
		return risk.DefaultTables()
	}
	data, err := os.ReadFile(cfg.Risk.TablesPath)
	if err != nil {
		return nil, eris.Wrapf(err, "read risk tables %s", cfg.Risk.TablesPath)
	}
	return risk.ParseTables(data)
}

func newRunner(b *store.Backend) (*risk.Runner, error) {
	tables, err := loadTables()
	if err != nil {
		return nil, err
	}
	return risk.NewRunner(risk.NewEngine(tables), b.Parcels, b.Tracker, b.Hazards, b.Assessments, risk.RunnerOptions{
		Workers:    cfg.Risk.Workers,
		ChunkSize:  cfg.Risk.ChunkSize,
		StaleAfter: cfg.Ingest.StaleAfter,
	}), nil
}

func newVerifier(b *store.Backend) *verify.Verifier {
	return verify.New(b.Parcels, cfg.QA)
}

// resolveCounties parses a --county list of codes, FIPS codes or names.
func resolveCounties(values []string) ([]parcel.County, error) {
	counties, err := parcel.LoadCounties()
	if err != nil {
		return nil, err
	}
	var out []parcel.County
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			c, err := counties.Resolve(part)
			if err != nil {
				return nil, ingest.NewConfigurationError("invalid county "+part, err)
			}
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ingest.NewConfigurationError("at least one --county is required", nil)
	}
	return out, nil
}

// resolveCounty is resolveCounties for commands that take exactly one.
func resolveCounty(value string) (parcel.County, error) {
	cs, err := resolveCounties([]string{value})
	if err != nil {
		return parcel.County{}, err
	}
	if len(cs) != 1 {
		return parcel.County{}, ingest.NewConfigurationError("exactly one --county is required", nil)
	}
	return cs[0], nil
}

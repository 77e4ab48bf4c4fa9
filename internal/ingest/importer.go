package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/tracker"
	"github.com/sells-group/parcel-cli/internal/verify"
)

// SourceResolver turns a --file location into a local path.
type SourceResolver interface {
	Resolve(ctx context.Context, location string, exts ...string) (string, error)
}

// CountyVerifier checks a loaded county.
type CountyVerifier interface {
	Verify(ctx context.Context, county, sourceCount int) (*verify.Report, error)
}

// CountyScorer scores a loaded county.
type CountyScorer interface {
	ScoreCounty(ctx context.Context, county int) (*risk.RunStats, error)
}

// ImportRequest is one county and its source.
type ImportRequest struct {
	County    parcel.County
	Source    string
	Format    string // empty = detect
	Dialect   string // empty = default dialect
	SRID      int    // 0 = source or dialect default
	BatchSize int
	DryRun    bool
	Resume    bool
	Verify    bool
	Score     bool
}

// Importer runs county imports end to end. Verifier and Scorer may be nil
// when the corresponding steps are never requested.
type Importer struct {
	Resolver SourceResolver
	Counties *parcel.Counties
	Loader   *Loader
	Tracker  tracker.Tracker
	Verifier CountyVerifier
	Scorer   CountyScorer
	// StaleAfter fails pending and in-progress attempts older than this
	// before a county loads. 0 disables reaping.
	StaleAfter time.Duration

	now func() time.Time
}

// prepared is a county whose configuration, source and resume state have
// been checked. Nothing has been written for it yet.
type prepared struct {
	req     ImportRequest
	path    string
	src     parcel.Source
	norm    *parcel.Normalizer
	plan    *parcel.Plan
	layout  Layout
	seqs    []int // batches to load
	resumed int
	start   time.Time
	log     *zap.Logger
}

func (im *Importer) clock() time.Time {
	if im.now == nil {
		return time.Now()
	}
	return im.now()
}

// Run imports counties sequentially under one run id. Every county is
// prepared before the first load, so a ConfigurationError in any request
// aborts the run with nothing written. Batch failures do not abort.
func (im *Importer) Run(ctx context.Context, runID string, reqs []ImportRequest) (*RunSummary, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &RunSummary{RunID: runID}

	preps := make([]*prepared, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			return run, eris.Wrap(ctx.Err(), "ingest: run cancelled")
		}
		p, err := im.prepare(ctx, runID, req)
		if err != nil {
			return run, err
		}
		preps = append(preps, p)
	}

	for _, p := range preps {
		if ctx.Err() != nil {
			return run, eris.Wrap(ctx.Err(), "ingest: run cancelled")
		}
		cs, err := im.execute(ctx, runID, p)
		if cs != nil {
			run.Counties = append(run.Counties, cs)
		}
		if err != nil {
			return run, err
		}
	}
	return run, nil
}

// ImportCounty resolves, reads, normalizes, partitions and loads one county,
// then optionally verifies and scores it. In dry-run mode nothing is written.
func (im *Importer) ImportCounty(ctx context.Context, runID string, req ImportRequest) (*CountySummary, error) {
	p, err := im.prepare(ctx, runID, req)
	if err != nil {
		return nil, err
	}
	return im.execute(ctx, runID, p)
}

// prepare validates the request, opens the source and scans it for its key
// layout. With Resume it also checks the layout against the tracker.
func (im *Importer) prepare(ctx context.Context, runID string, req ImportRequest) (*prepared, error) {
	county := req.County.Code
	p := &prepared{
		req:   req,
		start: im.clock(),
		log: zap.L().With(
			zap.String("component", "ingest.importer"),
			zap.Int("county", county),
			zap.String("run_id", runID),
		),
	}

	if _, err := im.Counties.Lookup(county); err != nil {
		return nil, NewConfigurationError("invalid county", err)
	}
	dialect, err := parcel.LookupDialect(req.Dialect)
	if err != nil {
		return nil, NewConfigurationError("unknown dialect", err)
	}

	p.path, err = im.Resolver.Resolve(ctx, req.Source, parcel.Extensions()...)
	if err != nil {
		return nil, NewConfigurationError("unreadable source "+req.Source, err)
	}
	p.src, err = parcel.Open(p.path, req.Format)
	if err != nil {
		return nil, NewConfigurationError("unsupported source "+req.Source, err)
	}
	srid := req.SRID
	if srid == 0 {
		srid = p.src.SRID()
	}
	p.norm = parcel.NewNormalizer(dialect, im.Counties, county, srid)

	p.log.Info("scanning source", zap.String("path", p.path), zap.String("format", p.src.Format()), zap.Int("srid", srid))
	p.plan, err = parcel.Scan(ctx, p.src, p.norm)
	if err != nil {
		return nil, NewConfigurationError("unreadable source "+req.Source, err)
	}
	p.layout = NewLayout(p.plan.Records, req.BatchSize)
	p.seqs = p.layout.Seqs()

	if req.Resume && !req.DryRun {
		if p.seqs, err = im.resumeFilter(ctx, county, p.layout); err != nil {
			return nil, err
		}
		p.resumed = p.layout.Batches() - len(p.seqs)
	}
	return p, nil
}

// execute streams a prepared county through the loader, then verifies and
// scores it when requested.
func (im *Importer) execute(ctx context.Context, runID string, p *prepared) (*CountySummary, error) {
	req, plan, log := p.req, p.plan, p.log
	county := req.County.Code

	summary := &CountySummary{
		County:      county,
		Label:       req.County.Label(),
		RunID:       runID,
		Source:      req.Source,
		DryRun:      req.DryRun,
		SourceCount: plan.SourceCount,
		Records:     plan.Records,
		Rejected:    plan.RejectedCount,
		Duplicates:  plan.Duplicates,
		Batches:     p.layout.Batches(),
		Resumed:     p.resumed,
	}
	for _, rej := range plan.Rejections {
		log.Warn("record rejected", zap.Int("source_index", rej.Index), zap.Error(rej.Err))
	}

	var tally *parcel.Tally
	stream := func(ctx context.Context, fn func(int, parcel.Parcel) error) error {
		var err error
		tally, err = parcel.Stream(ctx, p.src, p.norm, plan, fn)
		return err
	}

	if req.DryRun {
		if err := stream(ctx, func(int, parcel.Parcel) error { return nil }); err != nil {
			return nil, eris.Wrapf(err, "ingest: read source %s", req.Source)
		}
		summary.addTally(tally)
		summary.Elapsed = im.clock().Sub(p.start)
		log.Info("dry run complete", zap.Int("records", summary.Records), zap.Int("batches", summary.Batches))
		return summary, nil
	}

	if cutoff := tracker.ReapCutoff(im.clock(), im.StaleAfter); !cutoff.IsZero() {
		reaped, err := im.Tracker.Reap(ctx, county, cutoff)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: reap stale batches")
		}
		if reaped > 0 {
			log.Warn("failed abandoned batches from an earlier run", zap.Int("batches", reaped))
		}
	}
	if req.Resume {
		log.Info("resuming", zap.Int("already_succeeded", p.resumed), zap.Int("pending", len(p.seqs)))
	}

	loaded, err := im.Loader.Load(ctx, LoadRequest{
		County: county,
		RunID:  runID,
		Layout: p.layout,
		Seqs:   p.seqs,
		Feed:   Assemble(p.layout, p.seqs, stream),
	})
	if loaded != nil {
		summary.Succeeded = loaded.Succeeded
		summary.Failed = loaded.Failed
		summary.Skipped = loaded.Skipped
		summary.Inserted = loaded.Inserted
		summary.Updated = loaded.Updated
		summary.FailedBatches = loaded.FailedBatches
		summary.Results = loaded.Results
	}
	if err != nil {
		summary.Elapsed = im.clock().Sub(p.start)
		return summary, err
	}
	summary.addTally(tally)

	if req.Verify && ctx.Err() == nil {
		if im.Verifier == nil {
			return summary, eris.New("ingest: verification requested but no verifier configured")
		}
		if summary.Verify, err = im.Verifier.Verify(ctx, county, plan.SourceCount); err != nil {
			log.Error("verification failed", zap.Error(err))
		}
	}
	if req.Score && ctx.Err() == nil {
		if im.Scorer == nil {
			return summary, eris.New("ingest: scoring requested but no scorer configured")
		}
		if summary.Risk, err = im.Scorer.ScoreCounty(ctx, county); err != nil {
			log.Error("risk scoring failed", zap.Error(err))
		}
	}

	summary.Elapsed = im.clock().Sub(p.start)
	log.Info("county import complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("resumed", summary.Resumed),
		zap.Int("intersect_unchecked", summary.IntersectUnchecked),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// resumeFilter returns the batches of layout whose latest attempt did not
// succeed. Only attempts of the most recent layout count. A recorded batch
// whose size differs from the new layout means the source or batch size
// changed since the earlier run.
func (im *Importer) resumeFilter(ctx context.Context, county int, layout Layout) ([]int, error) {
	latest, err := im.Tracker.LatestAttempts(ctx, county)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read tracker for resume")
	}
	current, _ := tracker.Current(latest)
	bySeq := make(map[int]tracker.Attempt, len(current))
	for _, a := range current {
		bySeq[a.Seq] = a
	}

	var pending []int
	for _, seq := range layout.Seqs() {
		a, ok := bySeq[seq]
		if ok && a.RecordCount != layout.Count(seq) {
			return nil, NewConfigurationError(
				"resume layout mismatch",
				eris.Errorf("batch %d was recorded with %d records, source now yields %d", seq, a.RecordCount, layout.Count(seq)))
		}
		if ok && a.Status == tracker.StatusSucceeded {
			continue
		}
		pending = append(pending, seq)
	}
	for seq, a := range bySeq {
		if seq > layout.Batches() || (a.BatchTotal != 0 && a.BatchTotal != layout.Batches()) {
			return nil, NewConfigurationError(
				"resume layout mismatch",
				eris.Errorf("tracker records batch %d of %d but source yields %d batches", seq, a.BatchTotal, layout.Batches()))
		}
	}
	return pending, nil
}

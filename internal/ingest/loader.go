package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// MaxJobs bounds the worker count.
const MaxJobs = 32

// LoaderOptions tunes a Loader.
type LoaderOptions struct {
	Jobs             int
	QueueDepth       int
	AttemptTimeout   time.Duration
	FinishTimeout    time.Duration // bounds the tracker completion after an attempt
	MaxAttempts      int
	Backoff          resilience.Backoff
	UpsertsPerSecond float64 // 0 = unlimited
	BreakerThreshold int
	BreakerReset     time.Duration
	Table            string
}

// DefaultLoaderOptions returns the standard load policy: four workers, three
// attempts per batch with a 2s linear backoff.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		Jobs:             4,
		QueueDepth:       8,
		AttemptTimeout:   5 * time.Minute,
		FinishTimeout:    30 * time.Second,
		MaxAttempts:      3,
		Backoff:          resilience.Linear(2 * time.Second),
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		Table:            sink.ParcelsTable,
	}
}

// Loader writes batches to a sink. One Loader may serve many sequential
// Load calls; its breaker and limiter persist across them.
type Loader struct {
	sink    sink.Sink
	tracker tracker.Tracker
	opts    LoaderOptions
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewLoader validates opts and builds a Loader.
func NewLoader(s sink.Sink, tr tracker.Tracker, opts LoaderOptions) (*Loader, error) {
	def := DefaultLoaderOptions()
	if opts.Jobs == 0 {
		opts.Jobs = def.Jobs
	}
	if opts.Jobs < 1 || opts.Jobs > MaxJobs {
		return nil, NewConfigurationError("jobs must be between 1 and 32", nil)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = opts.Jobs * 2
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = def.FinishTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = def.Backoff
	}
	if opts.Table == "" {
		opts.Table = def.Table
	}

	limit := rate.Inf
	burst := 1
	if opts.UpsertsPerSecond > 0 {
		limit = rate.Limit(opts.UpsertsPerSecond)
		burst = max(1, int(opts.UpsertsPerSecond))
	}

	log := zap.L().With(zap.String("component", "ingest.loader"))
	return &Loader{
		sink:    s,
		tracker: tr,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: opts.BreakerThreshold,
			ResetTimeout:     opts.BreakerReset,
			OnStateChange: func(from, to resilience.CircuitState) {
				log.Warn("sink circuit breaker state change",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		log: log,
	}, nil
}

// LoadRequest is one county's batches. Seqs lists the batches of Layout to
// load; Feed must yield exactly those.
type LoadRequest struct {
	County int
	RunID  string
	Layout Layout
	Seqs   []int
	Feed   BatchFeed
}

// Load runs every batch through the worker pool and returns the aggregated
// summary. Batch failures are reported in the summary, not as an error; a
// feed that breaks off is returned as an error alongside the summary.
// Cancelling ctx stops dequeuing; in-flight attempts finish under their own
// timeout and batches never attempted are reported as skipped.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*CountySummary, error) {
	if req.RunID == "" {
		return nil, eris.New("ingest: run id is required")
	}
	log := l.log.With(zap.Int("county", req.County), zap.String("run_id", req.RunID))

	queue := make(chan Batch, l.opts.QueueDepth)
	results := make(chan BatchResult, l.opts.Jobs)

	summary := &CountySummary{County: req.County, RunID: req.RunID, Batches: len(req.Seqs)}
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		seen := make(map[int]bool, len(req.Seqs))
		for r := range results {
			seen[r.Seq] = true
			summary.add(r)
		}
		for _, seq := range req.Seqs {
			if !seen[seq] {
				summary.add(BatchResult{Seq: seq, Records: req.Layout.Count(seq), Status: BatchSkipped})
			}
		}
		summary.finish()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		if req.Feed == nil || ctx.Err() != nil {
			return nil
		}
		err := req.Feed(ctx, func(b Batch) error {
			select {
			case queue <- b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			return eris.Wrap(err, "ingest: batch feed")
		}
		return nil
	})
	for w := 0; w < l.opts.Jobs; w++ {
		g.Go(func() error {
			for b := range queue {
				if ctx.Err() != nil {
					results <- BatchResult{Seq: b.Seq, Records: len(b.Records), Status: BatchSkipped}
					continue
				}
				results <- l.runBatch(ctx, req, b)
			}
			return nil
		})
	}
	feedErr := g.Wait()
	close(results)
	<-aggregated

	log.Info("county load finished",
		zap.Int("batches", summary.Batches),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated))
	if feedErr != nil {
		log.Error("batch feed stopped early", zap.Error(feedErr))
		return summary, feedErr
	}
	return summary, nil
}

// runBatch owns one batch end to end, retrying transient failures.
func (l *Loader) runBatch(ctx context.Context, req LoadRequest, b Batch) BatchResult {
	res := BatchResult{Seq: b.Seq, Records: len(b.Records)}
	log := l.log.With(zap.Int("county", req.County), zap.Int("seq", b.Seq))

	cfg := resilience.RetryConfig{
		MaxAttempts: l.opts.MaxAttempts,
		Backoff:     l.opts.Backoff,
		OnRetry:     resilience.RetryLogger("ingest.loader", zap.Int("county", req.County), zap.Int("seq", b.Seq)),
	}
	out, err := resilience.DoVal(ctx, cfg, func(ctx context.Context, attempt int) (*sink.Result, error) {
		res.Attempts = attempt
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ingest: rate limiter")
		}
		return l.attempt(ctx, req, b)
	})
	if err != nil {
		res.Status = BatchFailed
		res.Err = err
		log.Error("batch failed",
			zap.Int("attempts", res.Attempts),
			zap.String("kind", resilience.Classify(err).String()),
			zap.Error(err))
		return res
	}

	res.Status = BatchSucceeded
	res.Inserted = out.Inserted
	res.Updated = out.Updated
	for _, e := range out.Errors {
		log.Warn("record written without geometry", zap.Error(e))
	}
	log.Debug("batch loaded",
		zap.Int("attempts", res.Attempts),
		zap.Int("inserted", out.Inserted),
		zap.Int("updated", out.Updated))
	return res
}

// attempt runs one tracked attempt. Everything after the limiter runs under a
// context detached from cancellation and bounded by the attempt timeout, so
// an upsert and its tracker record are never abandoned halfway. The
// completion gets its own deadline: an attempt that timed out must still be
// recorded as failed.
func (l *Loader) attempt(parent context.Context, req LoadRequest, b Batch) (*sink.Result, error) {
	detached := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(detached, l.opts.AttemptTimeout)
	defer cancel()

	key := tracker.BatchKey{RunID: req.RunID, County: req.County, Seq: b.Seq, Of: req.Layout.Batches()}
	h, err := l.tracker.BeginBatch(ctx, key, len(b.Records))
	if err != nil {
		return nil, err
	}
	// A pending row left by a failed start is superseded by the next
	// attempt, or reaped once stale.
	if err := l.tracker.StartBatch(ctx, h); err != nil {
		return nil, trackerErr(err)
	}

	out, err := resilience.ExecuteVal(ctx, l.breaker, func(ctx context.Context) (*sink.Result, error) {
		return l.sink.Upsert(ctx, sink.Request{
			Table:    l.opts.Table,
			Records:  b.Records,
			BatchRef: BatchRef(req.RunID, req.County, b.Seq),
		})
	})
	if err != nil {
		l.finish(detached, h, b, err)
		return nil, err
	}

	fctx, fcancel := context.WithTimeout(detached, l.opts.FinishTimeout)
	defer fcancel()
	if err := l.tracker.CompleteBatch(fctx, h, len(b.Records), 0, nil); err != nil {
		return nil, trackerErr(err)
	}
	return out, nil
}

// finish records a failed attempt. Failures here are logged only; the
// attempt error is what the caller acts on.
func (l *Loader) finish(detached context.Context, h tracker.BatchHandle, b Batch, cause error) {
	ctx, cancel := context.WithTimeout(detached, l.opts.FinishTimeout)
	defer cancel()
	if err := l.tracker.CompleteBatch(ctx, h, 0, len(b.Records), cause); err != nil {
		l.log.Error("record failed attempt", zap.Int("seq", b.Seq), zap.Error(err))
	}
}

// trackerErr makes status-machine violations fatal; storage errors keep
// their classification.
func trackerErr(err error) error {
	if errors.Is(err, tracker.ErrInvalidTransition) {
		return resilience.NewFatalError(err, "")
	}
	return err
}

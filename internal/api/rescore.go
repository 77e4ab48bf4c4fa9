package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// CountyScorer scores one county.
type CountyScorer interface {
	ScoreCounty(ctx context.Context, county int) (*risk.RunStats, error)
}

// RescoreResult is the outcome of one rescoring pass.
type RescoreResult struct {
	Scored  []int
	Skipped []int
	Failed  []int
}

// Rescorer periodically rescores every county that has loaded parcels and no
// active import batches.
type Rescorer struct {
	// StaleAfter fails import attempts untouched for this long before a
	// county's busy check. 0 disables reaping.
	StaleAfter time.Duration

	parcels sink.Reader
	tracker tracker.Tracker
	scorer  CountyScorer
	cron    *cron.Cron
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

// NewRescorer creates a Rescorer.
func NewRescorer(parcels sink.Reader, tr tracker.Tracker, scorer CountyScorer) *Rescorer {
	return &Rescorer{
		parcels: parcels,
		tracker: tr,
		scorer:  scorer,
		cron:    cron.New(),
		log:     zap.L().With(zap.String("component", "api.rescore")),
		ctx:     context.Background(),
	}
}

// Start schedules rescoring on spec (standard five-field cron syntax). Jobs
// run under ctx; a pass still running when the next tick fires is skipped.
func (r *Rescorer) Start(ctx context.Context, spec string) error {
	r.ctx = ctx
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return eris.Wrapf(err, "api: invalid rescore schedule %q", spec)
	}
	r.cron.Start()
	r.log.Info("rescoring scheduled", zap.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Rescorer) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Rescorer) tick() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.log.Warn("previous rescoring pass still running; skipping tick")
		return
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if _, err := r.RunOnce(r.ctx); err != nil {
		r.log.Error("rescoring pass failed", zap.Error(err))
	}
}

// RunOnce rescores every eligible county sequentially. Per-county failures
// are logged and collected; only listing the counties can fail the pass.
func (r *Rescorer) RunOnce(ctx context.Context) (*RescoreResult, error) {
	counties, err := r.parcels.LoadedCounties(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "api: list loaded counties")
	}

	res := &RescoreResult{}
	for _, county := range counties {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log := r.log.With(zap.Int("county", county))

		if cutoff := tracker.ReapCutoff(time.Now(), r.StaleAfter); !cutoff.IsZero() {
			if n, err := r.tracker.Reap(ctx, county, cutoff); err != nil {
				log.Error("reap stale import batches", zap.Error(err))
			} else if n > 0 {
				log.Warn("failed abandoned import batches", zap.Int("batches", n))
			}
		}

		status, err := r.tracker.QueryStatus(ctx, county)
		if err != nil {
			log.Error("query import status", zap.Error(err))
			res.Failed = append(res.Failed, county)
			continue
		}
		if status.Active() {
			log.Info("import in progress; skipping county")
			res.Skipped = append(res.Skipped, county)
			continue
		}

		stats, err := r.scorer.ScoreCounty(ctx, county)
		switch {
		case errors.Is(err, risk.ErrCountyBusy):
			res.Skipped = append(res.Skipped, county)
		case err != nil:
			log.Error("rescoring failed", zap.Error(err))
			res.Failed = append(res.Failed, county)
		default:
			log.Info("county rescored", zap.Int("scored", stats.Scored), zap.String("hazard_snapshot", stats.HazardSnapshot))
			res.Scored = append(res.Scored, county)
		}
	}
	return res, nil
}

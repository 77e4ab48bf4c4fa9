package risk

import (
	"context"
	"runtime"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// ErrCountyBusy is returned when a county still has batches in flight.
var ErrCountyBusy = eris.New("risk: county has pending or in-progress import batches")

// DefaultChunkSize is the number of parcels scored and written together.
const DefaultChunkSize = 1000

// RunStats summarizes one scoring run.
type RunStats struct {
	County          int              `json:"county_code"`
	Scored          int              `json:"scored"`
	GeometryMissing int              `json:"geometry_missing"`
	ByCategory      map[Category]int `json:"by_category"`
	HazardSnapshot  string           `json:"hazard_snapshot"`
	WeightsVersion  string           `json:"weights_version"`
	Duration        time.Duration    `json:"duration"`
}

// RunnerOptions tunes a Runner.
type RunnerOptions struct {
	Workers   int
	ChunkSize int
	// StaleAfter fails import attempts untouched for this long before the
	// busy check, so a crashed import cannot block scoring. 0 disables it.
	StaleAfter time.Duration
}

// Runner scores whole counties.
type Runner struct {
	engine  *Engine
	parcels sink.Reader
	tracker tracker.Tracker
	hazards hazard.Store
	store   Store
	opts    RunnerOptions
	now     func() time.Time
}

// NewRunner wires a Runner.
func NewRunner(engine *Engine, parcels sink.Reader, tr tracker.Tracker, hazards hazard.Store, store Store, opts RunnerOptions) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Runner{
		engine:  engine,
		parcels: parcels,
		tracker: tr,
		hazards: hazards,
		store:   store,
		opts:    opts,
		now:     time.Now,
	}
}

// ScoreCounty scores every stored parcel of county against the current
// hazard snapshot. It refuses to run while the county has batches pending or
// in progress.
func (r *Runner) ScoreCounty(ctx context.Context, county int) (*RunStats, error) {
	start := r.now()
	log := zap.L().With(zap.String("component", "risk.runner"), zap.Int("county", county))

	if cutoff := tracker.ReapCutoff(start, r.opts.StaleAfter); !cutoff.IsZero() {
		reaped, err := r.tracker.Reap(ctx, county, cutoff)
		if err != nil {
			return nil, eris.Wrap(err, "risk: reap stale import batches")
		}
		if reaped > 0 {
			log.Warn("failed abandoned import batches", zap.Int("batches", reaped))
		}
	}
	status, err := r.tracker.QueryStatus(ctx, county)
	if err != nil {
		return nil, eris.Wrap(err, "risk: query import status")
	}
	if status.Active() {
		return nil, eris.Wrapf(ErrCountyBusy, "county %d: %d in progress, %d pending",
			county, status.InProgress, status.Pending)
	}

	snap, err := r.hazards.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "risk: load hazard snapshot")
	}
	if snap.Len() == 0 {
		log.Warn("hazard snapshot is empty; every parcel scores zero")
	}

	stats := &RunStats{
		County:         county,
		ByCategory:     make(map[Category]int),
		HazardSnapshot: snap.Hash(),
		WeightsVersion: r.engine.Tables().WeightsVersion,
	}
	computedAt := r.now().UTC()

	chunk := make([]sink.ParcelGeometry, 0, r.opts.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		out, err := r.scoreChunk(ctx, chunk, snap, computedAt)
		if err != nil {
			return err
		}
		if err := r.store.WriteAssessments(ctx, out); err != nil {
			return err
		}
		for _, a := range out {
			stats.Scored++
			stats.ByCategory[a.Category]++
			if a.GeometryMissing {
				stats.GeometryMissing++
			}
		}
		log.Debug("chunk scored", zap.Int("parcels", len(out)), zap.Int("total", stats.Scored))
		chunk = chunk[:0]
		return nil
	}

	err = r.parcels.ScanGeometries(ctx, county, func(p sink.ParcelGeometry) error {
		chunk = append(chunk, p)
		if len(chunk) >= r.opts.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "risk: scan parcels")
	}
	if err := flush(); err != nil {
		return nil, eris.Wrap(err, "risk: final chunk")
	}

	stats.Duration = r.now().Sub(start)
	log.Info("county scored",
		zap.Int("scored", stats.Scored),
		zap.Int("geometry_missing", stats.GeometryMissing),
		zap.String("hazard_snapshot", stats.HazardSnapshot),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (r *Runner) scoreChunk(ctx context.Context, chunk []sink.ParcelGeometry, snap *hazard.Snapshot, at time.Time) ([]Assessment, error) {
	out := make([]Assessment, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i := range chunk {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a := r.engine.Score(chunk[i], snap)
			a.ComputedAt = at
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "risk: score chunk")
	}
	return out, nil
}

package parcel

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// maxRejectionSamples bounds how many rejected records are kept for reporting.
const maxRejectionSamples = 100

// ErrSourceChanged is returned by Stream when the source no longer matches
// the plan built by Scan.
var ErrSourceChanged = eris.New("parcel: source changed between passes")

// Rejection is a source record that failed validation.
type Rejection struct {
	Index int
	Err   error
}

// Plan is the key-only view of a source: how many distinct records it
// yields and where each lands. Records keep source order; when a key repeats,
// the last occurrence wins but keeps the first occurrence's position, so the
// layout is stable across reruns.
type Plan struct {
	SourceCount   int // features read from the source
	Records       int // distinct keys
	RejectedCount int
	Rejections    []Rejection // first maxRejectionSamples rejections
	Duplicates    int         // later occurrences of an already-seen key

	// winners maps the source index of a repeated key's last occurrence to
	// the position of its first occurrence.
	winners map[int]int
	// losers holds the source index of every occurrence that a later one
	// replaces; the value is true for first occurrences.
	losers map[int]bool
}

// Tally counts geometry outcomes over the records a Stream emitted.
type Tally struct {
	GeometryMissing    int
	SelfIntersections  int
	IntersectUnchecked int
}

func (t *Tally) add(p *Parcel) {
	if p.HasFlag(FlagGeometryMissing) {
		t.GeometryMissing++
	}
	if p.HasFlag(FlagSelfIntersection) {
		t.SelfIntersections++
	}
	if p.HasFlag(FlagIntersectUnchecked) {
		t.IntersectUnchecked++
	}
}

// Scan reads src once without building geometry and returns its Plan. Only
// keys of repeated parcels are retained.
func Scan(ctx context.Context, src Source, n *Normalizer) (*Plan, error) {
	log := zap.L().With(zap.String("component", "parcel.read"), zap.String("format", src.Format()))

	plan := &Plan{winners: make(map[int]int), losers: make(map[int]bool)}
	type occurrence struct{ pos, first, last int }
	seen := make(map[Key]*occurrence)

	err := src.Read(ctx, func(f Feature) error {
		plan.SourceCount++

		p, err := n.normalize(f, false)
		if err != nil {
			var ve *resilience.ValidationError
			if !errors.As(err, &ve) {
				return err
			}
			plan.RejectedCount++
			if len(plan.Rejections) < maxRejectionSamples {
				plan.Rejections = append(plan.Rejections, Rejection{Index: f.Index, Err: err})
			}
			log.Debug("record rejected", zap.Int("source_index", f.Index), zap.Error(err))
			return nil
		}

		if o, ok := seen[p.Key()]; ok {
			plan.losers[o.last] = o.last == o.first
			o.last = f.Index
			plan.Duplicates++
			return nil
		}
		seen[p.Key()] = &occurrence{pos: plan.Records, first: f.Index, last: f.Index}
		plan.Records++
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, o := range seen {
		if o.last != o.first {
			plan.winners[o.last] = o.pos
		}
	}

	log.Info("source scanned",
		zap.Int("features", plan.SourceCount),
		zap.Int("records", plan.Records),
		zap.Int("rejected", plan.RejectedCount),
		zap.Int("duplicates", plan.Duplicates),
	)
	return plan, nil
}

// Stream reads src a second time and calls fn with every surviving record
// and its position in [0, plan.Records). Positions arrive in source order
// except for repeated keys, whose winner arrives late at its first
// occurrence's position.
func Stream(ctx context.Context, src Source, n *Normalizer, plan *Plan, fn func(pos int, p Parcel) error) (*Tally, error) {
	tally := &Tally{}
	next, emitted := 0, 0
	err := src.Read(ctx, func(f Feature) error {
		if first, ok := plan.losers[f.Index]; ok {
			if first {
				next++
			}
			return nil
		}

		p, err := n.Normalize(f)
		if err != nil {
			var ve *resilience.ValidationError
			if errors.As(err, &ve) {
				return nil
			}
			return err
		}

		pos, ok := plan.winners[f.Index]
		if !ok {
			pos = next
			next++
		}
		if pos >= plan.Records {
			return eris.Wrapf(ErrSourceChanged, "record %d lands past %d planned records", f.Index, plan.Records)
		}
		tally.add(&p)
		emitted++
		return fn(pos, p)
	})
	if err != nil {
		return nil, err
	}
	if emitted != plan.Records {
		return nil, eris.Wrapf(ErrSourceChanged, "emitted %d of %d planned records", emitted, plan.Records)
	}
	return tally, nil
}

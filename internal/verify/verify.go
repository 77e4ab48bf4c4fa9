// Package verify compares a loaded county against its source and sanity
// bounds. It reads from the sink only and never corrects data.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/sink"
)

// Bounds are the sanity limits a loaded county is checked against. Zero
// values disable a check.
type Bounds struct {
	MinAvgMarketValue float64 `mapstructure:"min_avg_market_value"`
	MaxAvgMarketValue float64 `mapstructure:"max_avg_market_value"`
	MinGeometryRatio  float64 `mapstructure:"min_geometry_ratio"`
}

// Report is the outcome of one verification.
type Report struct {
	County            int       `json:"county_code"`
	SourceCount       int       `json:"source_count"`
	LoadedCount       int64     `json:"loaded_count"`
	Discrepancy       int64     `json:"discrepancy"`
	WithGeometry      int64     `json:"with_geometry"`
	GeometryFailures  int64     `json:"geometry_failures"`
	SelfIntersections int64     `json:"self_intersections"`
	ValuedParcels     int64     `json:"valued_parcels"`
	GeometryRatio     float64   `json:"geometry_ratio"`
	AvgMarketValue    float64   `json:"avg_market_value"`
	MinMarketValue    float64   `json:"min_market_value"`
	MaxMarketValue    float64   `json:"max_market_value"`
	Violations        []string  `json:"violations"`
	CheckedAt         time.Time `json:"checked_at"`
}

// OK reports whether counts match and no bound was violated.
func (r *Report) OK() bool { return r.Discrepancy == 0 && len(r.Violations) == 0 }

// Verifier runs county checks.
type Verifier struct {
	reader sink.Reader
	bounds Bounds
	now    func() time.Time
}

// New creates a Verifier.
func New(reader sink.Reader, bounds Bounds) *Verifier {
	return &Verifier{reader: reader, bounds: bounds, now: time.Now}
}

// Verify checks county. sourceCount is the number of source features; a
// negative value skips the count comparison.
func (v *Verifier) Verify(ctx context.Context, county, sourceCount int) (*Report, error) {
	st, err := v.reader.CountyStats(ctx, county)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: county %d stats", county)
	}

	r := &Report{
		County:            county,
		SourceCount:       sourceCount,
		LoadedCount:       st.Parcels,
		WithGeometry:      st.WithGeometry,
		GeometryFailures:  st.GeometryMissing,
		SelfIntersections: st.SelfIntersections,
		ValuedParcels:     st.ValuedParcels,
		AvgMarketValue:    st.AvgMarketValue,
		MinMarketValue:    st.MinMarketValue,
		MaxMarketValue:    st.MaxMarketValue,
		Violations:        []string{},
		CheckedAt:         v.now().UTC(),
	}
	if st.Parcels > 0 {
		r.GeometryRatio = float64(st.WithGeometry) / float64(st.Parcels)
	}
	if sourceCount >= 0 {
		r.Discrepancy = int64(sourceCount) - st.Parcels
	}

	b := v.bounds
	if st.ValuedParcels > 0 {
		if b.MinAvgMarketValue > 0 && r.AvgMarketValue < b.MinAvgMarketValue {
			r.Violations = append(r.Violations, fmt.Sprintf(
				"average market value %.2f below %.2f", r.AvgMarketValue, b.MinAvgMarketValue))
		}
		if b.MaxAvgMarketValue > 0 && r.AvgMarketValue > b.MaxAvgMarketValue {
			r.Violations = append(r.Violations, fmt.Sprintf(
				"average market value %.2f above %.2f", r.AvgMarketValue, b.MaxAvgMarketValue))
		}
	}
	if b.MinGeometryRatio > 0 && st.Parcels > 0 && r.GeometryRatio < b.MinGeometryRatio {
		r.Violations = append(r.Violations, fmt.Sprintf(
			"geometry coverage %.3f below %.3f", r.GeometryRatio, b.MinGeometryRatio))
	}

	log := zap.L().With(zap.String("component", "verify"), zap.Int("county", county))
	if r.Discrepancy != 0 {
		log.Warn("loaded count differs from source",
			zap.Int("source", sourceCount), zap.Int64("loaded", st.Parcels))
	}
	for _, msg := range r.Violations {
		log.Warn("sanity bound violated", zap.String("violation", msg))
	}
	log.Info("county verified",
		zap.Int64("loaded", st.Parcels),
		zap.Float64("geometry_ratio", r.GeometryRatio),
		zap.Int("violations", len(r.Violations)))
	return r, nil
}

// Package risk scores parcels against hazard-zone snapshots and persists the
// resulting assessments.
package risk

import (
	"math"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/sink"
)

const (
	metersPerDegree = 111194.9
	maxScore        = 100
)

// Assessment is the score of one parcel.
type Assessment struct {
	CountyCode      int       `json:"county_code"`
	ParcelID        string    `json:"parcel_id"`
	Flood           int       `json:"flood_score"`
	Surge           int       `json:"surge_score"`
	Wind            int       `json:"wind_score"`
	Wildfire        int       `json:"wildfire_score"`
	Overall         int       `json:"overall_score"`
	Category        Category  `json:"risk_category"`
	GeometryMissing bool      `json:"geometry_missing"`
	WeightsVersion  string    `json:"weights_version"`
	HazardSnapshot  string    `json:"hazard_snapshot"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Score returns the category score for t.
func (a *Assessment) Score(t hazard.Type) int {
	switch t {
	case hazard.TypeFlood:
		return a.Flood
	case hazard.TypeSurge:
		return a.Surge
	case hazard.TypeWind:
		return a.Wind
	case hazard.TypeWildfire:
		return a.Wildfire
	}
	return 0
}

// Engine computes assessments. It holds only immutable tables and is safe for
// concurrent use.
type Engine struct {
	tables *Tables
}

// NewEngine creates an Engine over validated tables.
func NewEngine(t *Tables) *Engine {
	return &Engine{tables: t}
}

// Tables returns the engine's reference tables.
func (e *Engine) Tables() *Tables { return e.tables }

// Score computes the assessment of one parcel. It is a pure function of the
// parcel geometry, the snapshot and the tables; ComputedAt is left for the
// caller.
func (e *Engine) Score(p sink.ParcelGeometry, snap *hazard.Snapshot) Assessment {
	a := Assessment{
		CountyCode:     p.CountyCode,
		ParcelID:       p.ParcelID,
		WeightsVersion: e.tables.WeightsVersion,
		HazardSnapshot: snap.Hash(),
	}

	var centroid geometry.Point
	ok := p.Geometry != nil
	if ok {
		c, err := p.Geometry.Centroid()
		ok = err == nil && finite(c[0]) && finite(c[1])
		centroid = c
	}
	if !ok {
		a.GeometryMissing = true
		a.Category = e.tables.Category(0)
		return a
	}

	a.Flood = e.containmentScore(hazard.TypeFlood, centroid, snap)
	a.Surge = e.containmentScore(hazard.TypeSurge, centroid, snap)
	a.Wind = e.containmentScore(hazard.TypeWind, centroid, snap)
	a.Wildfire = e.wildfireScore(centroid, snap)

	var overall float64
	for _, t := range hazard.Types() {
		overall += e.tables.Weights[t] * float64(a.Score(t))
	}
	a.Overall = clampRound(overall)
	a.Category = e.tables.Category(a.Overall)
	return a
}

// containmentScore is the highest severity score over zones of t that
// contain c.
func (e *Engine) containmentScore(t hazard.Type, c geometry.Point, snap *hazard.Snapshot) int {
	at := geom.NewBounds(geom.XY).Set(c[0], c[1], c[0], c[1])
	var best float64
	for _, z := range snap.Candidates(t, at) {
		if z.Geometry.ContainsPoint(c) {
			best = math.Max(best, e.tables.SeverityScores[t][z.Severity])
		}
	}
	return clampRound(best)
}

// wildfireScore decays each zone's severity score with distance d from the
// zone boundary as score·H/(H+d), zero beyond the max distance, and takes the
// maximum over zones.
func (e *Engine) wildfireScore(c geometry.Point, snap *hazard.Snapshot) int {
	h := e.tables.Wildfire.HalfDistanceM
	maxD := e.tables.Wildfire.MaxDistanceM
	var best float64
	for _, z := range snap.Candidates(hazard.TypeWildfire, searchBounds(c, maxD)) {
		if boundsDistanceMeters(z.Bounds(), c) > maxD {
			continue
		}
		d := z.Geometry.DistanceMeters(c)
		if d > maxD {
			continue
		}
		s := e.tables.SeverityScores[hazard.TypeWildfire][z.Severity] * h / (h + d)
		best = math.Max(best, s)
	}
	return clampRound(best)
}

// searchBounds is a box around c holding every point within meters of it.
// Longitude degrees widen with latitude; near the poles the box spans the
// full longitude range.
func searchBounds(c geometry.Point, meters float64) *geom.Bounds {
	dy := meters / metersPerDegree
	dx := 180.0
	if k := math.Cos(c[1] * math.Pi / 180); k > 1e-6 {
		dx = math.Min(180, dy/k)
	}
	// margin absorbs rounding for zones exactly meters away
	const margin = 1e-9
	return geom.NewBounds(geom.XY).Set(c[0]-dx-margin, c[1]-dy-margin, c[0]+dx+margin, c[1]+dy+margin)
}

// boundsDistanceMeters is a lower bound on the distance from c to anything
// inside b, in the same local projection DistanceMeters uses.
func boundsDistanceMeters(b *geom.Bounds, c geometry.Point) float64 {
	dx := math.Max(0, math.Max(b.Min(0)-c[0], c[0]-b.Max(0)))
	dy := math.Max(0, math.Max(b.Min(1)-c[1], c[1]-b.Max(1)))
	if dx == 0 && dy == 0 {
		return 0
	}
	kx := metersPerDegree * math.Cos(c[1]*math.Pi/180)
	return math.Hypot(dx*kx, dy*metersPerDegree)
}

func clampRound(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(maxScore, v))))
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

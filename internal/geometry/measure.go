package geometry

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

const earthRadiusMeters = 6371008.8

func rad(d float64) float64 { return d * math.Pi / 180 }

// Centroid returns the area-weighted centroid.
func (g *Geometry) Centroid() (Point, error) {
	c, err := xy.Centroid(g.T)
	if err != nil {
		return Point{}, eris.Wrap(err, "geometry: centroid")
	}
	return Point{c.X(), c.Y()}, nil
}

// Bounds returns the bounding box.
func (g *Geometry) Bounds() *geom.Bounds {
	return g.T.Bounds()
}

// ContainsPoint reports whether p lies inside an outer ring and outside that
// polygon's holes. Points on a boundary count as inside.
func (g *Geometry) ContainsPoint(p Point) bool {
	c := geom.Coord{p[0], p[1]}
	for _, poly := range g.flatPolygons() {
		if !xy.IsPointInRing(geom.XY, c, poly[0]) {
			continue
		}
		inHole := false
		for _, hole := range poly[1:] {
			if xy.IsPointInRing(geom.XY, c, hole) && !onRing(c, hole) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

// DistanceMeters returns the distance from p to the nearest boundary of g, or
// 0 when g contains p. Distances use a local equirectangular projection
// centred on p, accurate to well under a percent at county scale.
func (g *Geometry) DistanceMeters(p Point) float64 {
	if g.ContainsPoint(p) {
		return 0
	}

	lat0 := rad(p[1])
	kx := rad(1) * earthRadiusMeters * math.Cos(lat0)
	ky := rad(1) * earthRadiusMeters

	best := math.Inf(1)
	origin := geom.Coord{0, 0}
	for _, poly := range g.flatPolygons() {
		for _, ring := range poly {
			local := make([]float64, len(ring))
			for i := 0; i+1 < len(ring); i += 2 {
				local[i] = (ring[i] - p[0]) * kx
				local[i+1] = (ring[i+1] - p[1]) * ky
			}
			if d := xy.DistanceFromPointToLineString(geom.XY, origin, local); d < best {
				best = d
			}
		}
	}
	return best
}

// flatPolygons returns each polygon as a list of flat XY ring coordinates.
func (g *Geometry) flatPolygons() [][][]float64 {
	var polys []*geom.Polygon
	switch v := g.T.(type) {
	case *geom.Polygon:
		polys = []*geom.Polygon{v}
	case *geom.MultiPolygon:
		for i := 0; i < v.NumPolygons(); i++ {
			polys = append(polys, v.Polygon(i))
		}
	}

	out := make([][][]float64, 0, len(polys))
	for _, p := range polys {
		rings := make([][]float64, p.NumLinearRings())
		for i := range rings {
			rings[i] = p.LinearRing(i).FlatCoords()
		}
		out = append(out, rings)
	}
	return out
}

func onRing(c geom.Coord, ring []float64) bool {
	for i := 0; i+3 < len(ring); i += 2 {
		a := geom.Coord{ring[i], ring[i+1]}
		b := geom.Coord{ring[i+2], ring[i+3]}
		if orient(a, b, c) == 0 && onSegment(a, b, c) {
			return true
		}
	}
	return false
}

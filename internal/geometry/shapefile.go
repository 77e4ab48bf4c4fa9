package geometry

import (
	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// FromShape converts a shapefile polygon into a Raw geometry. Clockwise rings
// start a new polygon; counter-clockwise rings are holes of the polygon before
// them. Returns nil for null or non-polygon shapes.
func FromShape(shape shp.Shape) *Raw {
	p, ok := shape.(*shp.Polygon)
	if !ok || p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || start >= end || end > int32(len(p.Points)) {
			continue
		}

		ring := make(Ring, 0, end-start)
		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			ring = append(ring, Point{p.Points[j].X, p.Points[j].Y})
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		hole := len(polys) > 0 && len(ring) >= 4 && xy.IsRingCounterClockwise(geom.XY, flat)
		if hole {
			polys[len(polys)-1] = append(polys[len(polys)-1], ring)
		} else {
			polys = append(polys, Polygon{ring})
		}
	}

	switch len(polys) {
	case 0:
		return nil
	case 1:
		return &Raw{Type: TypePolygon, Polygons: polys}
	default:
		return &Raw{Type: TypeMultiPolygon, Polygons: polys}
	}
}

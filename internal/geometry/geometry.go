// Package geometry validates parcel and hazard polygons, reprojects them to
// EPSG:4326 and serializes them as WKT/EWKT/EWKB.
package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// SRID of every stored geometry.
const SRID = 4326

// Point is an [x, y] coordinate pair in the source reference system.
type Point [2]float64

// Ring is a closed sequence of points.
type Ring []Point

// Polygon is an outer ring followed by zero or more holes.
type Polygon []Ring

// Type is the geometry type of a source feature.
type Type string

const (
	TypePolygon      Type = "Polygon"
	TypeMultiPolygon Type = "MultiPolygon"
)

// Raw is a geometry as read from a source, before validation.
type Raw struct {
	Type     Type
	Polygons []Polygon
}

// GeometryError reports a degenerate or unsupported geometry. Polygon and
// Ring are zero-based positions, -1 when not applicable.
type GeometryError struct {
	Reason  string
	Polygon int
	Ring    int
}

func (e *GeometryError) Error() string {
	if e.Polygon < 0 {
		return "geometry: " + e.Reason
	}
	return fmt.Sprintf("geometry: polygon %d ring %d: %s", e.Polygon, e.Ring, e.Reason)
}

func geomErr(format string, args ...any) *GeometryError {
	return &GeometryError{Reason: fmt.Sprintf(format, args...), Polygon: -1, Ring: -1}
}

// Geometry is a validated Polygon or MultiPolygon in EPSG:4326.
type Geometry struct {
	T              geom.T
	SelfIntersects bool
	// IntersectUnchecked is set when a ring was too large for the
	// self-intersection test.
	IntersectUnchecked bool
}

// Transform validates raw, reprojects it from srcSRID to EPSG:4326 and builds
// the canonical geometry. Self-intersecting rings are accepted and flagged.
func Transform(raw Raw, srcSRID int) (*Geometry, error) {
	project, err := projectionFor(srcSRID)
	if err != nil {
		return nil, err
	}

	switch raw.Type {
	case TypePolygon:
		if len(raw.Polygons) != 1 {
			return nil, geomErr("polygon must have exactly one part, got %d", len(raw.Polygons))
		}
	case TypeMultiPolygon:
		if len(raw.Polygons) == 0 {
			return nil, geomErr("multipolygon has no polygons")
		}
	default:
		return nil, geomErr("unsupported geometry type %q", raw.Type)
	}

	out := &Geometry{}
	coords := make([][][]geom.Coord, len(raw.Polygons))
	for pi, poly := range raw.Polygons {
		if len(poly) == 0 {
			return nil, &GeometryError{Reason: "polygon has no rings", Polygon: pi, Ring: -1}
		}
		coords[pi] = make([][]geom.Coord, len(poly))
		for ri, ring := range poly {
			if reason := validateRing(ring); reason != "" {
				return nil, &GeometryError{Reason: reason, Polygon: pi, Ring: ri}
			}
			rc := make([]geom.Coord, len(ring))
			for i, p := range ring {
				lon, lat := project(p[0], p[1])
				if !finite(lon) || !finite(lat) || math.Abs(lon) > 180 || math.Abs(lat) > 90 {
					return nil, &GeometryError{
						Reason:  fmt.Sprintf("point %d (%g %g) is outside EPSG:4326 after reprojection from EPSG:%d", i, p[0], p[1], srcSRID),
						Polygon: pi,
						Ring:    ri,
					}
				}
				rc[i] = geom.Coord{lon, lat}
			}
			crossed, checked := selfIntersects(rc)
			out.SelfIntersects = out.SelfIntersects || crossed
			out.IntersectUnchecked = out.IntersectUnchecked || !checked
			coords[pi][ri] = rc
		}
	}

	if raw.Type == TypePolygon {
		p, err := geom.NewPolygon(geom.XY).SetCoords(coords[0])
		if err != nil {
			return nil, geomErr("build polygon: %v", err)
		}
		out.T = p.SetSRID(SRID)
		return out, nil
	}

	mp, err := geom.NewMultiPolygon(geom.XY).SetCoords(coords)
	if err != nil {
		return nil, geomErr("build multipolygon: %v", err)
	}
	out.T = mp.SetSRID(SRID)
	return out, nil
}

func validateRing(ring Ring) string {
	for i, p := range ring {
		if !finite(p[0]) || !finite(p[1]) {
			return fmt.Sprintf("point %d is not finite", i)
		}
	}
	if len(ring) < 4 {
		return fmt.Sprintf("ring has %d points, need at least 4", len(ring))
	}
	if ring[0] != ring[len(ring)-1] {
		return "ring is not closed"
	}
	return ""
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// WKT renders the geometry as Well-Known Text.
func (g *Geometry) WKT() (string, error) {
	s, err := wkt.Marshal(g.T)
	if err != nil {
		return "", eris.Wrap(err, "geometry: marshal WKT")
	}
	return s, nil
}

// EWKT renders the geometry as WKT prefixed with its SRID ("SRID=4326;...").
func (g *Geometry) EWKT() (string, error) {
	s, err := g.WKT()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SRID=%d;%s", g.T.SRID(), s), nil
}

// EWKB renders the geometry as little-endian EWKB carrying the SRID, the
// binary format PostGIS accepts in COPY.
func (g *Geometry) EWKB() ([]byte, error) {
	b, err := ewkb.Marshal(g.T, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: marshal EWKB")
	}
	return b, nil
}

// ParseWKT parses WKT or EWKT text into a Polygon/MultiPolygon geometry. WKT
// without an SRID prefix is assumed to be EPSG:4326.
func ParseWKT(text string) (*Geometry, error) {
	srid, t, err := unmarshalEWKT(text)
	if err != nil {
		return nil, err
	}
	return fromT(t, srid)
}

// RawFromWKT parses WKT/EWKT into an unvalidated Raw geometry and the SRID
// declared by its prefix (0 when absent).
func RawFromWKT(text string) (*Raw, int, error) {
	srid, t, err := unmarshalEWKT(text)
	if err != nil {
		return nil, 0, err
	}
	raw, err := RawFromT(t)
	if err != nil {
		return nil, 0, err
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "SRID=") {
		srid = 0
	}
	return raw, srid, nil
}

// RawFromT converts a decoded go-geom Polygon or MultiPolygon into an
// unvalidated Raw geometry.
func RawFromT(t geom.T) (*Raw, error) {
	var typ Type
	switch t.(type) {
	case *geom.Polygon:
		typ = TypePolygon
	case *geom.MultiPolygon:
		typ = TypeMultiPolygon
	default:
		return nil, geomErr("unsupported geometry type %T", t)
	}
	return &Raw{Type: typ, Polygons: (&Geometry{T: t}).Polygons()}, nil
}

func unmarshalEWKT(text string) (int, geom.T, error) {
	srid := SRID
	text = strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		head, rest, ok := strings.Cut(text, ";")
		if !ok {
			return 0, nil, geomErr("malformed EWKT prefix")
		}
		n, err := strconv.Atoi(head[len("SRID="):])
		if err != nil {
			return 0, nil, geomErr("malformed EWKT SRID %q", head)
		}
		srid, text = n, rest
	}

	t, err := wkt.Unmarshal(text)
	if err != nil {
		return 0, nil, geomErr("parse WKT: %v", err)
	}
	return srid, t, nil
}

// FromEWKB decodes PostGIS EWKB (as returned by ST_AsEWKB).
func FromEWKB(b []byte) (*Geometry, error) {
	t, err := ewkb.Unmarshal(b)
	if err != nil {
		return nil, geomErr("parse EWKB: %v", err)
	}
	srid := t.SRID()
	if srid == 0 {
		srid = SRID
	}
	return fromT(t, srid)
}

func fromT(t geom.T, srid int) (*Geometry, error) {
	if len(t.FlatCoords()) == 0 {
		return nil, geomErr("geometry is empty")
	}
	g := &Geometry{}
	switch v := t.(type) {
	case *geom.Polygon:
		g.T = v.SetSRID(srid)
	case *geom.MultiPolygon:
		g.T = v.SetSRID(srid)
	default:
		return nil, geomErr("unsupported geometry type %T", t)
	}
	for _, poly := range g.Polygons() {
		for _, ring := range poly {
			crossed, checked := selfIntersects(ringCoords(ring))
			g.SelfIntersects = g.SelfIntersects || crossed
			g.IntersectUnchecked = g.IntersectUnchecked || !checked
		}
	}
	return g, nil
}

// Polygons returns the ring structure of the geometry.
func (g *Geometry) Polygons() []Polygon {
	switch v := g.T.(type) {
	case *geom.Polygon:
		return []Polygon{polygonRings(v)}
	case *geom.MultiPolygon:
		out := make([]Polygon, v.NumPolygons())
		for i := range out {
			out[i] = polygonRings(v.Polygon(i))
		}
		return out
	}
	return nil
}

func polygonRings(p *geom.Polygon) Polygon {
	rings := make(Polygon, p.NumLinearRings())
	for i := range rings {
		coords := p.LinearRing(i).Coords()
		ring := make(Ring, len(coords))
		for j, c := range coords {
			ring[j] = Point{c.X(), c.Y()}
		}
		rings[i] = ring
	}
	return rings
}

func ringCoords(r Ring) []geom.Coord {
	out := make([]geom.Coord, len(r))
	for i, p := range r {
		out[i] = geom.Coord{p[0], p[1]}
	}
	return out
}

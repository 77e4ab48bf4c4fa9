package hazard

import (
	"math"
	"slices"

	"github.com/twpayne/go-geom"
)

const (
	// gridCellDeg is the grid cell edge in degrees, about 5.5 km of latitude.
	gridCellDeg = 0.05
	// maxZoneCells caps the cells one zone or query may cover. Larger zones
	// are kept on a list every query returns; larger queries scan the type.
	maxZoneCells = 4096
)

type cell struct{ x, y int32 }

type cellRange struct{ x0, y0, x1, y1 int32 }

func rangeOf(b *geom.Bounds) cellRange {
	return cellRange{
		x0: cellOf(b.Min(0)), y0: cellOf(b.Min(1)),
		x1: cellOf(b.Max(0)), y1: cellOf(b.Max(1)),
	}
}

func cellOf(v float64) int32 { return int32(math.Floor(v / gridCellDeg)) }

func (r cellRange) cells() float64 {
	return (float64(r.x1-r.x0) + 1) * (float64(r.y1-r.y0) + 1)
}

// grid buckets the zones of one type by the cells their bounds cover. Index
// lists hold positions into Snapshot.zones in ascending order.
type grid struct {
	cells map[cell][]int
	wide  []int
	all   []int
}

func newGrid(zones []Zone, idx []int) *grid {
	g := &grid{cells: make(map[cell][]int), all: idx}
	for _, i := range idx {
		r := rangeOf(zones[i].Bounds())
		if r.cells() > maxZoneCells {
			g.wide = append(g.wide, i)
			continue
		}
		for x := r.x0; x <= r.x1; x++ {
			for y := r.y0; y <= r.y1; y++ {
				c := cell{x, y}
				g.cells[c] = append(g.cells[c], i)
			}
		}
	}
	return g
}

func (g *grid) query(b *geom.Bounds) []int {
	r := rangeOf(b)
	if r.cells() > maxZoneCells {
		return g.all
	}
	seen := make(map[int]struct{})
	out := append([]int(nil), g.wide...)
	for _, i := range g.wide {
		seen[i] = struct{}{}
	}
	for x := r.x0; x <= r.x1; x++ {
		for y := r.y0; y <= r.y1; y++ {
			for _, i := range g.cells[cell{x, y}] {
				if _, ok := seen[i]; ok {
					continue
				}
				seen[i] = struct{}{}
				out = append(out, i)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Candidates returns the zones of type t whose bounds overlap b, in id order.
// It narrows the search through the snapshot's grid index; callers still test
// the geometry itself.
func (s *Snapshot) Candidates(t Type, b *geom.Bounds) []*Zone {
	g := s.grids[t]
	if g == nil {
		return nil
	}
	var out []*Zone
	for _, i := range g.query(b) {
		z := &s.zones[i]
		if z.Bounds().Overlaps(geom.XY, b) {
			out = append(out, z)
		}
	}
	return out
}

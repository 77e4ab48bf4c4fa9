package geometry

import (
	"github.com/twpayne/go-geom"
)

// maxIntersectCheckPoints bounds the quadratic self-intersection test.
const maxIntersectCheckPoints = 4096

// selfIntersects reports whether two non-adjacent edges of a closed ring
// cross or touch. checked is false when the ring exceeds
// maxIntersectCheckPoints and was not tested.
func selfIntersects(coords []geom.Coord) (crossed, checked bool) {
	if len(coords) > maxIntersectCheckPoints {
		return false, false
	}
	ring := make([]geom.Coord, 0, len(coords))
	for i, c := range coords {
		if i > 0 && c[0] == coords[i-1][0] && c[1] == coords[i-1][1] {
			continue
		}
		ring = append(ring, c)
	}
	n := len(ring) - 1 // edges; last point repeats the first
	if n < 4 {
		return false, true
	}
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // first and last edges share the closing point
			}
			if segmentsIntersect(a1, a2, ring[j], ring[j+1]) {
				return true, true
			}
		}
	}
	return false, true
}

func segmentsIntersect(p1, p2, q1, q2 geom.Coord) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func orient(a, b, c geom.Coord) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p geom.Coord) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}

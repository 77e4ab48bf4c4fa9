// Package hazard holds hazard-zone layers: loading them from GIS files,
// persisting them, and serving immutable snapshots to the risk engine.
package hazard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// Type is a hazard category.
type Type string

// Hazard types.
const (
	TypeFlood    Type = "flood"
	TypeSurge    Type = "surge"
	TypeWind     Type = "wind"
	TypeWildfire Type = "wildfire"
)

// Types lists every hazard type in scoring order.
func Types() []Type { return []Type{TypeFlood, TypeSurge, TypeWind, TypeWildfire} }

// ParseType validates a hazard type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", eris.Errorf("hazard: unknown hazard type %q", s)
}

// Zone is one hazard polygon.
type Zone struct {
	ID            int64
	Type          Type
	Severity      int
	ZoneCode      string
	Geometry      *geometry.Geometry
	SourceVersion string
	LoadedAt      time.Time

	bounds *geom.Bounds
}

// Bounds returns the zone's bounding box.
func (z *Zone) Bounds() *geom.Bounds {
	if z.bounds == nil {
		z.bounds = z.Geometry.Bounds()
	}
	return z.bounds
}

// Layer summarizes one (type, source version) pair.
type Layer struct {
	Type          Type      `json:"hazard_type"`
	SourceVersion string    `json:"source_version"`
	Zones         int       `json:"zones"`
	LoadedAt      time.Time `json:"loaded_at"`
}

// Store persists hazard zones.
type Store interface {
	// Replace swaps every zone of (t, version) for zones in one transaction.
	Replace(ctx context.Context, t Type, version string, zones []Zone) (int, error)
	// Snapshot reads every zone.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Layers lists the loaded layers.
	Layers(ctx context.Context) ([]Layer, error)
}

// Snapshot is an immutable, id-ordered view of the hazard zones used for one
// scoring run. Safe for concurrent reads.
type Snapshot struct {
	zones  []Zone
	byType map[Type][]int
	grids  map[Type]*grid
	hash   string
}

// NewSnapshot sorts zones by id, precomputes bounds, builds the per-type grid
// index and hashes the content.
func NewSnapshot(zones []Zone) (*Snapshot, error) {
	sorted := make([]Zone, len(zones))
	copy(sorted, zones)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	s := &Snapshot{zones: sorted, byType: make(map[Type][]int)}
	for i := range s.zones {
		z := &s.zones[i]
		if z.Geometry == nil {
			return nil, eris.Errorf("hazard: zone %d has no geometry", z.ID)
		}
		z.Bounds()
		s.byType[z.Type] = append(s.byType[z.Type], i)

		ewkt, err := z.Geometry.EWKT()
		if err != nil {
			return nil, eris.Wrapf(err, "hazard: encode zone %d", z.ID)
		}
		fmt.Fprintf(h, "%d|%s|%d|%s|%s|%s\n", z.ID, z.Type, z.Severity, z.ZoneCode, z.SourceVersion, ewkt)
	}
	s.hash = hex.EncodeToString(h.Sum(nil))[:16]

	s.grids = make(map[Type]*grid, len(s.byType))
	for t, idx := range s.byType {
		s.grids[t] = newGrid(s.zones, idx)
	}
	return s, nil
}

// Hash identifies the snapshot content.
func (s *Snapshot) Hash() string { return s.hash }

// Len returns the number of zones.
func (s *Snapshot) Len() int { return len(s.zones) }

// Zones returns the zones of type t in id order.
func (s *Snapshot) Zones(t Type) []*Zone {
	idx := s.byType[t]
	out := make([]*Zone, len(idx))
	for i, j := range idx {
		out[i] = &s.zones[j]
	}
	return out
}

// Counts returns the zone count per type.
func (s *Snapshot) Counts() map[Type]int {
	out := make(map[Type]int, len(s.byType))
	for t, idx := range s.byType {
		out[t] = len(idx)
	}
	return out
}

package hazard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// box returns a closed square in EPSG:4326.
func box(t *testing.T, x, y, size float64) *geometry.Geometry {
	t.Helper()
	g, err := geometry.Transform(geometry.Raw{
		Type: geometry.TypePolygon,
		Polygons: []geometry.Polygon{{{
			{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
		}}},
	}, geometry.SRID)
	require.NoError(t, err)
	return g
}

func TestParseType(t *testing.T) {
	for _, in := range []string{"flood", "SURGE", " wind ", "Wildfire"} {
		_, err := ParseType(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseType("earthquake")
	assert.Error(t, err)
}

func TestNewSnapshot_SortsAndIndexes(t *testing.T) {
	s, err := NewSnapshot([]Zone{
		{ID: 3, Type: TypeWind, Severity: 2, Geometry: box(t, -82, 26, 1)},
		{ID: 1, Type: TypeFlood, Severity: 4, ZoneCode: "AE", Geometry: box(t, -82, 26, 0.1)},
		{ID: 2, Type: TypeFlood, Severity: 5, ZoneCode: "VE", Geometry: box(t, -82.5, 26, 0.1)},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	flood := s.Zones(TypeFlood)
	require.Len(t, flood, 2)
	assert.Equal(t, int64(1), flood[0].ID)
	assert.Equal(t, int64(2), flood[1].ID)
	assert.Empty(t, s.Zones(TypeWildfire))
	assert.Equal(t, map[Type]int{TypeFlood: 2, TypeWind: 1}, s.Counts())
	assert.Len(t, s.Hash(), 16)
}

func TestNewSnapshot_HashTracksContent(t *testing.T) {
	zones := []Zone{
		{ID: 1, Type: TypeFlood, Severity: 4, Geometry: box(t, -82, 26, 0.1)},
		{ID: 2, Type: TypeFlood, Severity: 5, Geometry: box(t, -81, 26, 0.1)},
	}
	a, err := NewSnapshot(zones)
	require.NoError(t, err)
	b, err := NewSnapshot([]Zone{zones[1], zones[0]})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash(), "input order does not matter")

	zones[1].Severity = 3
	c, err := NewSnapshot(zones)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestNewSnapshot_RejectsMissingGeometry(t *testing.T) {
	_, err := NewSnapshot([]Zone{{ID: 1, Type: TypeFlood, Severity: 1}})
	assert.Error(t, err)
}

func TestSeverityForCode(t *testing.T) {
	tests := []struct {
		typ    Type
		code   string
		want   int
		wantOK bool
	}{
		{TypeFlood, "VE", 5, true},
		{TypeFlood, " ae ", 4, true},
		{TypeFlood, "X", 1, true},
		{TypeFlood, "0.2 PCT ANNUAL CHANCE FLOOD HAZARD", 2, true},
		{TypeFlood, "OPEN WATER", 0, false},
		{TypeSurge, "3", 3, true},
		{TypeWind, "HVHZ", 5, true},
		{TypeWildfire, "High", 4, true},
		{TypeWildfire, "2", 2, true},
		{TypeWildfire, "6", 0, false},
		{TypeFlood, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.code, func(t *testing.T) {
			got, ok := SeverityForCode(tt.typ, tt.code)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSeverityRules_Errors(t *testing.T) {
	_, err := parseSeverityRules([]byte("volcano:\n  codes:\n    A: 1\n"))
	assert.Error(t, err)
	_, err = parseSeverityRules([]byte("flood:\n  codes:\n    A: 9\n"))
	assert.Error(t, err)
	_, err = parseSeverityRules([]byte("{"))
	assert.Error(t, err)
}

func TestDefaultZoneField(t *testing.T) {
	assert.Equal(t, "FLD_ZONE", DefaultZoneField(TypeFlood))
	assert.Equal(t, "CATEGORY", DefaultZoneField(TypeSurge))
}

func TestSnapshot_Candidates(t *testing.T) {
	s, err := NewSnapshot([]Zone{
		{ID: 1, Type: TypeFlood, Severity: 4, Geometry: box(t, -82, 26, 0.01)},
		{ID: 2, Type: TypeFlood, Severity: 5, Geometry: box(t, -81, 26, 0.01)},
		// straddles cell edges at -82.0 and 26.95
		{ID: 3, Type: TypeFlood, Severity: 3, Geometry: box(t, -82.02, 26.94, 0.04)},
		{ID: 4, Type: TypeWind, Severity: 2, Geometry: box(t, -90, 20, 15)},
		{ID: 5, Type: TypeFlood, Severity: 1, Geometry: box(t, -88, 24, 8)},
	})
	require.NoError(t, err)

	at := func(x, y float64) *geom.Bounds { return geom.NewBounds(geom.XY).Set(x, y, x, y) }
	ids := func(zones []*Zone) []int64 {
		out := []int64{}
		for _, z := range zones {
			out = append(out, z.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		typ   Type
		query *geom.Bounds
		want  []int64
	}{
		{name: "point in one small zone", typ: TypeFlood, query: at(-81.995, 26.005), want: []int64{1, 5}},
		{name: "point in neither small zone", typ: TypeFlood, query: at(-81.5, 26.5), want: []int64{5}},
		{name: "zone across cell edges", typ: TypeFlood, query: at(-81.99, 26.97), want: []int64{3, 5}},
		{name: "wide zone found anywhere inside", typ: TypeWind, query: at(-76, 33), want: []int64{4}},
		{name: "box spanning both small zones", typ: TypeFlood, query: geom.NewBounds(geom.XY).Set(-82.5, 25.5, -80.5, 26.5), want: []int64{1, 2, 5}},
		{name: "query larger than the cell cap", typ: TypeFlood, query: geom.NewBounds(geom.XY).Set(-100, 10, -60, 40), want: []int64{1, 2, 3, 5}},
		{name: "outside every zone", typ: TypeWind, query: at(0, 0), want: []int64{}},
		{name: "type with no zones", typ: TypeWildfire, query: at(-82, 26), want: []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(s.Candidates(tt.typ, tt.query)))
		})
	}
}

package parcel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

const testGeoJSON = `{
  "type": "FeatureCollection",
  "name": "charlotte_parcels",
  "features": [
    {"type": "Feature", "properties": {"PARCEL_ID": "A1", "JV": 150000, "HOMESTEAD": true},
     "geometry": {"type": "Polygon", "coordinates": [[[-82.1,26.9],[-82.099,26.9],[-82.099,26.901],[-82.1,26.901],[-82.1,26.9]]]}},
    {"type": "Feature", "properties": {"PARCEL_ID": "A2", "JV": null}, "geometry": null},
    {"type": "Feature", "properties": {"PARCEL_ID": "A3"},
     "geometry": {"type": "Point", "coordinates": [-82.1, 26.9]}}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collect(t *testing.T, src Source) []Feature {
	t.Helper()
	var out []Feature
	require.NoError(t, src.Read(context.Background(), func(f Feature) error {
		out = append(out, f)
		return nil
	}))
	return out
}

func TestGeoJSONSource_Read(t *testing.T) {
	src, err := Open(writeFile(t, "parcels.geojson", testGeoJSON), "")
	require.NoError(t, err)
	assert.Equal(t, FormatGeoJSON, src.Format())
	assert.Equal(t, geometry.SRID, src.SRID())

	feats := collect(t, src)
	require.Len(t, feats, 3)

	assert.Equal(t, "A1", feats[0].Properties["PARCEL_ID"])
	assert.Equal(t, "150000", feats[0].Properties["JV"])
	assert.Equal(t, "true", feats[0].Properties["HOMESTEAD"])
	require.NotNil(t, feats[0].Geometry)
	assert.Equal(t, geometry.TypePolygon, feats[0].Geometry.Type)

	assert.Equal(t, 1, feats[1].Index)
	assert.Nil(t, feats[1].Geometry)
	assert.NoError(t, feats[1].GeometryErr)
	assert.Equal(t, "", feats[1].Properties["JV"])

	assert.Nil(t, feats[2].Geometry)
	assert.Error(t, feats[2].GeometryErr)
}

func TestGeoJSONSource_NumericIDsKeepEveryDigit(t *testing.T) {
	src := &GeoJSONSource{Path: writeFile(t, "big.geojson", `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "properties": {"PARCEL_ID": 402218000000000001, "OWN_NAME": "A", "JV": 1.25e5}, "geometry": null},
		{"type": "Feature", "properties": {"PARCEL_ID": 402218000000000002, "OWN_NAME": "B"}, "geometry": null}
	]}`)}

	feats := collect(t, src)
	require.Len(t, feats, 2)
	assert.Equal(t, "402218000000000001", feats[0].Properties["PARCEL_ID"])
	assert.Equal(t, "402218000000000002", feats[1].Properties["PARCEL_ID"])

	n := newTestNormalizer(t, "dor", 15)
	plan, err := Scan(context.Background(), src, n)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Records)
	assert.Equal(t, 0, plan.Duplicates)

	p, err := n.Normalize(feats[0])
	require.NoError(t, err)
	require.NotNil(t, p.MarketValue)
	assert.InDelta(t, 125000, *p.MarketValue, 1e-9)
}

func TestGeoJSONSource_CallbackErrorStops(t *testing.T) {
	src := &GeoJSONSource{Path: writeFile(t, "parcels.geojson", testGeoJSON)}
	stop := errors.New("stop")
	calls := 0
	err := src.Read(context.Background(), func(Feature) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestGeoJSONSource_MissingFeatures(t *testing.T) {
	src := &GeoJSONSource{Path: writeFile(t, "empty.geojson", `{"type":"FeatureCollection"}`)}
	err := src.Read(context.Background(), func(Feature) error { return nil })
	assert.Error(t, err)
}

func TestTabularSource_CSV(t *testing.T) {
	csv := "\ufeffPARCEL_ID,JV,WKT\n" +
		"A1,100,\"POLYGON((-82.1 26.9,-82.099 26.9,-82.099 26.901,-82.1 26.901,-82.1 26.9))\"\n" +
		"A2,200,\"SRID=3857;POLYGON((-9139330 3115977,-9139230 3115977,-9139230 3116077,-9139330 3116077,-9139330 3115977))\"\n" +
		"A3,300,\n" +
		"A4,400,NOT WKT\n"

	src, err := Open(writeFile(t, "parcels.csv", csv), "")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, src.Format())

	feats := collect(t, src)
	require.Len(t, feats, 4)

	assert.Equal(t, "A1", feats[0].Properties["PARCEL_ID"])
	_, hasWKT := feats[0].Properties["WKT"]
	assert.False(t, hasWKT)
	require.NotNil(t, feats[0].Geometry)
	assert.Equal(t, 0, feats[0].SRID)

	require.NotNil(t, feats[1].Geometry)
	assert.Equal(t, geometry.SRIDWebMercator, feats[1].SRID)

	assert.Nil(t, feats[2].Geometry)
	assert.NoError(t, feats[2].GeometryErr)

	require.Error(t, feats[3].GeometryErr)
	assert.Contains(t, feats[3].GeometryErr.Error(), "row 5")
}

func TestTabularSource_NoHeader(t *testing.T) {
	src := &TabularSource{Path: writeFile(t, "empty.csv", ""), Kind: FormatCSV}
	err := src.Read(context.Background(), func(Feature) error { return nil })
	assert.Error(t, err)
}

func writeShapefile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "parcels.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("PARCEL_ID", 20),
		shp.StringField("JV", 12),
	}))

	ring := []shp.Point{
		{X: -82.1, Y: 26.9}, {X: -82.1, Y: 26.901}, {X: -82.099, Y: 26.901},
		{X: -82.099, Y: 26.9}, {X: -82.1, Y: 26.9},
	}
	poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
	for _, id := range []string{"S1", "S2"} {
		n := int(w.Write(&poly))
		require.NoError(t, w.WriteAttribute(n, 0, id))
		require.NoError(t, w.WriteAttribute(n, 1, "1000"))
	}
	w.Close()
	return path
}

func TestShapefileSource_Read(t *testing.T) {
	dir := t.TempDir()
	path := writeShapefile(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parcels.prj"),
		[]byte(`GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]]]`), 0o644))

	src, err := Open(path, "")
	require.NoError(t, err)
	assert.Equal(t, FormatShapefile, src.Format())
	assert.Equal(t, geometry.SRID, src.SRID())

	feats := collect(t, src)
	require.Len(t, feats, 2)
	assert.Equal(t, "S1", feats[0].Properties["PARCEL_ID"])
	assert.Equal(t, "S2", feats[1].Properties["PARCEL_ID"])
	require.NotNil(t, feats[0].Geometry)
	assert.Len(t, feats[0].Geometry.Polygons, 1)
}

func TestSRIDFromPRJ(t *testing.T) {
	tests := []struct {
		prj  string
		want int
	}{
		{`PROJCS["NAD_1983_Florida_GDL_Albers",GEOGCS["GCS_North_American_1983"]]`, geometry.SRIDFloridaGDL},
		{`PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere"]`, geometry.SRIDWebMercator},
		{`PROJCS["NAD_1983_StatePlane_Florida_West_FIPS_0902_Feet"]`, 0},
		{`GEOGCS["GCS_WGS_1984"]`, geometry.SRID},
		{`GEOGCS["GCS_North_American_1983"]`, geometry.SRIDNAD83},
		{``, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SRIDFromPRJ(tt.prj), tt.prj)
	}
}

func TestOpen_UnknownFormat(t *testing.T) {
	_, err := Open("parcels.gdb", "")
	assert.Error(t, err)
	assert.Equal(t, FormatXLSX, DetectFormat("X.XLSX"))
	assert.Contains(t, Extensions(), ".shp")
}

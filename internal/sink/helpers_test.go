package sink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

func testParcel(t *testing.T, id string, market float64) parcel.Parcel {
	t.Helper()
	g, err := geometry.Transform(geometry.Raw{
		Type: geometry.TypePolygon,
		Polygons: []geometry.Polygon{{{
			{-82.1, 26.9}, {-82.099, 26.9}, {-82.099, 26.901}, {-82.1, 26.901}, {-82.1, 26.9},
		}}},
	}, geometry.SRID)
	require.NoError(t, err)
	return parcel.Parcel{
		CountyCode:  15,
		ParcelID:    id,
		CountyFIPS:  "12015",
		OwnerName:   "OWNER " + id,
		MarketValue: &market,
		Geometry:    g,
	}
}

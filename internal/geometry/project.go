package geometry

import (
	"github.com/wroge/wgs84"
)

// Supported source reference systems.
const (
	SRIDNAD83       = 4269
	SRIDWebMercator = 3857
	SRIDFloridaGDL  = 3086 // NAD83 / Florida GDL Albers
)

type projection func(x, y float64) (lon, lat float64)

// floridaGDL is EPSG:3086, an Albers equal-area conic on NAD83 with standard
// parallels 24 and 31.5, origin 24N 84W and a false easting of 400 km.
func floridaGDL() wgs84.ProjectedReferenceSystem {
	return wgs84.NAD83().AlbersEqualAreaConic(-84, 24, 24, 31.5, 400000, 0)
}

func projectionFor(srid int) (projection, error) {
	switch srid {
	case SRID, SRIDNAD83:
		// NAD83 and WGS84 differ by about a metre in Florida, below parcel precision.
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case SRIDWebMercator:
		return toLonLat(wgs84.WebMercator()), nil
	case SRIDFloridaGDL:
		return toLonLat(floridaGDL()), nil
	default:
		return nil, geomErr("unsupported source SRID %d", srid)
	}
}

func toLonLat(from wgs84.CoordinateReferenceSystem) projection {
	fn := wgs84.Transform(from, wgs84.LonLat())
	return func(x, y float64) (float64, float64) {
		lon, lat, _ := fn(x, y, 0)
		return lon, lat
	}
}

// SupportedSRID reports whether Transform can reproject from srid.
func SupportedSRID(srid int) bool {
	_, err := projectionFor(srid)
	return err == nil
}

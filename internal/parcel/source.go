package parcel

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// Source formats.
const (
	FormatGeoJSON   = "geojson"
	FormatShapefile = "shapefile"
	FormatCSV       = "csv"
	FormatXLSX      = "xlsx"
)

// Feature is one raw source record: a flat attribute map plus its geometry.
type Feature struct {
	Index      int
	Properties map[string]string
	Geometry   *geometry.Raw

	// SRID overrides the source SRID for this feature's geometry (0 = inherit).
	SRID int

	// GeometryErr is set when the source geometry could not be decoded.
	GeometryErr error
}

// Source yields features in file order.
type Source interface {
	// Format names the source format.
	Format() string
	// SRID is the coordinate system declared by the file itself, or 0.
	SRID() int
	// Read calls fn for every feature. An error from fn stops the read.
	Read(ctx context.Context, fn func(Feature) error) error
}

// Open returns a Source for path. format may be empty to detect it from the
// file extension.
func Open(path, format string) (Source, error) {
	if format == "" {
		format = DetectFormat(path)
	}
	switch format {
	case FormatGeoJSON:
		return &GeoJSONSource{Path: path}, nil
	case FormatShapefile:
		return NewShapefileSource(path), nil
	case FormatCSV:
		return &TabularSource{Path: path, Kind: FormatCSV}, nil
	case FormatXLSX:
		return &TabularSource{Path: path, Kind: FormatXLSX}, nil
	default:
		return nil, eris.Errorf("parcel: unsupported source format for %s", filepath.Base(path))
	}
}

// DetectFormat infers the format from the file extension, or returns "".
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return FormatGeoJSON
	case ".shp":
		return FormatShapefile
	case ".csv", ".txt":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return ""
	}
}

// Extensions lists the file extensions Open understands.
func Extensions() []string {
	return []string{".geojson", ".json", ".shp", ".csv", ".txt", ".xlsx"}
}

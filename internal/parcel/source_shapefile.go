package parcel

import (
	"context"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// ShapefileSource reads an ESRI shapefile (.shp + .dbf, optional .prj).
type ShapefileSource struct {
	Path string
	srid int
}

// NewShapefileSource detects the coordinate system from the sidecar .prj.
func NewShapefileSource(path string) *ShapefileSource {
	s := &ShapefileSource{Path: path}
	prj := strings.TrimSuffix(path, ".shp") + ".prj"
	if data, err := os.ReadFile(prj); err == nil {
		s.srid = SRIDFromPRJ(string(data))
	}
	return s
}

func (s *ShapefileSource) Format() string { return FormatShapefile }
func (s *ShapefileSource) SRID() int      { return s.srid }

func (s *ShapefileSource) Read(ctx context.Context, fn func(Feature) error) error {
	reader, err := shp.Open(s.Path)
	if err != nil {
		return eris.Wrapf(err, "parcel: open shapefile %s", s.Path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	index := 0
	for reader.Next() {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "parcel: shapefile read cancelled")
		}

		_, shape := reader.Shape()
		props := make(map[string]string, len(names))
		for i, name := range names {
			props[name] = strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
		}

		feat := Feature{Index: index, Properties: props}
		if raw := geometry.FromShape(shape); raw != nil {
			feat.Geometry = raw
		} else if shape != nil {
			if _, isNull := shape.(*shp.Null); !isNull {
				feat.GeometryErr = eris.Errorf("parcel: unsupported shape type %T", shape)
			}
		}
		index++

		if err := fn(feat); err != nil {
			return err
		}
	}
	return nil
}

// SRIDFromPRJ maps the WKT of a .prj file to one of the supported SRIDs, or 0.
func SRIDFromPRJ(prj string) int {
	p := strings.ToUpper(prj)
	switch {
	case strings.Contains(p, "FLORIDA_GDL") || strings.Contains(p, "FLORIDA GDL"):
		return geometry.SRIDFloridaGDL
	case strings.Contains(p, "MERCATOR_AUXILIARY_SPHERE") || strings.Contains(p, "WEB_MERCATOR") || strings.Contains(p, "PSEUDO-MERCATOR"):
		return geometry.SRIDWebMercator
	case strings.HasPrefix(strings.TrimSpace(p), "PROJCS"):
		return 0
	case strings.Contains(p, "GCS_WGS_1984") || strings.Contains(p, "WGS 84"):
		return geometry.SRID
	case strings.Contains(p, "GCS_NORTH_AMERICAN_1983") || strings.Contains(p, "NAD83"):
		return geometry.SRIDNAD83
	default:
		return 0
	}
}

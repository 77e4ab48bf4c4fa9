package parcel

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/geometry"
)

// geometryColumns are header names that carry WKT geometry in tabular extracts.
var geometryColumns = []string{"wkt", "geometry", "geom", "the_geom", "shape_wkt"}

// TabularSource reads CSV or XLSX extracts with a header row. Geometry, if
// any, is WKT/EWKT in one of the geometryColumns.
type TabularSource struct {
	Path string
	Kind string // FormatCSV or FormatXLSX
}

func (s *TabularSource) Format() string { return s.Kind }

// SRID is unknown up front; EWKT rows carry their own.
func (s *TabularSource) SRID() int { return 0 }

func (s *TabularSource) Read(ctx context.Context, fn func(Feature) error) error {
	tbl, release, err := s.open(ctx)
	if err != nil {
		return eris.Wrapf(err, "parcel: read %s", s.Path)
	}
	defer release()

	geomCol := tbl.Column(geometryColumns...)
	index := 0
	for row := range tbl.Rows() {
		props := make(map[string]string, len(tbl.Header))
		for i, h := range tbl.Header {
			if i != geomCol && i < len(row.Cells) {
				props[h] = row.Cells[i]
			}
		}

		feat := Feature{Index: index, Properties: props}
		if wkt := strings.TrimSpace(row.Cell(geomCol)); wkt != "" {
			raw, srid, err := geometry.RawFromWKT(wkt)
			if err != nil {
				feat.GeometryErr = eris.Wrapf(err, "row %d", row.Line)
			} else {
				feat.Geometry = raw
				feat.SRID = srid
			}
		}
		index++

		if err := fn(feat); err != nil {
			return err
		}
	}
	if err := tbl.Err(); err != nil {
		return eris.Wrapf(err, "parcel: read %s", s.Path)
	}
	return nil
}

// open returns the table and a release func that stops the reader before
// closing the underlying file.
func (s *TabularSource) open(ctx context.Context) (*fetcher.Table, func(), error) {
	switch s.Kind {
	case FormatCSV:
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, nil, err
		}
		tbl, err := fetcher.OpenCSV(ctx, f, fetcher.CSVOptions{TrimSpace: true})
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return tbl, func() {
			tbl.Close()
			_ = f.Close()
		}, nil
	case FormatXLSX:
		tbl, err := fetcher.OpenXLSX(ctx, s.Path, "")
		if err != nil {
			return nil, nil, err
		}
		return tbl, tbl.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported tabular format %q", s.Kind)
	}
}

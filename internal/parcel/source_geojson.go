package parcel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/geometry"
)

// GeoJSONSource streams the features of a GeoJSON FeatureCollection.
type GeoJSONSource struct {
	Path string
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

func (s *GeoJSONSource) Format() string { return FormatGeoJSON }

// SRID is always 4326: RFC 7946 coordinates are WGS84.
func (s *GeoJSONSource) SRID() int { return geometry.SRID }

func (s *GeoJSONSource) Read(ctx context.Context, fn func(Feature) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return eris.Wrapf(err, "parcel: open %s", s.Path)
	}
	defer f.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	featCh, errCh := fetcher.DecodeJSONArrayField[geoJSONFeature](ctx, bufio.NewReaderSize(f, 1<<20), "features")
	index := 0
	for raw := range featCh {
		feat := Feature{Index: index, Properties: stringProps(raw.Properties)}
		feat.Geometry, feat.GeometryErr = decodeGeoJSONGeometry(raw.Geometry)
		index++
		if err := fn(feat); err != nil {
			cancel()
			for range featCh { //nolint:revive // drain so the decoder goroutine exits
			}
			return err
		}
	}
	for err := range errCh {
		if err != nil {
			return eris.Wrapf(err, "parcel: read %s", s.Path)
		}
	}
	return nil
}

func decodeGeoJSONGeometry(data json.RawMessage) (*geometry.Raw, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var t geom.T
	if err := geojson.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "parcel: decode geojson geometry")
	}
	return geometry.RawFromT(t)
}

func stringProps(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = x
		case json.Number:
			out[k] = x.String()
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out
}

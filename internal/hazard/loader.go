package hazard

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

// LoadRequest describes one hazard layer file.
type LoadRequest struct {
	Type          Type
	Path          string
	Format        string // empty = detect from extension
	SeverityField string // explicit 1..5 column; takes precedence over ZoneField
	ZoneField     string // zone code column; defaults per type
	SourceVersion string // defaults to the load date (YYYYMMDD)
	SRID          int    // overrides the file's own SRID when > 0
	Workers       int
}

// LoadStats counts what a layer load kept and dropped.
type LoadStats struct {
	Features        int
	Zones           int
	BadGeometry     int
	UnknownSeverity int
}

// ReadLayer reads a hazard layer file into zones. Features with unusable
// geometry or no resolvable severity are skipped and counted. Geometry
// transformation runs on a bounded errgroup pool.
func ReadLayer(ctx context.Context, req LoadRequest) ([]Zone, *LoadStats, error) {
	if _, err := ParseType(string(req.Type)); err != nil {
		return nil, nil, err
	}
	if req.SourceVersion == "" {
		req.SourceVersion = time.Now().UTC().Format("20060102")
	}
	if req.ZoneField == "" {
		req.ZoneField = DefaultZoneField(req.Type)
	}
	if req.Workers <= 0 {
		req.Workers = runtime.GOMAXPROCS(0)
	}
	log := zap.L().With(zap.String("component", "hazard.loader"),
		zap.String("hazard_type", string(req.Type)), zap.String("path", req.Path))

	src, err := parcel.Open(req.Path, req.Format)
	if err != nil {
		return nil, nil, eris.Wrap(err, "hazard: open layer")
	}
	srid := src.SRID()
	if req.SRID > 0 {
		srid = req.SRID
	}
	if srid == 0 {
		srid = geometry.SRID
	}

	var features []parcel.Feature
	if err := src.Read(ctx, func(f parcel.Feature) error {
		features = append(features, f)
		return nil
	}); err != nil {
		return nil, nil, eris.Wrap(err, "hazard: read layer")
	}

	type parsed struct {
		zone   Zone
		ok     bool
		badGeo bool
	}
	results := make([]parsed, len(features))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Workers)
	for i := range features {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f := features[i]
			code := property(f.Properties, req.ZoneField)
			severity, ok := 0, false
			if req.SeverityField != "" {
				severity, ok = parseSeverity(property(f.Properties, req.SeverityField))
			} else {
				severity, ok = SeverityForCode(req.Type, code)
			}
			if !ok {
				return nil
			}
			if f.Geometry == nil || f.GeometryErr != nil {
				results[i] = parsed{badGeo: true}
				return nil
			}
			fsrid := srid
			if f.SRID > 0 {
				fsrid = f.SRID
			}
			geo, err := geometry.Transform(*f.Geometry, fsrid)
			if err != nil {
				results[i] = parsed{badGeo: true}
				return nil
			}
			results[i] = parsed{ok: true, zone: Zone{
				Type:          req.Type,
				Severity:      severity,
				ZoneCode:      code,
				Geometry:      geo,
				SourceVersion: req.SourceVersion,
			}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "hazard: transform layer")
	}

	stats := &LoadStats{Features: len(features)}
	zones := make([]Zone, 0, len(features))
	for _, r := range results {
		switch {
		case r.ok:
			zones = append(zones, r.zone)
		case r.badGeo:
			stats.BadGeometry++
		default:
			stats.UnknownSeverity++
		}
	}
	stats.Zones = len(zones)

	log.Info("hazard layer read",
		zap.Int("features", stats.Features),
		zap.Int("zones", stats.Zones),
		zap.Int("bad_geometry", stats.BadGeometry),
		zap.Int("unknown_severity", stats.UnknownSeverity))
	return zones, stats, nil
}

// Load reads a layer and replaces its (type, version) pair in store.
func Load(ctx context.Context, store Store, req LoadRequest) (*LoadStats, error) {
	zones, stats, err := ReadLayer(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return stats, eris.Errorf("hazard: %s contains no usable %s zones", req.Path, req.Type)
	}
	version := zones[0].SourceVersion
	if _, err := store.Replace(ctx, req.Type, version, zones); err != nil {
		return stats, err
	}
	return stats, nil
}

func property(props map[string]string, name string) string {
	if name == "" {
		return ""
	}
	if v, ok := props[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range props {
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

package hazard

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/sink"
)

const zonesTable = "parcels.hazard_zones"

var zoneColumns = []string{"hazard_type", "severity_level", "zone_code", "geom", "source_version", "loaded_at"}

// PostgresStore keeps zones in parcels.hazard_zones.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgres creates a PostgresStore.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Replace implements Store.
func (s *PostgresStore) Replace(ctx context.Context, t Type, version string, zones []Zone) (int, error) {
	loadedAt := s.now().UTC()
	rows := make([][]any, 0, len(zones))
	for _, z := range zones {
		b, err := z.Geometry.EWKB()
		if err != nil {
			return 0, eris.Wrap(err, "hazard: encode zone")
		}
		rows = append(rows, []any{string(t), int16(z.Severity), z.ZoneCode, b, version, loadedAt})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, sink.Classify(eris.Wrap(err, "hazard: begin replace"))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM parcels.hazard_zones WHERE hazard_type = $1 AND source_version = $2`,
		string(t), version)
	if err != nil {
		return 0, sink.Classify(eris.Wrap(err, "hazard: delete previous zones"))
	}
	n, err := db.CopyFrom(ctx, tx, zonesTable, zoneColumns, rows)
	if err != nil {
		return 0, sink.Classify(eris.Wrap(err, "hazard: copy zones"))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, sink.Classify(eris.Wrap(err, "hazard: commit replace"))
	}

	zap.L().Info("hazard zones replaced",
		zap.String("component", "hazard.postgres"),
		zap.String("hazard_type", string(t)),
		zap.String("source_version", version),
		zap.Int64("removed", tag.RowsAffected()),
		zap.Int64("loaded", n))
	return int(n), nil
}

// Snapshot implements Store.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, hazard_type, severity_level, zone_code, ST_AsEWKB(geom),
	source_version, loaded_at
FROM parcels.hazard_zones
ORDER BY id`)
	if err != nil {
		return nil, sink.Classify(eris.Wrap(err, "hazard: query zones"))
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var z Zone
		var typ string
		var severity int16
		var b []byte
		if err := rows.Scan(&z.ID, &typ, &severity, &z.ZoneCode, &b, &z.SourceVersion, &z.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "hazard: scan zone")
		}
		z.Type = Type(typ)
		z.Severity = int(severity)
		if z.Geometry, err = geometry.FromEWKB(b); err != nil {
			return nil, eris.Wrapf(err, "hazard: decode zone %d", z.ID)
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "hazard: iterate zones")
	}
	return NewSnapshot(zones)
}

// Layers implements Store.
func (s *PostgresStore) Layers(ctx context.Context) ([]Layer, error) {
	rows, err := s.pool.Query(ctx, `SELECT hazard_type, source_version, count(*), max(loaded_at)
FROM parcels.hazard_zones
GROUP BY hazard_type, source_version
ORDER BY hazard_type, source_version`)
	if err != nil {
		return nil, sink.Classify(eris.Wrap(err, "hazard: query layers"))
	}
	defer rows.Close()

	var out []Layer
	for rows.Next() {
		var l Layer
		var typ string
		var n int64
		if err := rows.Scan(&typ, &l.SourceVersion, &n, &l.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "hazard: scan layer")
		}
		l.Type = Type(typ)
		l.Zones = int(n)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "hazard: iterate layers")
}

var _ Store = (*PostgresStore)(nil)

package hazard

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// SQLiteStore keeps zones in a local hazard_zones table as EWKT.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a SQLiteStore over a migrated database.
func NewSQLite(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlDB, now: time.Now}
}

// Replace implements Store.
func (s *SQLiteStore) Replace(ctx context.Context, t Type, version string, zones []Zone) (int, error) {
	loadedAt := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "hazard: begin replace")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hazard_zones WHERE hazard_type = ? AND source_version = ?`, string(t), version); err != nil {
		return 0, eris.Wrap(err, "hazard: delete previous zones")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO hazard_zones
	(hazard_type, severity_level, zone_code, geom, source_version, loaded_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "hazard: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, z := range zones {
		ewkt, err := z.Geometry.EWKT()
		if err != nil {
			return 0, eris.Wrap(err, "hazard: encode zone")
		}
		if _, err := stmt.ExecContext(ctx, string(t), z.Severity, z.ZoneCode, ewkt, version, loadedAt); err != nil {
			return 0, eris.Wrap(err, "hazard: insert zone")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "hazard: commit replace")
	}
	return len(zones), nil
}

// Snapshot implements Store.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hazard_type, severity_level, zone_code, geom,
	source_version, loaded_at
FROM hazard_zones
ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "hazard: query zones")
	}
	defer rows.Close() //nolint:errcheck

	var zones []Zone
	for rows.Next() {
		var z Zone
		var typ, ewkt, loadedAt string
		if err := rows.Scan(&z.ID, &typ, &z.Severity, &z.ZoneCode, &ewkt, &z.SourceVersion, &loadedAt); err != nil {
			return nil, eris.Wrap(err, "hazard: scan zone")
		}
		z.Type = Type(typ)
		z.LoadedAt, _ = time.Parse(time.RFC3339Nano, loadedAt)
		if z.Geometry, err = geometry.ParseWKT(ewkt); err != nil {
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
func (s *SQLiteStore) Layers(ctx context.Context) ([]Layer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hazard_type, source_version, count(*), max(loaded_at)
FROM hazard_zones
GROUP BY hazard_type, source_version
ORDER BY hazard_type, source_version`)
	if err != nil {
		return nil, eris.Wrap(err, "hazard: query layers")
	}
	defer rows.Close() //nolint:errcheck

	var out []Layer
	for rows.Next() {
		var l Layer
		var typ, loadedAt string
		if err := rows.Scan(&typ, &l.SourceVersion, &l.Zones, &loadedAt); err != nil {
			return nil, eris.Wrap(err, "hazard: scan layer")
		}
		l.Type = Type(typ)
		l.LoadedAt, _ = time.Parse(time.RFC3339Nano, loadedAt)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "hazard: iterate layers")
}

var _ Store = (*SQLiteStore)(nil)

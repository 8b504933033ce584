package render

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // register the pure-Go SQLite driver

	"github.com/mggg/gerrydb/internal/view"
)

// sidecarMigration creates GerryDB's own tables inside the extractor's
// output GeoPackage, registered as a gpkg_extensions row the way any
// GeoPackage extension must be for GIS clients to recognize the extra
// tables as intentional rather than corruption. gerrydb_plan_assignment is
// created separately by injectPlanAssignments since its columns are
// dynamic, one per plan pinned to the view's GeoSetVersion.
const sidecarMigration = `
CREATE TABLE IF NOT EXISTS gerrydb_view_meta (
	view_id     INTEGER NOT NULL,
	namespace   TEXT NOT NULL,
	path        TEXT NOT NULL,
	valid_at    TEXT NOT NULL,
	num_geos    INTEGER NOT NULL,
	projection  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gerrydb_geo_meta (
	geo_path   TEXT PRIMARY KEY,
	meta_id    INTEGER NOT NULL,
	valid_from TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gerrydb_geo_meta_xref (
	meta_id    INTEGER PRIMARY KEY,
	uuid       TEXT NOT NULL,
	author_id  INTEGER NOT NULL,
	notes      TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gerrydb_graph_edge (
	geo1_path TEXT NOT NULL,
	geo2_path TEXT NOT NULL,
	weights   TEXT
);

CREATE TABLE IF NOT EXISTS gerrydb_graph_node_area (
	geo_path  TEXT PRIMARY KEY,
	area_sq_m REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS gpkg_extensions (
	table_name     TEXT,
	column_name    TEXT,
	extension_name TEXT NOT NULL,
	definition     TEXT NOT NULL,
	scope          TEXT NOT NULL,
	CONSTRAINT ge_tce UNIQUE (table_name, column_name, extension_name)
);

INSERT OR IGNORE INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope)
VALUES (NULL, NULL, 'mggg_gerrydb', 'https://github.com/mggg/gerrydb', 'read-write');
`

// injectSidecars opens outPath (the GeoPackage the extractor just wrote) as
// a plain SQLite database and adds GerryDB's view/geo/graph/plan metadata
// alongside the extracted geography and internal_point layers.
func (c *Coordinator) injectSidecars(ctx context.Context, outPath string, v *view.View) error {
	sdb, err := sql.Open("sqlite", outPath)
	if err != nil {
		return eris.Wrap(err, "render: open gpkg for sidecar injection")
	}
	defer sdb.Close()

	if _, err := sdb.ExecContext(ctx, sidecarMigration); err != nil {
		return eris.Wrap(err, "render: create sidecar tables")
	}

	if _, err := sdb.ExecContext(ctx, `
		INSERT INTO gerrydb_view_meta (view_id, namespace, path, valid_at, num_geos, projection)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.NamespaceID, v.Path, v.ValidAt.Format("2006-01-02T15:04:05Z"), v.NumGeos, v.Projection,
	); err != nil {
		return eris.Wrap(err, "render: insert view meta sidecar row")
	}

	geoIDs, err := c.layers.Members(ctx, v.OwnSetVersionID)
	if err != nil {
		return err
	}

	if err := c.injectGeoMeta(ctx, sdb, geoIDs); err != nil {
		return err
	}

	if v.GraphID != nil {
		if err := c.injectGraphEdges(ctx, sdb, *v.GraphID); err != nil {
			return err
		}
		if err := c.injectGraphNodeAreas(ctx, sdb, geoIDs); err != nil {
			return err
		}
	}

	if err := c.injectPlanAssignments(ctx, sdb, v.OwnSetVersionID, v.ValidAt); err != nil {
		return err
	}

	return nil
}

// injectGeoMeta populates the per-geography metadata row and the
// normalized, deduplicated xref of the distinct Meta objects those rows
// reference (one view frequently has many geographies sharing the same
// import's Meta).
func (c *Coordinator) injectGeoMeta(ctx context.Context, sdb *sql.DB, geoIDs []int64) error {
	rows, err := c.geos.CurrentMeta(ctx, geoIDs)
	if err != nil {
		return err
	}

	metaIDs := make([]int64, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, row := range rows {
		if !seen[row.MetaID] {
			seen[row.MetaID] = true
			metaIDs = append(metaIDs, row.MetaID)
		}
	}
	metas, err := c.metas.GetByIDs(ctx, metaIDs)
	if err != nil {
		return err
	}

	paths, err := c.geoPathsFor(ctx, geoIDs)
	if err != nil {
		return err
	}

	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "render: begin sidecar tx for geo meta")
	}
	defer tx.Rollback()

	for geoID, row := range rows {
		path := paths[geoID]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gerrydb_geo_meta (geo_path, meta_id, valid_from) VALUES (?, ?, ?)`,
			path, row.MetaID, row.ValidFrom.Format("2006-01-02T15:04:05Z"),
		); err != nil {
			return eris.Wrap(err, "render: insert geo meta sidecar row")
		}
	}

	for _, metaID := range metaIDs {
		m, ok := metas[metaID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gerrydb_geo_meta_xref (meta_id, uuid, author_id, notes, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.UUID.String(), m.AuthorID, m.Notes, m.CreatedAt.Format("2006-01-02T15:04:05Z"),
		); err != nil {
			return eris.Wrap(err, "render: insert geo meta xref sidecar row")
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "render: commit sidecar tx for geo meta")
	}
	return nil
}

func (c *Coordinator) injectGraphEdges(ctx context.Context, sdb *sql.DB, graphID int64) error {
	edges, err := c.graphs.Edges(ctx, graphID)
	if err != nil {
		return err
	}

	seen := make(map[int64]bool, len(edges)*2)
	var ids []int64
	for _, e := range edges {
		if !seen[e.Geo1] {
			seen[e.Geo1] = true
			ids = append(ids, e.Geo1)
		}
		if !seen[e.Geo2] {
			seen[e.Geo2] = true
			ids = append(ids, e.Geo2)
		}
	}
	paths, err := c.geoPathsFor(ctx, ids)
	if err != nil {
		return err
	}

	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "render: begin sidecar tx for graph edges")
	}
	defer tx.Rollback()

	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gerrydb_graph_edge (geo1_path, geo2_path, weights) VALUES (?, ?, ?)`,
			paths[e.Geo1], paths[e.Geo2], string(e.Weights),
		); err != nil {
			return eris.Wrap(err, "render: insert graph edge sidecar row")
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "render: commit sidecar tx for graph edges")
	}
	return nil
}

// injectGraphNodeAreas populates one row per graph vertex with the shape's
// area in square meters, computed by internal/geography via PostGIS
// ST_Area over a geography-typed cast of the stored shape.
func (c *Coordinator) injectGraphNodeAreas(ctx context.Context, sdb *sql.DB, geoIDs []int64) error {
	rows, err := c.geos.CurrentMeta(ctx, geoIDs)
	if err != nil {
		return err
	}

	paths, err := c.geoPathsFor(ctx, geoIDs)
	if err != nil {
		return err
	}

	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "render: begin sidecar tx for graph node areas")
	}
	defer tx.Rollback()

	for geoID, row := range rows {
		path := paths[geoID]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gerrydb_graph_node_area (geo_path, area_sq_m) VALUES (?, ?)`,
			path, row.AreaSqM,
		); err != nil {
			return eris.Wrap(err, "render: insert graph node area sidecar row")
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "render: commit sidecar tx for graph node areas")
	}
	return nil
}

// injectPlanAssignments creates gerrydb_plan_assignment with one TEXT
// column per plan pinned to geoSetVersionID and created at or before
// validAt (the assignment's district label) plus a geo_path key column,
// then fills it in one row per geography. The column set is dynamic, so
// the table can't live in the static sidecarMigration.
func (c *Coordinator) injectPlanAssignments(ctx context.Context, sdb *sql.DB, geoSetVersionID int64, validAt time.Time) error {
	plans, err := c.plans.ListBySetVersion(ctx, geoSetVersionID, validAt)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS gerrydb_plan_assignment (geo_path TEXT PRIMARY KEY")
	for _, p := range plans {
		b.WriteString(", ")
		b.WriteString(quoteSQLiteIdent(p.Path))
		b.WriteString(" TEXT")
	}
	b.WriteString(")")
	if _, err := sdb.ExecContext(ctx, b.String()); err != nil {
		return eris.Wrap(err, "render: create plan assignment sidecar table")
	}
	if len(plans) == 0 {
		return nil
	}

	byGeoPath := make(map[string]map[string]string, 64)
	for _, p := range plans {
		assignments, err := c.plans.Assignments(ctx, p.ID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(assignments))
		for geoID := range assignments {
			ids = append(ids, geoID)
		}
		paths, err := c.geoPathsFor(ctx, ids)
		if err != nil {
			return err
		}
		for geoID, label := range assignments {
			geoPath := paths[geoID]
			row, ok := byGeoPath[geoPath]
			if !ok {
				row = make(map[string]string, len(plans))
				byGeoPath[geoPath] = row
			}
			row[p.Path] = label
		}
	}

	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "render: begin sidecar tx for plan assignments")
	}
	defer tx.Rollback()

	for geoPath, labels := range byGeoPath {
		cols := []string{"geo_path"}
		placeholders := []string{"?"}
		args := []any{geoPath}
		for _, p := range plans {
			label, ok := labels[p.Path]
			if !ok {
				continue
			}
			cols = append(cols, quoteSQLiteIdent(p.Path))
			placeholders = append(placeholders, "?")
			args = append(args, label)
		}
		stmt := fmt.Sprintf("INSERT INTO gerrydb_plan_assignment (%s) VALUES (%s)",
			strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return eris.Wrap(err, "render: insert plan assignment sidecar row")
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "render: commit sidecar tx for plan assignments")
	}
	return nil
}

func (c *Coordinator) geoPath(ctx context.Context, geoID int64) (string, error) {
	var path string
	err := c.pool.QueryRow(ctx, `SELECT path FROM gerrydb.geography WHERE id = $1`, geoID).Scan(&path)
	if err != nil {
		return "", eris.Wrapf(err, "render: resolve geo path for %d", geoID)
	}
	return path, nil
}

// geoPathsFor resolves the path of every id in ids concurrently, bounded so
// a wide view doesn't open one connection per geography at once. The
// resulting map is built entirely before any caller touches the sidecar
// SQLite handle, since sqlite writes must stay single-threaded.
func (c *Coordinator) geoPathsFor(ctx context.Context, ids []int64) (map[int64]string, error) {
	paths := make(map[int64]string, len(ids))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			path, err := c.geoPath(gCtx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[id] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// quoteSQLiteIdent double-quotes name as a SQLite identifier, doubling any
// embedded quote, so a plan path can safely become a column name.
func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

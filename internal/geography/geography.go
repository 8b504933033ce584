// Package geography implements the content-addressed geometry store: every
// distinct shape lives once in GeoBin, keyed by an MD5 hash of its
// SRID-stamped WKB bytes, with bitemporal GeoVersion rows tracking which
// GeoBin a Geography currently points at.
package geography

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/gpath"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

// pgxTx is the transaction handle the internal helpers operate against.
type pgxTx = pgx.Tx

// Geography is one (namespace, path) shape-bearing object. Its shape
// evolves over time via GeoVersion rows, never by mutating this row.
type Geography struct {
	ID          int64
	NamespaceID int64
	Path        string
	MetaID      int64
}

// GeoBin is one physically distinct shape, stored once and never mutated.
type GeoBin struct {
	ID            int64
	Hash          string
	Shape         []byte
	InternalPoint []byte
}

// GeoVersion is one validity interval of a Geography's shape. ValidTo nil
// means this is the current version.
type GeoVersion struct {
	ID        int64
	GeoID     int64
	GeoBinID  int64
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Input is one geography to create or patch: Path identifies it, WKB and
// InternalPointWKB are raw (non-stamped) geometry bytes, and Kind selects
// the canonical empty shape used when WKB is empty.
type Input struct {
	Path             string
	WKB              []byte
	InternalPointWKB []byte
	Kind             Kind
}

// PartitionManager ensures a nested per-geography column_value partition
// exists under every column already defined in a namespace. Implemented by
// internal/column.PartitionManager; kept as an interface here so geography
// does not import column.
type PartitionManager interface {
	EnsureGeoPartitions(ctx context.Context, namespaceID, geoID int64) error
}

// Store persists geographies, GeoBins, and GeoVersions.
type Store struct {
	pool       db.Pool
	etags      *etag.Store
	partitions PartitionManager
}

// NewStore creates a geography Store.
func NewStore(pool db.Pool, etags *etag.Store) *Store {
	return &Store{pool: pool, etags: etags}
}

// WithPartitionManager attaches the column-value partition manager so that
// CreateBulk can open a nested per-geography partition under every existing
// column. Returns the Store for chaining.
func (s *Store) WithPartitionManager(pm PartitionManager) *Store {
	s.partitions = pm
	return s
}

// CreateBulk validates that no input path is duplicated or already present
// in namespaceID, inserts Geography rows, dedupes GeoBins by hash, opens one
// current GeoVersion per geography, and bumps the namespace's geographies
// ETag — all in a single transaction.
func (s *Store) CreateBulk(ctx context.Context, namespaceID int64, objs []Input, metaID int64) ([]Geography, error) {
	if len(objs) == 0 {
		return nil, nil
	}

	var badPaths []string
	for i := range objs {
		p, err := gpath.Normalize(objs[i].Path, true)
		if err != nil {
			badPaths = append(badPaths, objs[i].Path)
			continue
		}
		objs[i].Path = p
	}
	if len(badPaths) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.CreateBulk", Paths: badPaths}
	}

	seen := make(map[string]bool, len(objs))
	var dupPaths []string
	for _, o := range objs {
		if seen[o.Path] {
			dupPaths = append(dupPaths, o.Path)
		}
		seen[o.Path] = true
	}
	if len(dupPaths) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.CreateBulk", Paths: dupPaths}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "geography: create bulk: begin tx")
	}
	defer tx.Rollback(ctx)

	paths := make([]string, 0, len(objs))
	for _, o := range objs {
		paths = append(paths, o.Path)
	}
	existing, err := s.existingPaths(ctx, tx, namespaceID, paths)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.CreateBulk", Paths: existing}
	}

	canon := make([][]byte, len(objs))
	hashes := make([]string, len(objs))
	var parseFailures []string
	for i, o := range objs {
		c, err := Canonicalize(o.WKB, o.Kind)
		if err != nil {
			parseFailures = append(parseFailures, o.Path)
			continue
		}
		canon[i] = c
		hashes[i] = Hash(c)
	}
	if len(parseFailures) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.CreateBulk", Paths: parseFailures}
	}

	binIDs, err := s.ensureGeoBins(ctx, tx, hashes, canon, objs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var created []Geography
	for i, o := range objs {
		geo := Geography{NamespaceID: namespaceID, Path: o.Path, MetaID: metaID}
		if err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.geography (namespace_id, path, meta_id) VALUES ($1, $2, $3) RETURNING id`,
			geo.NamespaceID, geo.Path, geo.MetaID,
		).Scan(&geo.ID); err != nil {
			return nil, eris.Wrapf(err, "geography: create bulk: insert geography %s", o.Path)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.geo_version (geo_id, geo_bin_id, valid_from, valid_to) VALUES ($1, $2, $3, NULL)`,
			geo.ID, binIDs[hashes[i]], now,
		); err != nil {
			return nil, eris.Wrapf(err, "geography: create bulk: open geo version for %s", o.Path)
		}

		if s.partitions != nil {
			if err := s.partitions.EnsureGeoPartitions(ctx, namespaceID, geo.ID); err != nil {
				return nil, err
			}
		}

		created = append(created, geo)
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionGeographies, &namespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "geography: create bulk: commit tx")
	}
	return created, nil
}

// PatchBulk replaces the current shape of each named geography. A same-hash
// input is a no-op for that geography; otherwise the current GeoVersion is
// closed and a new one opened against the (possibly newly created) GeoBin.
// Replacing a non-empty shape with an empty one is rejected unless
// allowEmptyPolys is set.
func (s *Store) PatchBulk(ctx context.Context, namespaceID int64, objs []Input, allowEmptyPolys bool, metaID int64) error {
	if len(objs) == 0 {
		return nil
	}

	for i := range objs {
		p, err := gpath.Normalize(objs[i].Path, true)
		if err != nil {
			return &kernelerr.BulkError{Op: "geography.PatchBulk", Paths: []string{objs[i].Path}}
		}
		objs[i].Path = p
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "geography: patch bulk: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, o := range objs {
		var geoID, curBinID int64
		var curHash string
		err := tx.QueryRow(ctx, `
			SELECT g.id, gv.geo_bin_id, gb.hash
			FROM gerrydb.geography g
			JOIN gerrydb.geo_version gv ON gv.geo_id = g.id AND gv.valid_to IS NULL
			JOIN gerrydb.geo_bin gb ON gb.id = gv.geo_bin_id
			WHERE g.namespace_id = $1 AND g.path = $2`,
			namespaceID, o.Path,
		).Scan(&geoID, &curBinID, &curHash)
		if err != nil {
			return &kernelerr.NotFoundError{Resource: "geography", Key: o.Path}
		}

		canon, err := Canonicalize(o.WKB, o.Kind)
		if err != nil {
			return &kernelerr.BulkError{Op: "geography.PatchBulk", Paths: []string{o.Path}}
		}
		newHash := Hash(canon)
		if newHash == curHash {
			continue // same-shape input is a no-op
		}

		if len(o.WKB) == 0 && !allowEmptyPolys {
			return &kernelerr.InvariantError{Op: "geography.PatchBulk", Reason: "empty replacement for " + o.Path + " requires allow_empty_polys"}
		}

		binID, err := s.ensureGeoBin(ctx, tx, newHash, canon, o.InternalPointWKB)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE gerrydb.geo_version SET valid_to = $1 WHERE geo_id = $2 AND valid_to IS NULL`, now, geoID); err != nil {
			return eris.Wrapf(err, "geography: patch bulk: close version for %s", o.Path)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.geo_version (geo_id, geo_bin_id, valid_from, valid_to) VALUES ($1, $2, $3, NULL)`,
			geoID, binID, now,
		); err != nil {
			return eris.Wrapf(err, "geography: patch bulk: open version for %s", o.Path)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionGeographies, &namespaceID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "geography: patch bulk: commit tx")
	}
	return nil
}

// ForkBulk creates new Geography rows in targetNS whose current GeoVersion
// references the *existing* GeoBin for each (path, hash) pair in
// sourceNS — sharing shape bytes without copying them.
func (s *Store) ForkBulk(ctx context.Context, sourceNS, targetNS int64, pathHashes map[string]string, metaID int64) ([]Geography, error) {
	if len(pathHashes) == 0 {
		return nil, nil
	}

	normalized := make(map[string]string, len(pathHashes))
	seen := make(map[string]bool, len(pathHashes))
	var badPaths []string
	for path, hash := range pathHashes {
		p, err := gpath.Normalize(path, true)
		if err != nil || seen[p] {
			badPaths = append(badPaths, path)
			continue
		}
		seen[p] = true
		normalized[p] = hash
	}
	if len(badPaths) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.ForkBulk", Paths: badPaths}
	}
	pathHashes = normalized

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "geography: fork bulk: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var created []Geography
	var missing []string
	for path, hash := range pathHashes {
		var binID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM gerrydb.geo_bin WHERE hash = $1`, hash).Scan(&binID); err != nil {
			missing = append(missing, path)
			continue
		}

		geo := Geography{NamespaceID: targetNS, Path: path, MetaID: metaID}
		if err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.geography (namespace_id, path, meta_id) VALUES ($1, $2, $3) RETURNING id`,
			geo.NamespaceID, geo.Path, geo.MetaID,
		).Scan(&geo.ID); err != nil {
			return nil, eris.Wrapf(err, "geography: fork bulk: insert geography %s", path)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.geo_version (geo_id, geo_bin_id, valid_from, valid_to) VALUES ($1, $2, $3, NULL)`,
			geo.ID, binID, now,
		); err != nil {
			return nil, eris.Wrapf(err, "geography: fork bulk: open version for %s", path)
		}

		created = append(created, geo)
	}
	if len(missing) > 0 {
		return nil, &kernelerr.BulkError{Op: "geography.ForkBulk", Paths: missing}
	}
	_ = sourceNS // sourceNS scopes the hashes the caller is allowed to fork; validated by the caller's view of sourceNS membership

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionGeographies, &targetNS); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "geography: fork bulk: commit tx")
	}
	return created, nil
}

// CurrentMetaRow is one geography's current attribution and shape area, as
// returned by CurrentMeta.
type CurrentMetaRow struct {
	MetaID    int64
	ValidFrom time.Time
	AreaSqM   float64
}

// CurrentMeta returns, for every id in geoIDs, the owning Meta id, the
// current GeoVersion's ValidFrom, and the shape's area in square meters
// (via PostGIS ST_Area on a geography-typed cast of the stored shape).
// Used by the render coordinator to populate the GeoPackage geo-meta and
// graph-node-area sidecar tables.
func (s *Store) CurrentMeta(ctx context.Context, geoIDs []int64) (map[int64]CurrentMetaRow, error) {
	if len(geoIDs) == 0 {
		return map[int64]CurrentMetaRow{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.meta_id, gv.valid_from, ST_Area(gb.shape::geography)
		FROM gerrydb.geography g
		JOIN gerrydb.geo_version gv ON gv.geo_id = g.id AND gv.valid_to IS NULL
		JOIN gerrydb.geo_bin gb ON gb.id = gv.geo_bin_id
		WHERE g.id = ANY($1)`,
		geoIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "geography: load current meta for render sidecar")
	}
	defer rows.Close()

	out := make(map[int64]CurrentMetaRow, len(geoIDs))
	for rows.Next() {
		var id int64
		var row CurrentMetaRow
		if err := rows.Scan(&id, &row.MetaID, &row.ValidFrom, &row.AreaSqM); err != nil {
			return nil, eris.Wrap(err, "geography: scan current meta row")
		}
		out[id] = row
	}
	return out, rows.Err()
}

func (s *Store) existingPaths(ctx context.Context, tx pgxTx, namespaceID int64, paths []string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT path FROM gerrydb.geography WHERE namespace_id = $1 AND path = ANY($2)`, namespaceID, paths)
	if err != nil {
		return nil, eris.Wrap(err, "geography: lookup existing paths")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, eris.Wrap(err, "geography: scan existing path")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ensureGeoBins inserts whichever hashes in the batch don't already exist
// and returns the full hash-to-id map (pre-existing and newly inserted).
func (s *Store) ensureGeoBins(ctx context.Context, tx pgxTx, hashes []string, canon [][]byte, objs []Input) (map[string]int64, error) {
	ids := make(map[string]int64, len(hashes))

	uniq := make([]string, 0, len(hashes))
	seen := make(map[string]bool)
	for _, h := range hashes {
		if !seen[h] {
			seen[h] = true
			uniq = append(uniq, h)
		}
	}

	rows, err := tx.Query(ctx, `SELECT hash, id FROM gerrydb.geo_bin WHERE hash = ANY($1)`, uniq)
	if err != nil {
		return nil, eris.Wrap(err, "geography: lookup existing geo bins")
	}
	for rows.Next() {
		var h string
		var id int64
		if err := rows.Scan(&h, &id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "geography: scan geo bin")
		}
		ids[h] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i, h := range hashes {
		if _, ok := ids[h]; ok {
			continue
		}
		binID, err := s.ensureGeoBin(ctx, tx, h, canon[i], objs[i].InternalPointWKB)
		if err != nil {
			return nil, err
		}
		ids[h] = binID
	}

	return ids, nil
}

// ensureGeoBin inserts one GeoBin idempotently; duplicate-hash inserts are
// a no-op via ON CONFLICT DO NOTHING, then the row is read back for its id.
func (s *Store) ensureGeoBin(ctx context.Context, tx pgxTx, hash string, shape, internalPoint []byte) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.geo_bin (hash, shape, internal_point) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING RETURNING id`,
		hash, shape, internalPoint,
	).Scan(&id)
	if err == nil {
		return id, nil
	}

	if err := tx.QueryRow(ctx, `SELECT id FROM gerrydb.geo_bin WHERE hash = $1`, hash).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "geography: ensure geo bin %s", hash)
	}
	return id, nil
}

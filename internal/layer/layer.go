// Package layer implements GeoLayer creation and the locality-to-layer
// GeoSetVersion mapping algorithm.
package layer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

type pgxTx = pgx.Tx

// GeoLayer is one (namespace, path) layer of geography, e.g. "block" or
// "vtd".
type GeoLayer struct {
	ID          int64
	NamespaceID int64
	Path        string
	Description string
	SourceURL   string
	MetaID      int64
}

// GeoSetVersion is one validity interval of the set of geographies a
// (layer, locality) pair maps to.
type GeoSetVersion struct {
	ID          int64
	LayerID     int64
	LocalityID  int64
	NamespaceID int64
	ValidFrom   time.Time
	ValidTo     *time.Time
	// Notes is a free-text description of why this version superseded the
	// prior one, e.g. "block boundary correction from the 2025 shapefile".
	Notes  string
	MetaID int64
}

// Store persists layers and GeoSet mappings.
type Store struct {
	pool db.Pool
}

// NewStore creates a layer Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new GeoLayer.
func (s *Store) Create(ctx context.Context, namespaceID int64, path, description, sourceURL string, metaID int64) (*GeoLayer, error) {
	l := &GeoLayer{NamespaceID: namespaceID, Path: path, Description: description, SourceURL: sourceURL, MetaID: metaID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.geo_layer (namespace_id, path, description, source_url, meta_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		l.NamespaceID, l.Path, l.Description, l.SourceURL, l.MetaID,
	).Scan(&l.ID)
	if err != nil {
		return nil, eris.Wrap(err, "layer: create")
	}

	if _, err := etag.BumpTx(ctx, s.pool, etag.CollectionLayers, &namespaceID); err != nil {
		return nil, err
	}
	return l, nil
}

// MapLocality maps localityID to layerID over geoIDs, opening a new
// GeoSetVersion. All geoIDs must resolve to a single namespace (no
// cross-namespace GeoSets); if the prior current version has exactly the
// same geo-id set, this is a no-op and returns the prior version unchanged.
// notes describes why the new version supersedes the prior one; it is
// stored only on the newly opened version, never on a no-op return.
func (s *Store) MapLocality(ctx context.Context, layerID, localityID int64, geoIDs []int64, notes string, metaID int64) (*GeoSetVersion, error) {
	if len(geoIDs) == 0 {
		return nil, &kernelerr.InvariantError{Op: "layer.MapLocality", Reason: "empty geography set"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "layer: map locality: begin tx")
	}
	defer tx.Rollback(ctx)

	namespaceID, err := s.singleNamespace(ctx, tx, geoIDs)
	if err != nil {
		return nil, err
	}

	prior, priorMembers, err := s.currentVersion(ctx, tx, layerID, localityID)
	if err != nil {
		return nil, err
	}

	if prior != nil && sameMembership(priorMembers, geoIDs) {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "layer: map locality: commit no-op tx")
		}
		return prior, nil
	}

	now := time.Now().UTC()
	if prior != nil {
		if _, err := tx.Exec(ctx, `UPDATE gerrydb.geo_set_version SET valid_to = $1 WHERE id = $2`, now, prior.ID); err != nil {
			return nil, eris.Wrap(err, "layer: map locality: close prior version")
		}
	}

	next := &GeoSetVersion{LayerID: layerID, LocalityID: localityID, NamespaceID: namespaceID, ValidFrom: now, Notes: notes, MetaID: metaID}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.geo_set_version (layer_id, locality_id, namespace_id, valid_from, valid_to, notes, meta_id)
		VALUES ($1, $2, $3, $4, NULL, $5, $6) RETURNING id`,
		layerID, localityID, namespaceID, now, notes, metaID,
	).Scan(&next.ID); err != nil {
		return nil, eris.Wrap(err, "layer: map locality: insert new version")
	}

	for ord, geoID := range geoIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.geo_set_member (geo_set_version_id, geo_id, ordinal) VALUES ($1, $2, $3)`,
			next.ID, geoID, ord,
		); err != nil {
			return nil, eris.Wrapf(err, "layer: map locality: insert member %d", geoID)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionLayers, &namespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "layer: map locality: commit tx")
	}
	return next, nil
}

// GetByPath resolves the GeoLayer sharing path within namespaceID, used by
// the view composer to find "the same" layer across candidate namespaces.
func (s *Store) GetByPath(ctx context.Context, namespaceID int64, path string) (*GeoLayer, error) {
	l := &GeoLayer{NamespaceID: namespaceID, Path: path}
	err := s.pool.QueryRow(ctx, `
		SELECT id, description, source_url, meta_id FROM gerrydb.geo_layer WHERE namespace_id = $1 AND path = $2`,
		namespaceID, path,
	).Scan(&l.ID, &l.Description, &l.SourceURL, &l.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "geo_layer", Key: path}
	}
	return l, nil
}

// AsOfAny returns the GeoSetVersion current at t for (layerPath, localityID)
// in every namespace in candidateNS that defines a matching layer, keyed by
// namespace id. Used by the view composer to gather candidate sets across
// namespaces.
func (s *Store) AsOfAny(ctx context.Context, layerPath string, localityID int64, candidateNS []int64, t time.Time) (map[int64]*GeoSetVersion, error) {
	if len(candidateNS) == 0 {
		return map[int64]*GeoSetVersion{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT gsv.id, gsv.namespace_id, gsv.valid_from, gsv.valid_to
		FROM gerrydb.geo_set_version gsv
		JOIN gerrydb.geo_layer gl ON gl.id = gsv.layer_id
		WHERE gl.path = $1 AND gsv.locality_id = $2 AND gsv.namespace_id = ANY($3)
		  AND gsv.valid_from <= $4 AND (gsv.valid_to IS NULL OR gsv.valid_to > $4)`,
		layerPath, localityID, candidateNS, t,
	)
	if err != nil {
		return nil, eris.Wrap(err, "layer: resolve candidate geo set versions")
	}
	defer rows.Close()

	out := make(map[int64]*GeoSetVersion)
	for rows.Next() {
		v := &GeoSetVersion{LayerID: 0, LocalityID: localityID}
		if err := rows.Scan(&v.ID, &v.NamespaceID, &v.ValidFrom, &v.ValidTo); err != nil {
			return nil, eris.Wrap(err, "layer: scan candidate geo set version")
		}
		out[v.NamespaceID] = v
	}
	return out, rows.Err()
}

// Members returns the ordered geo ids belonging to geoSetVersionID.
func (s *Store) Members(ctx context.Context, geoSetVersionID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT geo_id FROM gerrydb.geo_set_member WHERE geo_set_version_id = $1 ORDER BY ordinal`, geoSetVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "layer: load geo set members")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "layer: scan member")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AsOf returns the GeoSetVersion current for (layerID, localityID) at t,
// i.e. the row with valid_from <= t < valid_to (or valid_to IS NULL).
func (s *Store) AsOf(ctx context.Context, layerID, localityID int64, t time.Time) (*GeoSetVersion, error) {
	v := &GeoSetVersion{LayerID: layerID, LocalityID: localityID}
	err := s.pool.QueryRow(ctx, `
		SELECT id, namespace_id, valid_from, valid_to FROM gerrydb.geo_set_version
		WHERE layer_id = $1 AND locality_id = $2 AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)`,
		layerID, localityID, t,
	).Scan(&v.ID, &v.NamespaceID, &v.ValidFrom, &v.ValidTo)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "geo_set_version", Key: "layer/locality as of time"}
	}
	return v, nil
}

func (s *Store) singleNamespace(ctx context.Context, tx pgxTx, geoIDs []int64) (int64, error) {
	rows, err := tx.Query(ctx, `SELECT DISTINCT namespace_id FROM gerrydb.geography WHERE id = ANY($1)`, geoIDs)
	if err != nil {
		return 0, eris.Wrap(err, "layer: resolve namespace for geographies")
	}
	defer rows.Close()

	var namespaceID int64
	count := 0
	for rows.Next() {
		if err := rows.Scan(&namespaceID); err != nil {
			return 0, eris.Wrap(err, "layer: scan namespace")
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if count != 1 {
		return 0, &kernelerr.InvariantError{Op: "layer.MapLocality", Reason: "geographies span more than one namespace"}
	}
	return namespaceID, nil
}

func (s *Store) currentVersion(ctx context.Context, tx pgxTx, layerID, localityID int64) (*GeoSetVersion, []int64, error) {
	v := &GeoSetVersion{LayerID: layerID, LocalityID: localityID}
	err := tx.QueryRow(ctx, `
		SELECT id, namespace_id, valid_from FROM gerrydb.geo_set_version
		WHERE layer_id = $1 AND locality_id = $2 AND valid_to IS NULL`,
		layerID, localityID,
	).Scan(&v.ID, &v.NamespaceID, &v.ValidFrom)
	if err != nil {
		return nil, nil, nil // no current version yet
	}

	rows, err := tx.Query(ctx, `SELECT geo_id FROM gerrydb.geo_set_member WHERE geo_set_version_id = $1 ORDER BY ordinal`, v.ID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "layer: load prior members")
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, nil, eris.Wrap(err, "layer: scan prior member")
		}
		members = append(members, id)
	}
	return v, members, rows.Err()
}

func sameMembership(prior, next []int64) bool {
	if len(prior) != len(next) {
		return false
	}
	priorSet := make(map[int64]bool, len(prior))
	for _, id := range prior {
		priorSet[id] = true
	}
	for _, id := range next {
		if !priorSet[id] {
			return false
		}
	}
	return true
}

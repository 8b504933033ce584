// Package graph implements Graph.create: an edge set over a GeoSetVersion's
// membership with unordered-pair uniqueness.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

type pgxTx = pgx.Tx

// Graph is one (namespace, path) edge set pinned to a GeoSetVersion.
// CreatedAt lets the view composer require that a graph attached to a view
// predate the view's valid_at.
type Graph struct {
	ID              int64
	NamespaceID     int64
	Path            string
	GeoSetVersionID int64
	CreatedAt       time.Time
	MetaID          int64
}

// Edge is one (geo1, geo2) pair with arbitrary JSON edge weights.
type Edge struct {
	Geo1    int64
	Geo2    int64
	Weights json.RawMessage
}

// Store persists graphs.
type Store struct {
	pool db.Pool
}

// NewStore creates a graph Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Create validates that every edge endpoint resolves to a geography in
// geoSetVersionID, reporting missing endpoints, then stores edges
// canonicalized so (a, b) and (b, a) collide on the same unique pair.
func (s *Store) Create(ctx context.Context, namespaceID int64, path string, geoSetVersionID int64, edges []Edge, metaID int64) (*Graph, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "graph: create: begin tx")
	}
	defer tx.Rollback(ctx)

	members, err := s.setMembers(ctx, tx, geoSetVersionID)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, e := range edges {
		if !members[e.Geo1] {
			missing = append(missing, fmt.Sprint(e.Geo1))
		}
		if !members[e.Geo2] {
			missing = append(missing, fmt.Sprint(e.Geo2))
		}
	}
	if len(missing) > 0 {
		return nil, &kernelerr.BulkError{Op: "graph.Create", Paths: missing}
	}

	g := &Graph{NamespaceID: namespaceID, Path: path, GeoSetVersionID: geoSetVersionID, CreatedAt: time.Now().UTC(), MetaID: metaID}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.graph (namespace_id, path, geo_set_version_id, created_at, meta_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		g.NamespaceID, g.Path, g.GeoSetVersionID, g.CreatedAt, g.MetaID,
	).Scan(&g.ID); err != nil {
		return nil, eris.Wrap(err, "graph: create: insert graph")
	}

	seen := make(map[[2]int64]bool, len(edges))
	for _, e := range edges {
		a, b := canonicalPair(e.Geo1, e.Geo2)
		if seen[[2]int64{a, b}] {
			continue // unordered-uniqueness: keep first occurrence
		}
		seen[[2]int64{a, b}] = true

		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.graph_edge (graph_id, geo1_id, geo2_id, weights) VALUES ($1, $2, $3, $4)`,
			g.ID, a, b, e.Weights,
		); err != nil {
			return nil, eris.Wrapf(err, "graph: create: insert edge %d-%d", a, b)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionGraphs, &namespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "graph: create: commit tx")
	}
	return g, nil
}

// Get resolves a Graph by (namespace, path), used by the view composer to
// validate a graph attached to a view.
func (s *Store) Get(ctx context.Context, namespaceID int64, path string) (*Graph, error) {
	g := &Graph{NamespaceID: namespaceID, Path: path}
	err := s.pool.QueryRow(ctx, `
		SELECT id, geo_set_version_id, created_at, meta_id FROM gerrydb.graph
		WHERE namespace_id = $1 AND path = $2`,
		namespaceID, path,
	).Scan(&g.ID, &g.GeoSetVersionID, &g.CreatedAt, &g.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "graph", Key: path}
	}
	return g, nil
}

// Edges returns every edge of graphID, used by the render coordinator to
// inject a gerrydb_graph_edge sidecar table.
func (s *Store) Edges(ctx context.Context, graphID int64) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT geo1_id, geo2_id, weights FROM gerrydb.graph_edge WHERE graph_id = $1`, graphID)
	if err != nil {
		return nil, eris.Wrapf(err, "graph: load edges for %d", graphID)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Geo1, &e.Geo2, &e.Weights); err != nil {
			return nil, eris.Wrap(err, "graph: scan edge")
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func canonicalPair(a, b int64) (int64, int64) {
	if a <= b {
		return a, b
	}
	return b, a
}

func (s *Store) setMembers(ctx context.Context, tx pgxTx, geoSetVersionID int64) (map[int64]bool, error) {
	rows, err := tx.Query(ctx, `SELECT geo_id FROM gerrydb.geo_set_member WHERE geo_set_version_id = $1`, geoSetVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "graph: load geo set members")
	}
	defer rows.Close()

	members := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "graph: scan member")
		}
		members[id] = true
	}
	return members, rows.Err()
}

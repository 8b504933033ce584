// Package etag implements the per-collection change registry: one UUID per
// (collection, namespace-or-null), rewritten on every mutation of its scope
// so callers can do conditional reads without recomputing a digest.
package etag

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
)

// Collection names one of the entity groups an ETag tracks. The kernel
// never stores arbitrary strings here, only these known collections.
type Collection string

const (
	CollectionNamespaces Collection = "namespaces"
	CollectionLocalities Collection = "localities"
	CollectionGeographies Collection = "geographies"
	CollectionLayers      Collection = "layers"
	CollectionColumns     Collection = "columns"
	CollectionColumnSets  Collection = "column_sets"
	CollectionPlans       Collection = "plans"
	CollectionGraphs      Collection = "graphs"
	CollectionViews       Collection = "views"
	CollectionRender      Collection = "render"
)

// Store upserts and reads ETags. A nil namespaceID means the collection's
// global tag (e.g. the namespace list itself).
type Store struct {
	pool db.Pool
}

// NewStore creates an ETag Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Bump rewrites the ETag for (collection, namespaceID) to a fresh UUID and
// returns it, issuing the upsert against the Store's own pool. Use this only
// when the caller has no open transaction of its own; a caller already
// holding a transaction must use BumpTx so the tag commits or rolls back
// with the mutation it marks.
func (s *Store) Bump(ctx context.Context, collection Collection, namespaceID *int64) (uuid.UUID, error) {
	return BumpTx(ctx, s.pool, collection, namespaceID)
}

// BumpTx rewrites the ETag for (collection, namespaceID) using exec — the
// caller's open transaction (pgx.Tx satisfies db.Pool) — so the bump is part
// of the same atomic unit as the mutation it tags and never outlives a
// rollback.
func BumpTx(ctx context.Context, exec db.Pool, collection Collection, namespaceID *int64) (uuid.UUID, error) {
	id := uuid.New()
	_, err := exec.Exec(ctx, `
		INSERT INTO gerrydb.etag (collection, namespace_id, tag)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, namespace_id) DO UPDATE SET tag = EXCLUDED.tag`,
		collection, namespaceID, id,
	)
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "etag: bump %s", collection)
	}
	return id, nil
}

// Get returns the current tag for (collection, namespaceID), or uuid.Nil if
// the collection has never been written.
func (s *Store) Get(ctx context.Context, collection Collection, namespaceID *int64) (uuid.UUID, error) {
	var tag uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT tag FROM gerrydb.etag WHERE collection = $1 AND namespace_id IS NOT DISTINCT FROM $2`,
		collection, namespaceID,
	).Scan(&tag)
	if err != nil {
		return uuid.Nil, nil
	}
	return tag, nil
}

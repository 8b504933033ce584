// Package namespace implements namespace creation, lookup, and the per-user
// namespace quota.
package namespace

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/authz"
	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

// DefaultQuota is the number of namespaces a non-admin user may create when
// no override row exists yet.
const DefaultQuota = 10

// Namespace is one top-level container for localities, geographies, and
// every object namespaced beneath them.
type Namespace struct {
	ID          int64
	Path        string
	Description string
	Public      bool
	MetaID      int64
}

// Store creates and reads namespaces.
type Store struct {
	pool   db.Pool
	grants *authz.Store
	etags  *etag.Store
}

// NewStore creates a namespace Store.
func NewStore(pool db.Pool, grants *authz.Store, etags *etag.Store) *Store {
	return &Store{pool: pool, grants: grants, etags: etags}
}

// Create normalizes path, enforces the creator's quota, inserts the
// namespace, bumps the namespaces ETag, and auto-grants the creator full
// scopes on it if they did not already hold namespace-level scopes there.
func (s *Store) Create(ctx context.Context, p authz.Principal, path, description string, public bool, metaID int64) (*Namespace, error) {
	normalized := strings.ToLower(strings.TrimSpace(path))
	if normalized == "" {
		return nil, &kernelerr.BadRequestError{Field: "path", Reason: "empty"}
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gerrydb.namespace WHERE path = $1)`, normalized).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "namespace: create: existence check")
	}
	if exists {
		return nil, &kernelerr.InvariantError{Op: "namespace.Create", Reason: "path already exists: " + normalized}
	}

	if !p.IsAdmin {
		count, err := s.countOwned(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		quota, err := s.quotaFor(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if count >= quota {
			return nil, &kernelerr.InvariantError{Op: "namespace.Create", Reason: "namespace quota exceeded"}
		}
	}

	ns := &Namespace{Path: normalized, Description: description, Public: public, MetaID: metaID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.namespace (path, description, public, owner_id, meta_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		normalized, description, public, p.UserID, metaID,
	).Scan(&ns.ID)
	if err != nil {
		return nil, eris.Wrap(err, "namespace: create: insert")
	}

	if _, err := s.etags.Bump(ctx, etag.CollectionNamespaces, nil); err != nil {
		return nil, err
	}

	if !p.Has(authz.ScopeNamespaceWrite, authz.Namespace{ID: ns.ID, Public: public}) {
		if err := s.grants.GrantContributorBundle(ctx, p.UserID, ns.ID); err != nil {
			return nil, err
		}
	}

	return ns, nil
}

// Get returns a namespace by path, or nil if it does not exist. The caller
// is responsible for the NotFound-vs-Forbidden leak guard.
func (s *Store) Get(ctx context.Context, path string) (*Namespace, error) {
	normalized := strings.ToLower(strings.TrimSpace(path))
	var ns Namespace
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, description, public, meta_id FROM gerrydb.namespace WHERE path = $1`,
		normalized,
	).Scan(&ns.ID, &ns.Path, &ns.Description, &ns.Public, &ns.MetaID)
	if err != nil {
		return nil, nil
	}
	return &ns, nil
}

// GetByID returns a namespace by id, or nil if it does not exist. Used by
// the view composer to check a cross-namespace template member's namespace
// for public-ness.
func (s *Store) GetByID(ctx context.Context, id int64) (*Namespace, error) {
	var ns Namespace
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, description, public, meta_id FROM gerrydb.namespace WHERE id = $1`,
		id,
	).Scan(&ns.ID, &ns.Path, &ns.Description, &ns.Public, &ns.MetaID)
	if err != nil {
		return nil, nil
	}
	return &ns, nil
}

// List returns every namespace readable by p, applying can_read_in_namespace
// (namespace:read, resolved per authz.Principal.Has) to each row.
func (s *Store) List(ctx context.Context, p authz.Principal) ([]Namespace, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, path, description, public, meta_id FROM gerrydb.namespace ORDER BY path`)
	if err != nil {
		return nil, eris.Wrap(err, "namespace: list")
	}
	defer rows.Close()

	var out []Namespace
	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.ID, &ns.Path, &ns.Description, &ns.Public, &ns.MetaID); err != nil {
			return nil, eris.Wrap(err, "namespace: list: scan")
		}
		if p.Has(authz.ScopeNamespaceRead, authz.Namespace{ID: ns.ID, Public: ns.Public}) {
			out = append(out, ns)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "namespace: list: iterate")
	}
	return out, nil
}

func (s *Store) countOwned(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM gerrydb.namespace WHERE owner_id = $1`, userID).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "namespace: count owned")
	}
	return n, nil
}

func (s *Store) quotaFor(ctx context.Context, userID int64) (int, error) {
	var quota int
	err := s.pool.QueryRow(ctx, `SELECT max_namespaces FROM gerrydb.namespace_quota WHERE user_id = $1`, userID).Scan(&quota)
	if err == nil {
		return quota, nil
	}

	// No quota row yet: create one lazily at the default and use it.
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO gerrydb.namespace_quota (user_id, max_namespaces) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, DefaultQuota); err != nil {
		return 0, eris.Wrap(err, "namespace: lazily create quota row")
	}
	return DefaultQuota, nil
}

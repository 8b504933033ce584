// Package meta implements the object-metadata ledger: every mutating
// kernel operation is tagged with a Meta record naming its author. Rows are
// write-once; nothing in this package ever issues an UPDATE.
package meta

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

// Meta is an immutable attribution record referenced by every mutation.
type Meta struct {
	ID        int64
	UUID      uuid.UUID
	AuthorID  int64
	Notes     string
	CreatedAt time.Time
}

// Store persists and retrieves Meta rows.
type Store struct {
	pool db.Pool
}

// NewStore creates a Meta Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Create writes a new Meta row authored by authorID and returns it.
func (s *Store) Create(ctx context.Context, authorID int64, notes string) (*Meta, error) {
	id := uuid.New()
	now := time.Now().UTC()

	var serial int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO gerrydb.meta (uuid, author_id, notes, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		id, authorID, notes, now,
	).Scan(&serial)
	if err != nil {
		return nil, eris.Wrap(err, "meta: create")
	}

	return &Meta{ID: serial, UUID: id, AuthorID: authorID, Notes: notes, CreatedAt: now}, nil
}

// Get loads a Meta row by its UUID. canReadOthers gates whether the caller
// may read a Meta authored by someone else (the meta:read scope).
func (s *Store) Get(ctx context.Context, id uuid.UUID, callerID int64, canReadOthers bool) (*Meta, error) {
	var m Meta
	err := s.pool.QueryRow(ctx,
		`SELECT id, uuid, author_id, notes, created_at FROM gerrydb.meta WHERE uuid = $1`,
		id,
	).Scan(&m.ID, &m.UUID, &m.AuthorID, &m.Notes, &m.CreatedAt)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "meta", Key: id.String()}
	}

	if m.AuthorID != callerID && !canReadOthers {
		return nil, &kernelerr.ForbiddenError{Scope: "meta:read"}
	}

	return &m, nil
}

// GetByIDs loads every Meta row in ids, keyed by its serial id. Used by the
// render coordinator to resolve the distinct Meta objects referenced by a
// view's geographies for the geo-meta-xref sidecar table.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) (map[int64]*Meta, error) {
	if len(ids) == 0 {
		return map[int64]*Meta{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, uuid, author_id, notes, created_at FROM gerrydb.meta WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "meta: get by ids")
	}
	defer rows.Close()

	out := make(map[int64]*Meta, len(ids))
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.UUID, &m.AuthorID, &m.Notes, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "meta: scan by ids")
		}
		out[m.ID] = &m
	}
	return out, rows.Err()
}

// MustBeAuthor validates that a previously-resolved Meta was authored by
// callerID, as required for every mutation ("Every mutation references a
// Meta whose author equals the acting user").
func MustBeAuthor(m *Meta, callerID int64) error {
	if m.AuthorID != callerID {
		return &kernelerr.InvariantError{Op: "meta.MustBeAuthor", Reason: "meta handle author does not match acting user"}
	}
	return nil
}

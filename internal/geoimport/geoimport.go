// Package geoimport implements the GeoImport record: a namespaced,
// UUID-addressed handle that every geography-mutating request must carry
// (the X-GerryDB-Geo-Import-ID header) so that a batch of geography
// creates/patches can be traced back to one upload event.
package geoimport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

// GeoImport is one namespaced upload event that geography mutations cite.
type GeoImport struct {
	ID          int64
	UUID        uuid.UUID
	NamespaceID int64
	UploaderID  int64
	CreatedAt   time.Time
}

// Store persists and resolves GeoImport handles.
type Store struct {
	pool db.Pool
}

// NewStore creates a GeoImport Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Create opens a new GeoImport in namespaceID owned by uploaderID.
func (s *Store) Create(ctx context.Context, namespaceID, uploaderID int64) (*GeoImport, error) {
	gi := &GeoImport{UUID: uuid.New(), NamespaceID: namespaceID, UploaderID: uploaderID, CreatedAt: time.Now().UTC()}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.geo_import (uuid, namespace_id, uploader_id, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		gi.UUID, gi.NamespaceID, gi.UploaderID, gi.CreatedAt,
	).Scan(&gi.ID); err != nil {
		return nil, eris.Wrap(err, "geoimport: create")
	}
	return gi, nil
}

// Get resolves id within namespaceID, requiring it be owned by uploaderID —
// the "Geo-Import-ID ... owned by the caller" requirement on every
// geography mutation.
func (s *Store) Get(ctx context.Context, id uuid.UUID, namespaceID, uploaderID int64) (*GeoImport, error) {
	var gi GeoImport
	err := s.pool.QueryRow(ctx, `
		SELECT id, uuid, namespace_id, uploader_id, created_at FROM gerrydb.geo_import
		WHERE uuid = $1 AND namespace_id = $2`,
		id, namespaceID,
	).Scan(&gi.ID, &gi.UUID, &gi.NamespaceID, &gi.UploaderID, &gi.CreatedAt)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "geo_import", Key: id.String()}
	}
	if gi.UploaderID != uploaderID {
		return nil, &kernelerr.ForbiddenError{Scope: "geo-import owner"}
	}
	return &gi, nil
}

// Package locality implements the locality forest: a single ref table
// mapping canonical paths and aliases onto locality rows, with optional
// parents forming a tree (not per-namespace — localities are a shared
// reference layer).
package locality

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/gpath"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

// NormalizeAlias validates path the same way every other kernel path is
// validated before it lands in locality_ref.
func NormalizeAlias(path string) (string, error) {
	return gpath.Normalize(path, false)
}

// Locality is one node in the forest.
type Locality struct {
	ID             int64
	CanonicalRefID int64
	ParentID       *int64
	DisplayName    string
	DefaultProj    string
	MetaID         int64
}

// Ref is one row of the path-to-locality table; IsCanonical distinguishes a
// locality's single canonical path from its (possibly many) aliases.
type Ref struct {
	ID          int64
	Path        string
	LocID       int64
	IsCanonical bool
}

// CreateInput describes one locality to create within a CreateBulk call.
type CreateInput struct {
	Path        string
	ParentPath  string // empty means no parent
	Aliases     []string
	DisplayName string
	DefaultProj string
}

// Store persists localities and their ref table.
type Store struct {
	pool db.Pool
}

// NewStore creates a locality Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// CreateBulk resolves every ParentPath in a single lookup, rejects dangling
// or unknown parents and duplicate canonical paths, then in one transaction
// creates canonical refs, locality rows, back-fills Ref.LocID, and inserts
// alias refs.
func (s *Store) CreateBulk(ctx context.Context, inputs []CreateInput, metaID int64) ([]Locality, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var badPaths []string
	for i := range inputs {
		p, err := gpath.Normalize(inputs[i].Path, false)
		if err != nil {
			badPaths = append(badPaths, inputs[i].Path)
			continue
		}
		inputs[i].Path = p

		if inputs[i].ParentPath != "" {
			pp, err := gpath.Normalize(inputs[i].ParentPath, false)
			if err != nil {
				badPaths = append(badPaths, inputs[i].ParentPath)
				continue
			}
			inputs[i].ParentPath = pp
		}

		for j, a := range inputs[i].Aliases {
			norm, err := NormalizeAlias(a)
			if err != nil {
				badPaths = append(badPaths, a)
				continue
			}
			inputs[i].Aliases[j] = norm
		}
	}
	if len(badPaths) > 0 {
		return nil, &kernelerr.BulkError{Op: "locality.CreateBulk", Paths: badPaths}
	}

	parentPaths := make(map[string]bool)
	newPaths := make(map[string]bool)
	for _, in := range inputs {
		if newPaths[in.Path] {
			return nil, &kernelerr.BulkError{Op: "locality.CreateBulk", Paths: []string{in.Path}}
		}
		newPaths[in.Path] = true
		if in.ParentPath != "" {
			parentPaths[in.ParentPath] = true
		}
		for _, a := range in.Aliases {
			newPaths[a] = true
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "locality: create bulk: begin tx")
	}
	defer tx.Rollback(ctx)

	existingRefs, err := s.existingRefs(ctx, tx, newPaths)
	if err != nil {
		return nil, err
	}
	if len(existingRefs) > 0 {
		var collided []string
		for p := range existingRefs {
			collided = append(collided, p)
		}
		return nil, &kernelerr.BulkError{Op: "locality.CreateBulk", Paths: collided}
	}

	parentIDs, err := s.resolveParents(ctx, tx, parentPaths)
	if err != nil {
		return nil, err
	}
	var dangling []string
	for p := range parentPaths {
		if _, ok := parentIDs[p]; !ok {
			dangling = append(dangling, p)
		}
	}
	if len(dangling) > 0 {
		return nil, &kernelerr.BulkError{Op: "locality.CreateBulk", Paths: dangling}
	}

	var created []Locality
	for _, in := range inputs {
		var refID int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO gerrydb.locality_ref (path, loc_id, is_canonical) VALUES ($1, NULL, TRUE) RETURNING id`,
			in.Path,
		).Scan(&refID); err != nil {
			return nil, eris.Wrapf(err, "locality: create bulk: canonical ref for %s", in.Path)
		}

		var parentID *int64
		if in.ParentPath != "" {
			id := parentIDs[in.ParentPath]
			parentID = &id
		}

		loc := Locality{CanonicalRefID: refID, ParentID: parentID, DisplayName: in.DisplayName, DefaultProj: in.DefaultProj, MetaID: metaID}
		if err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.locality (canonical_ref_id, parent_id, display_name, default_proj, meta_id)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			loc.CanonicalRefID, loc.ParentID, loc.DisplayName, loc.DefaultProj, loc.MetaID,
		).Scan(&loc.ID); err != nil {
			return nil, eris.Wrapf(err, "locality: create bulk: insert locality for %s", in.Path)
		}

		if _, err := tx.Exec(ctx, `UPDATE gerrydb.locality_ref SET loc_id = $1 WHERE id = $2`, loc.ID, refID); err != nil {
			return nil, eris.Wrapf(err, "locality: create bulk: backfill ref for %s", in.Path)
		}

		for _, alias := range in.Aliases {
			if _, err := tx.Exec(ctx,
				`INSERT INTO gerrydb.locality_ref (path, loc_id, is_canonical) VALUES ($1, $2, FALSE)`,
				alias, loc.ID,
			); err != nil {
				return nil, eris.Wrapf(err, "locality: create bulk: alias %s for %s", alias, in.Path)
			}
		}

		created = append(created, loc)
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionLocalities, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "locality: create bulk: commit tx")
	}
	return created, nil
}

// AddAliases adds new aliases to an existing locality, skipping any alias
// path that already resolves to this same locality. An alias path that
// resolves to a *different* locality is an invariant violation: removal is
// never supported, so paths never move between localities.
func (s *Store) AddAliases(ctx context.Context, locID int64, aliases []string) error {
	if len(aliases) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "locality: add aliases: begin tx")
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, raw := range aliases {
		alias, err := NormalizeAlias(raw)
		if err != nil {
			return err
		}
		var existingLocID int64
		err = tx.QueryRow(ctx, `SELECT loc_id FROM gerrydb.locality_ref WHERE path = $1`, alias).Scan(&existingLocID)
		if err == nil {
			if existingLocID != locID {
				return &kernelerr.InvariantError{Op: "locality.AddAliases", Reason: "alias " + alias + " already bound to a different locality"}
			}
			continue // idempotent skip
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO gerrydb.locality_ref (path, loc_id, is_canonical) VALUES ($1, $2, FALSE)`,
			alias, locID,
		); err != nil {
			return eris.Wrapf(err, "locality: add aliases: insert %s", alias)
		}
		inserted++
	}

	if inserted > 0 {
		if _, err := etag.BumpTx(ctx, tx, etag.CollectionLocalities, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "locality: add aliases: commit tx")
	}
	return nil
}

// Get loads a Locality by id, used by the render coordinator's default_proj
// fallback chain (view projection -> locality default_proj -> none).
func (s *Store) Get(ctx context.Context, id int64) (*Locality, error) {
	loc := &Locality{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT canonical_ref_id, parent_id, display_name, default_proj, meta_id FROM gerrydb.locality WHERE id = $1`,
		id,
	).Scan(&loc.CanonicalRefID, &loc.ParentID, &loc.DisplayName, &loc.DefaultProj, &loc.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "locality", Key: fmt.Sprint(id)}
	}
	return loc, nil
}

func (s *Store) existingRefs(ctx context.Context, tx pgx.Tx, paths map[string]bool) (map[string]bool, error) {
	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	rows, err := tx.Query(ctx, `SELECT path FROM gerrydb.locality_ref WHERE path = ANY($1)`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "locality: lookup existing refs")
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, eris.Wrap(err, "locality: scan existing ref")
		}
		found[p] = true
	}
	return found, rows.Err()
}

func (s *Store) resolveParents(ctx context.Context, tx pgx.Tx, parentPaths map[string]bool) (map[string]int64, error) {
	if len(parentPaths) == 0 {
		return map[string]int64{}, nil
	}
	keys := make([]string, 0, len(parentPaths))
	for p := range parentPaths {
		keys = append(keys, p)
	}
	rows, err := tx.Query(ctx, `SELECT path, loc_id FROM gerrydb.locality_ref WHERE path = ANY($1) AND loc_id IS NOT NULL`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "locality: resolve parents")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var p string
		var id int64
		if err := rows.Scan(&p, &id); err != nil {
			return nil, eris.Wrap(err, "locality: scan parent")
		}
		out[p] = id
	}
	return out, rows.Err()
}

// Package plan implements Plan.create: a geo-to-district assignment pinned
// to a GeoSetVersion.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/kernelerr"
)

type pgxTx = pgx.Tx

// Plan is one (namespace, path) assignment of every geography in a
// GeoSetVersion to a district label.
type Plan struct {
	ID              int64
	NamespaceID     int64
	Path            string
	GeoSetVersionID int64
	NumDistricts    int
	Complete        bool
	CreatedAt       time.Time
	MetaID          int64
}

// MaxPlansPerLayerLocality bounds how many plans may exist for one
// (namespace, layer, locality) combination.
const MaxPlansPerLayerLocality = 500

// Store persists plans.
type Store struct {
	pool db.Pool
}

// NewStore creates a plan Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Create validates assignments against geoSetVersionID's membership,
// enforces the per-(namespace, layer, locality) plan-count quota, computes
// num_districts and complete, and inserts the Plan with its assignment rows.
func (s *Store) Create(ctx context.Context, namespaceID int64, path string, geoSetVersionID, layerID, localityID int64, assignments map[int64]string, metaID int64) (*Plan, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "plan: create: begin tx")
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM gerrydb.plan p
		JOIN gerrydb.geo_set_version gsv ON gsv.id = p.geo_set_version_id
		WHERE p.namespace_id = $1 AND gsv.layer_id = $2 AND gsv.locality_id = $3`,
		namespaceID, layerID, localityID,
	).Scan(&count); err != nil {
		return nil, eris.Wrap(err, "plan: create: count existing plans")
	}
	if count >= MaxPlansPerLayerLocality {
		return nil, &kernelerr.InvariantError{Op: "plan.Create", Reason: "plan quota exceeded for this layer/locality"}
	}

	memberIDs, err := s.setMembers(ctx, tx, geoSetVersionID)
	if err != nil {
		return nil, err
	}

	var extra []string
	for geoID := range assignments {
		if !memberIDs[geoID] {
			extra = append(extra, fmt.Sprint(geoID))
		}
	}
	if len(extra) > 0 {
		return nil, &kernelerr.BulkError{Op: "plan.Create", Paths: extra}
	}

	labels := make(map[string]bool)
	for _, label := range assignments {
		labels[label] = true
	}

	p := &Plan{
		NamespaceID:     namespaceID,
		Path:            path,
		GeoSetVersionID: geoSetVersionID,
		NumDistricts:    len(labels),
		Complete:        len(assignments) == len(memberIDs),
		CreatedAt:       time.Now().UTC(),
		MetaID:          metaID,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.plan (namespace_id, path, geo_set_version_id, num_districts, complete, created_at, meta_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.NamespaceID, p.Path, p.GeoSetVersionID, p.NumDistricts, p.Complete, p.CreatedAt, p.MetaID,
	).Scan(&p.ID); err != nil {
		return nil, eris.Wrap(err, "plan: create: insert plan")
	}

	for geoID, label := range assignments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.plan_assignment (plan_id, geo_id, label) VALUES ($1, $2, $3)`,
			p.ID, geoID, label,
		); err != nil {
			return nil, eris.Wrapf(err, "plan: create: insert assignment for geo %d", geoID)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionPlans, &namespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "plan: create: commit tx")
	}
	return p, nil
}

// ListBySetVersion returns every Plan pinned to geoSetVersionID that was
// created at or before validAt, used by the render coordinator to inject a
// gerrydb_plan_assignment sidecar table. A plan created after a view's
// snapshot timestamp is not visible to that view.
func (s *Store) ListBySetVersion(ctx context.Context, geoSetVersionID int64, validAt time.Time) ([]Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace_id, path, num_districts, complete, created_at, meta_id
		FROM gerrydb.plan WHERE geo_set_version_id = $1 AND created_at <= $2`, geoSetVersionID, validAt)
	if err != nil {
		return nil, eris.Wrap(err, "plan: list by set version")
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p := Plan{GeoSetVersionID: geoSetVersionID}
		if err := rows.Scan(&p.ID, &p.NamespaceID, &p.Path, &p.NumDistricts, &p.Complete, &p.CreatedAt, &p.MetaID); err != nil {
			return nil, eris.Wrap(err, "plan: scan plan")
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Assignments returns planID's geo-to-label map, used by the render
// coordinator's sidecar injection.
func (s *Store) Assignments(ctx context.Context, planID int64) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT geo_id, label FROM gerrydb.plan_assignment WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: load assignments for %d", planID)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var geoID int64
		var label string
		if err := rows.Scan(&geoID, &label); err != nil {
			return nil, eris.Wrap(err, "plan: scan assignment")
		}
		out[geoID] = label
	}
	return out, rows.Err()
}

func (s *Store) setMembers(ctx context.Context, tx pgxTx, geoSetVersionID int64) (map[int64]bool, error) {
	rows, err := tx.Query(ctx, `SELECT geo_id FROM gerrydb.geo_set_member WHERE geo_set_version_id = $1`, geoSetVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "plan: load geo set members")
	}
	defer rows.Close()

	members := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "plan: scan member")
		}
		members[id] = true
	}
	return members, rows.Err()
}

// Package view implements ViewTemplate/ViewTemplateVersion and the View
// composer: resolving a consistent cross-namespace snapshot of geographies
// and column values pinned at a timestamp, and building the SQL render plan
// the coordinator hands to the external bulk extractor.
package view

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/mggg/gerrydb/internal/column"
	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/graph"
	"github.com/mggg/gerrydb/internal/kernelerr"
	"github.com/mggg/gerrydb/internal/layer"
	"github.com/mggg/gerrydb/internal/namespace"
)

// ViewTemplate is one (namespace, path) named, versioned column selection.
type ViewTemplate struct {
	ID          int64
	NamespaceID int64
	Path        string
	MetaID      int64
}

// Member is one ordered member of a ViewTemplateVersion: exactly one of
// ColumnID or ColumnSetID is set.
type Member struct {
	ColumnID    *int64
	ColumnSetID *int64
}

// ViewTemplateVersion is one bitemporal version of a template's membership.
// ValidTo nil means this is the current version.
type ViewTemplateVersion struct {
	ID         int64
	TemplateID int64
	ValidFrom  time.Time
	ValidTo    *time.Time
	Members    []Member
	MetaID     int64
}

// View is an immutable snapshot of a template's expanded columns over a
// (locality, layer) GeoSetVersion, pinned at ValidAt.
type View struct {
	ID                int64
	NamespaceID       int64
	Path              string
	TemplateVersionID int64
	LocalityID        int64
	LayerPath         string
	GraphID           *int64
	ValidAt           time.Time
	NumGeos           int
	Projection        string
	MetaID            int64

	// AcceptedSetVersions is the ViewGeoSetVersions link: every
	// GeoSetVersion id (across namespaces) whose membership matched the
	// view-namespace set at resolution time.
	AcceptedSetVersions []int64
	// OwnSetVersionID is the derived convenience scalar — the accepted set
	// in the view's own namespace — never stored independently.
	OwnSetVersionID int64
}

// ColumnAlias pairs a resolved column with the human-readable name the
// render plan emits it under, and the data it needs for column ordering and
// value-slot selection.
type ColumnAlias struct {
	ColumnID int64
	Alias    string
	Kind     column.Kind
	Type     column.ValueType
}

// ResolveRequest is the input to Resolve.
type ResolveRequest struct {
	NamespaceID  int64
	Path         string
	TemplateID   int64
	LocalityID   int64
	LayerPath    string
	GraphPath    string // empty means no graph attached
	ValidAt      time.Time
	Projection   string
	MetaID       int64
}

// Store persists view templates, versions, and views.
type Store struct {
	pool       db.Pool
	columns    *column.Store
	layers     *layer.Store
	graphs     *graph.Store
	etags      *etag.Store
	namespaces *namespace.Store
}

// NewStore creates a view Store.
func NewStore(pool db.Pool, columns *column.Store, layers *layer.Store, graphs *graph.Store, etags *etag.Store, namespaces *namespace.Store) *Store {
	return &Store{pool: pool, columns: columns, layers: layers, graphs: graphs, etags: etags, namespaces: namespaces}
}

// CreateTemplate inserts a new, empty ViewTemplate.
func (s *Store) CreateTemplate(ctx context.Context, namespaceID int64, path string, metaID int64) (*ViewTemplate, error) {
	t := &ViewTemplate{NamespaceID: namespaceID, Path: path, MetaID: metaID}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.view_template (namespace_id, path, meta_id) VALUES ($1, $2, $3) RETURNING id`,
		namespaceID, path, metaID,
	).Scan(&t.ID); err != nil {
		return nil, eris.Wrap(err, "view: create template")
	}

	if _, err := etag.BumpTx(ctx, s.pool, etag.CollectionViews, &namespaceID); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTemplateVersion closes the template's current version (if any) and
// opens a new one with the given ordered members — the "current version
// pointer; superseded by new version" lifecycle.
func (s *Store) CreateTemplateVersion(ctx context.Context, templateID int64, members []Member, metaID int64) (*ViewTemplateVersion, error) {
	if len(members) == 0 {
		return nil, &kernelerr.InvariantError{Op: "view.CreateTemplateVersion", Reason: "empty member list"}
	}
	for _, m := range members {
		if (m.ColumnID == nil) == (m.ColumnSetID == nil) {
			return nil, &kernelerr.InvariantError{Op: "view.CreateTemplateVersion", Reason: "member must set exactly one of column or column set"}
		}
	}

	var templateNamespaceID int64
	if err := s.pool.QueryRow(ctx, `SELECT namespace_id FROM gerrydb.view_template WHERE id = $1`, templateID).Scan(&templateNamespaceID); err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "view_template", Key: fmt.Sprintf("%d", templateID)}
	}

	for _, m := range members {
		var memberNamespaceID int64
		if m.ColumnID != nil {
			col, err := s.columns.Get(ctx, *m.ColumnID)
			if err != nil {
				return nil, err
			}
			memberNamespaceID = col.NamespaceID
		} else {
			ns, err := s.columns.SetNamespace(ctx, *m.ColumnSetID)
			if err != nil {
				return nil, err
			}
			memberNamespaceID = ns
		}
		if memberNamespaceID == templateNamespaceID {
			continue
		}

		memberNS, err := s.namespaces.GetByID(ctx, memberNamespaceID)
		if err != nil {
			return nil, err
		}
		if memberNS == nil || !memberNS.Public {
			return nil, &kernelerr.InvariantError{
				Op:     "view.CreateTemplateVersion",
				Reason: "cannot create cross-namespace reference to an object in a private namespace",
			}
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "view: create template version: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE gerrydb.view_template_version SET valid_to = $1 WHERE template_id = $2 AND valid_to IS NULL`,
		now, templateID,
	); err != nil {
		return nil, eris.Wrap(err, "view: create template version: close prior")
	}

	v := &ViewTemplateVersion{TemplateID: templateID, ValidFrom: now, Members: members, MetaID: metaID}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.view_template_version (template_id, valid_from, valid_to, meta_id)
		VALUES ($1, $2, NULL, $3) RETURNING id`,
		templateID, now, metaID,
	).Scan(&v.ID); err != nil {
		return nil, eris.Wrap(err, "view: create template version: insert version")
	}

	for ord, m := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.view_template_member (template_version_id, ordinal, column_id, column_set_id)
			VALUES ($1, $2, $3, $4)`,
			v.ID, ord, m.ColumnID, m.ColumnSetID,
		); err != nil {
			return nil, eris.Wrapf(err, "view: create template version: insert member %d", ord)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionViews, &templateNamespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "view: create template version: commit tx")
	}
	return v, nil
}

// CurrentTemplateVersion resolves the ViewTemplateVersion whose validity
// interval covers validAt for templateID.
func (s *Store) CurrentTemplateVersion(ctx context.Context, templateID int64, validAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM gerrydb.view_template_version
		WHERE template_id = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)`,
		templateID, validAt,
	).Scan(&id)
	if err != nil {
		return 0, &kernelerr.NotFoundError{Resource: "view_template_version", Key: fmt.Sprintf("template %d as of %s", templateID, validAt)}
	}
	return id, nil
}

// ExpandMembers expands a template version's members into a deduplicated,
// order-preserving list of column ids.
func (s *Store) ExpandMembers(ctx context.Context, templateVersionID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_id, column_set_id FROM gerrydb.view_template_member
		WHERE template_version_id = $1 ORDER BY ordinal`, templateVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "view: expand members: query")
	}
	defer rows.Close()

	var raw []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ColumnID, &m.ColumnSetID); err != nil {
			return nil, eris.Wrap(err, "view: expand members: scan")
		}
		raw = append(raw, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var colIDs []int64
	addCol := func(id int64) {
		if !seen[id] {
			seen[id] = true
			colIDs = append(colIDs, id)
		}
	}
	for _, m := range raw {
		if m.ColumnID != nil {
			addCol(*m.ColumnID)
			continue
		}
		setCols, err := s.columns.ExpandSets(ctx, *m.ColumnSetID)
		if err != nil {
			return nil, err
		}
		for _, id := range setCols {
			addCol(id)
		}
	}
	return colIDs, nil
}

// buildAliases assigns each column id its render alias: the bare canonical
// path if unique among colIDs, namespace__path if ambiguous.
func (s *Store) buildAliases(ctx context.Context, colIDs []int64) ([]ColumnAlias, error) {
	type resolved struct {
		nsPath, path string
	}
	byID := make(map[int64]resolved, len(colIDs))
	pathCount := make(map[string]int, len(colIDs))
	for _, id := range colIDs {
		nsPath, path, err := s.columns.ColumnPath(ctx, id)
		if err != nil {
			return nil, err
		}
		byID[id] = resolved{nsPath: nsPath, path: path}
		pathCount[path]++
	}

	out := make([]ColumnAlias, 0, len(colIDs))
	for _, id := range colIDs {
		col, err := s.columns.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r := byID[id]
		alias := r.path
		if pathCount[r.path] > 1 {
			alias = r.nsPath + "__" + r.path
		}
		out = append(out, ColumnAlias{ColumnID: id, Alias: alias, Kind: col.Kind, Type: col.Type})
	}
	return out, nil
}

// Resolve runs the full view-resolution algorithm: it
// expands the template, gathers candidate GeoSetVersions for (layer,
// locality) across every namespace that owns an expanded column, requires
// the view-namespace's own set to exist, fans out a geometry-hash
// comparison against every other candidate, checks column coverage over
// the unioned membership of every accepted set, and validates an attached
// graph — then inserts the View and its ViewGeoSetVersions link rows.
func (s *Store) Resolve(ctx context.Context, req ResolveRequest) (*View, error) {
	now := time.Now().UTC()
	if req.ValidAt.After(now) {
		return nil, &kernelerr.InvariantError{Op: "view.Resolve", Reason: "valid_at is in the future"}
	}

	templateVersionID, err := s.CurrentTemplateVersion(ctx, req.TemplateID, req.ValidAt)
	if err != nil {
		return nil, err
	}

	colIDs, err := s.ExpandMembers(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	aliases, err := s.buildAliases(ctx, colIDs)
	if err != nil {
		return nil, err
	}

	colNamespaces := make(map[int64][]int64) // namespace id -> column ids in that namespace
	nsSet := make(map[int64]bool)
	for _, id := range colIDs {
		col, err := s.columns.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		colNamespaces[col.NamespaceID] = append(colNamespaces[col.NamespaceID], id)
		nsSet[col.NamespaceID] = true
	}
	nsSet[req.NamespaceID] = true

	candidateNS := make([]int64, 0, len(nsSet))
	for id := range nsSet {
		candidateNS = append(candidateNS, id)
	}

	candidates, err := s.layers.AsOfAny(ctx, req.LayerPath, req.LocalityID, candidateNS, req.ValidAt)
	if err != nil {
		return nil, err
	}

	ownSet, ok := candidates[req.NamespaceID]
	if !ok {
		return nil, &kernelerr.NotFoundError{Resource: "geo_set_version", Key: fmt.Sprintf("%s in namespace %d as of %s", req.LayerPath, req.NamespaceID, req.ValidAt)}
	}

	ownMembers, err := s.layers.Members(ctx, ownSet.ID)
	if err != nil {
		return nil, err
	}
	ownShapes, err := s.shapeFingerprint(ctx, ownSet.ID, req.ValidAt)
	if err != nil {
		return nil, err
	}

	accepted := []int64{ownSet.ID}
	aliasByID := make(map[int64]string, len(aliases))
	for _, a := range aliases {
		aliasByID[a.ColumnID] = a.Alias
	}

	var collected conflictCollector
	g, gCtx := errgroup.WithContext(ctx)
	for nsID, candidate := range candidates {
		if nsID == req.NamespaceID {
			continue
		}
		nsID, candidate := nsID, candidate
		g.Go(func() error {
			otherShapes, err := s.shapeFingerprint(gCtx, candidate.ID, req.ValidAt)
			if err != nil {
				return err
			}
			if !sameShapes(ownShapes, otherShapes) {
				var conflicted []string
				for _, colID := range colNamespaces[nsID] {
					if alias, ok := aliasByID[colID]; ok {
						conflicted = append(conflicted, alias)
					}
				}
				collected.addConflict(conflicted)
				return nil
			}
			collected.acceptSet(candidate.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(collected.conflictedColumns) > 0 {
		return nil, &kernelerr.ViewConflictError{Columns: collected.conflictedColumns}
	}
	accepted = append(accepted, collected.acceptedSets...)

	// Coverage is counted over the union of every accepted set's members:
	// a foreign column's values are keyed to its own namespace's geography
	// rows, which share shapes with the view namespace's but not ids.
	unionMembers := append([]int64(nil), ownMembers...)
	inUnion := make(map[int64]bool, len(ownMembers))
	for _, geoID := range ownMembers {
		inUnion[geoID] = true
	}
	for _, setID := range collected.acceptedSets {
		members, err := s.layers.Members(ctx, setID)
		if err != nil {
			return nil, err
		}
		for _, geoID := range members {
			if !inUnion[geoID] {
				inUnion[geoID] = true
				unionMembers = append(unionMembers, geoID)
			}
		}
	}

	for _, id := range colIDs {
		n, err := s.columns.OpenValueCount(ctx, id, unionMembers, req.ValidAt)
		if err != nil {
			return nil, err
		}
		if n != len(ownMembers) {
			_, path, _ := s.columns.ColumnPath(ctx, id)
			return nil, &kernelerr.InvariantError{Op: "view.Resolve", Reason: fmt.Sprintf("column %s: expected %d values, found %d", path, len(ownMembers), n)}
		}
	}

	var graphID *int64
	if req.GraphPath != "" {
		g, err := s.graphs.Get(ctx, req.NamespaceID, req.GraphPath)
		if err != nil {
			return nil, err
		}
		if g.GeoSetVersionID != ownSet.ID {
			return nil, &kernelerr.InvariantError{Op: "view.Resolve", Reason: "graph does not point at the view namespace's geo set version"}
		}
		if !g.CreatedAt.Before(req.ValidAt) {
			return nil, &kernelerr.InvariantError{Op: "view.Resolve", Reason: "graph was created after valid_at"}
		}
		graphID = &g.ID
	}

	v := &View{
		NamespaceID:         req.NamespaceID,
		Path:                req.Path,
		TemplateVersionID:   templateVersionID,
		LocalityID:          req.LocalityID,
		LayerPath:           req.LayerPath,
		GraphID:             graphID,
		ValidAt:             req.ValidAt,
		NumGeos:             len(ownMembers),
		Projection:          req.Projection,
		MetaID:              req.MetaID,
		AcceptedSetVersions: accepted,
		OwnSetVersionID:     ownSet.ID,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "view: resolve: begin tx")
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.view (namespace_id, path, template_version_id, locality_id, layer_path, graph_id, valid_at, num_geos, projection, meta_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		v.NamespaceID, v.Path, v.TemplateVersionID, v.LocalityID, v.LayerPath, v.GraphID, v.ValidAt, v.NumGeos, v.Projection, v.MetaID,
	).Scan(&v.ID); err != nil {
		return nil, eris.Wrap(err, "view: resolve: insert view")
	}

	for _, setID := range accepted {
		if _, err := tx.Exec(ctx, `
			INSERT INTO gerrydb.view_geo_set_version (view_id, geo_set_version_id) VALUES ($1, $2)`,
			v.ID, setID,
		); err != nil {
			return nil, eris.Wrapf(err, "view: resolve: link set version %d", setID)
		}
	}

	if _, err := etag.BumpTx(ctx, tx, etag.CollectionViews, &req.NamespaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "view: resolve: commit tx")
	}
	return v, nil
}

// GetByPath loads a previously-resolved View and its ViewGeoSetVersions
// link rows — the association table is the source of truth for accepted
// sets. OwnSetVersionID is recomputed here as the view namespace's
// GeoSetVersion current at ValidAt; it is not checked against the link rows.
func (s *Store) GetByPath(ctx context.Context, namespaceID int64, path string) (*View, error) {
	v := &View{NamespaceID: namespaceID, Path: path}
	err := s.pool.QueryRow(ctx, `
		SELECT id, template_version_id, locality_id, layer_path, graph_id, valid_at, num_geos, projection, meta_id
		FROM gerrydb.view WHERE namespace_id = $1 AND path = $2`,
		namespaceID, path,
	).Scan(&v.ID, &v.TemplateVersionID, &v.LocalityID, &v.LayerPath, &v.GraphID, &v.ValidAt, &v.NumGeos, &v.Projection, &v.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "view", Key: path}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT geo_set_version_id FROM gerrydb.view_geo_set_version WHERE view_id = $1`, v.ID)
	if err != nil {
		return nil, eris.Wrap(err, "view: get: query accepted sets")
	}
	defer rows.Close()
	for rows.Next() {
		var setID int64
		if err := rows.Scan(&setID); err != nil {
			return nil, eris.Wrap(err, "view: get: scan accepted set")
		}
		v.AcceptedSetVersions = append(v.AcceptedSetVersions, setID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	candidates, err := s.layers.AsOfAny(ctx, v.LayerPath, v.LocalityID, []int64{v.NamespaceID}, v.ValidAt)
	if err != nil {
		return nil, err
	}
	ownSet, ok := candidates[v.NamespaceID]
	if !ok {
		return nil, &kernelerr.NotFoundError{Resource: "geo_set_version", Key: fmt.Sprintf("%s in namespace %d as of %s", v.LayerPath, v.NamespaceID, v.ValidAt)}
	}
	v.OwnSetVersionID = ownSet.ID
	return v, nil
}

// shapeFingerprint builds the (geo path -> geometry hash) multiset for a
// GeoSetVersion's current-at-validAt shapes, the comparison key for
// cross-namespace geometry compatibility.
func (s *Store) shapeFingerprint(ctx context.Context, geoSetVersionID int64, validAt time.Time) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.path, gb.hash
		FROM gerrydb.geo_set_member gsm
		JOIN gerrydb.geography g ON g.id = gsm.geo_id
		JOIN gerrydb.geo_version gv ON gv.geo_id = g.id AND gv.valid_from <= $2 AND (gv.valid_to IS NULL OR gv.valid_to > $2)
		JOIN gerrydb.geo_bin gb ON gb.id = gv.geo_bin_id
		WHERE gsm.geo_set_version_id = $1`,
		geoSetVersionID, validAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "view: shape fingerprint for set %d", geoSetVersionID)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, eris.Wrap(err, "view: scan shape fingerprint row")
		}
		out[path] = hash
	}
	return out, rows.Err()
}

func sameShapes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for path, hash := range a {
		if b[path] != hash {
			return false
		}
	}
	return true
}

// conflictCollector accumulates accepted set ids and conflicting column
// aliases across the errgroup fan-out in Resolve. Each candidate namespace
// is handled by exactly one goroutine, but all of them share this struct, so
// every write goes through mu.
type conflictCollector struct {
	mu                sync.Mutex
	acceptedSets      []int64
	conflictedColumns []string
}

func (c *conflictCollector) acceptSet(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acceptedSets = append(c.acceptedSets, id)
}

func (c *conflictCollector) addConflict(aliases []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictedColumns = append(c.conflictedColumns, aliases...)
}

// ColumnOrder sorts aliases by (kind, alias) for deterministic render
// output; BuildRenderPlan emits the pivoted GeoPackage columns in this
// order.
func ColumnOrder(aliases []ColumnAlias) []ColumnAlias {
	out := make([]ColumnAlias, len(aliases))
	copy(out, aliases)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

// RenderPlan is the pair of SQL statements the render coordinator hands to
// the external bulk extractor, plus the ordered column metadata needed to
// name pivoted output columns.
type RenderPlan struct {
	GeoQuery    string
	PointQuery  string
	ColumnOrder []ColumnAlias
}

// BuildRenderPlan expands v's template again (to pick up any alias
// ambiguity exactly as resolution saw it) and builds the geography and
// internal-point queries: GeoVersion open at v.ValidAt, joined to GeoBin and
// restricted to v's accepted set-version ids, left-joined once per column
// to column_value and pivoted with one max(...) FILTER aggregate per column
// over the type-appropriate value slot.
// Both queries inline v.ValidAt and the accepted set ids as literals: the
// extractor runs them through ogr2ogr's -sql, which cannot bind parameters.
func (s *Store) BuildRenderPlan(ctx context.Context, v *View) (*RenderPlan, error) {
	colIDs, err := s.ExpandMembers(ctx, v.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	aliases, err := s.buildAliases(ctx, colIDs)
	if err != nil {
		return nil, err
	}
	ordered := ColumnOrder(aliases)

	atLit := fmt.Sprintf("'%s'::timestamptz", v.ValidAt.UTC().Format("2006-01-02 15:04:05.999999+00"))
	setIDs := make([]string, len(v.AcceptedSetVersions))
	for i, id := range v.AcceptedSetVersions {
		setIDs[i] = fmt.Sprintf("%d", id)
	}
	setsLit := fmt.Sprintf("ANY(ARRAY[%s]::bigint[])", strings.Join(setIDs, ", "))

	var pivots strings.Builder
	for _, a := range ordered {
		slot := valueSlot(a.Type)
		fmt.Fprintf(&pivots, `,
			max(cv_%d.%s) FILTER (WHERE cv_%d.col_id = %d) AS %s`,
			a.ColumnID, slot, a.ColumnID, a.ColumnID, quoteIdent(a.Alias))
	}

	var joins strings.Builder
	for _, a := range ordered {
		fmt.Fprintf(&joins, `
			LEFT JOIN gerrydb.column_value cv_%d ON cv_%d.geo_id = g.id AND cv_%d.col_id = %d
				AND cv_%d.valid_from <= %s AND (cv_%d.valid_to IS NULL OR cv_%d.valid_to > %s)`,
			a.ColumnID, a.ColumnID, a.ColumnID, a.ColumnID, a.ColumnID, atLit, a.ColumnID, a.ColumnID, atLit)
	}

	base := fmt.Sprintf(`
		FROM gerrydb.geography g
		JOIN gerrydb.geo_set_member gsm ON gsm.geo_id = g.id AND gsm.geo_set_version_id = %s
		JOIN gerrydb.geo_version gv ON gv.geo_id = g.id AND gv.valid_from <= %s AND (gv.valid_to IS NULL OR gv.valid_to > %s)
		JOIN gerrydb.geo_bin gb ON gb.id = gv.geo_bin_id`, setsLit, atLit, atLit) + joins.String()

	geoQuery := fmt.Sprintf(`SELECT g.path, gb.shape%s%s GROUP BY g.path, gb.shape`, pivots.String(), base)
	pointQuery := fmt.Sprintf(`SELECT g.path, gb.internal_point%s GROUP BY g.path, gb.internal_point`, base)

	return &RenderPlan{GeoQuery: geoQuery, PointQuery: pointQuery, ColumnOrder: ordered}, nil
}

func valueSlot(t column.ValueType) string {
	switch t {
	case column.TypeFloat:
		return "val_float"
	case column.TypeInt:
		return "val_int"
	case column.TypeBool:
		return "val_bool"
	default:
		return "val_str"
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Package render implements the render coordinator: invoking the external
// bulk extractor against a View's render plan, validating its output, and
// injecting GerryDB's own metadata as sidecar tables into the resulting
// GeoPackage, which is itself a SQLite file and is opened directly through
// modernc.org/sqlite.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/geography"
	"github.com/mggg/gerrydb/internal/graph"
	"github.com/mggg/gerrydb/internal/kernelerr"
	"github.com/mggg/gerrydb/internal/layer"
	"github.com/mggg/gerrydb/internal/locality"
	"github.com/mggg/gerrydb/internal/meta"
	"github.com/mggg/gerrydb/internal/plan"
	"github.com/mggg/gerrydb/internal/view"
)

// Status is the lifecycle state of one Render attempt.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Render is one attempt at materializing a View into a GeoPackage.
type Render struct {
	ID        int64
	ViewID    int64
	UUID      uuid.UUID
	Status    Status
	OutPath   string
	Error     string
	CreatedAt time.Time
	MetaID    int64
}

// Coordinator drives rendering: it builds the render plan from
// internal/view, invokes the Extractor, validates row counts against the
// view's num_geos, attaches a graph's edges and any plans assigned to the
// view's GeoSetVersion as sidecar tables, and caches renders by
// (view, status=succeeded, created_at desc).
type Coordinator struct {
	pool       db.Pool
	views      *view.Store
	graphs     *graph.Store
	plans      *plan.Store
	localities *locality.Store
	layers     *layer.Store
	geos       *geography.Store
	metas      *meta.Store
	etags      *etag.Store
	extractor  Extractor
	dsn        string
	outDir     string
}

// NewCoordinator creates a render Coordinator. dsn is the PostgreSQL
// connection string the extractor reads from; outDir is where rendered
// GeoPackages are written.
func NewCoordinator(pool db.Pool, views *view.Store, graphs *graph.Store, plans *plan.Store, localities *locality.Store, layers *layer.Store, geos *geography.Store, metas *meta.Store, etags *etag.Store, extractor Extractor, dsn, outDir string) *Coordinator {
	return &Coordinator{
		pool: pool, views: views, graphs: graphs, plans: plans, localities: localities, layers: layers,
		geos: geos, metas: metas, etags: etags,
		extractor: extractor, dsn: dsn, outDir: outDir,
	}
}

// Render materializes v into a GeoPackage, or returns the existing succeeded
// Render for v.ID if one exists: a View is an immutable snapshot, so a prior
// success for the same view id is always still valid and is reused instead
// of re-invoking the extractor. Otherwise it resolves the projection
// (v.Projection, falling back to the view-locality's default_proj), builds
// the render plan, invokes the extractor, checks the returned row count
// against v.NumGeos, and injects sidecar tables for view metadata, graph
// edges, and plan assignments. The Render row's status reflects the
// outcome; a RenderError never panics the coordinator, it's recorded.
func (c *Coordinator) Render(ctx context.Context, v *view.View, metaID int64) (*Render, error) {
	if cached, err := c.Current(ctx, v.ID); err == nil {
		return cached, nil
	} else {
		var notFound *kernelerr.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	r := &Render{ViewID: v.ID, UUID: uuid.New(), Status: StatusRunning, CreatedAt: time.Now().UTC(), MetaID: metaID}
	outPath, err := c.outputPath(v, r.UUID)
	if err != nil {
		return nil, err
	}
	r.OutPath = outPath

	if err := c.insertRender(ctx, r); err != nil {
		return nil, err
	}

	renderPlan, err := c.views.BuildRenderPlan(ctx, v)
	if err != nil {
		return c.fail(ctx, r, err)
	}

	proj, err := c.resolveProjection(ctx, v)
	if err != nil {
		return c.fail(ctx, r, err)
	}

	rowCount, err := c.extractor.Extract(ctx, c.dsn, renderPlan.GeoQuery, renderPlan.PointQuery, outPath, v.Path, proj)
	if err != nil {
		return c.fail(ctx, r, err)
	}
	if rowCount != v.NumGeos {
		return c.fail(ctx, r, &kernelerr.RenderError{Reason: fmt.Sprintf("extractor wrote %d features, view expects %d", rowCount, v.NumGeos)})
	}

	if err := c.injectSidecars(ctx, outPath, v); err != nil {
		return c.fail(ctx, r, err)
	}

	r.Status = StatusSucceeded
	if err := c.updateStatus(ctx, r); err != nil {
		return nil, err
	}
	if _, err := c.etags.Bump(ctx, etag.CollectionRender, &v.NamespaceID); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the most recent succeeded Render for viewID. Render calls
// this first so repeat requests for the same view reuse the existing
// GeoPackage instead of re-running the extractor.
func (c *Coordinator) Current(ctx context.Context, viewID int64) (*Render, error) {
	r := &Render{ViewID: viewID}
	err := c.pool.QueryRow(ctx, `
		SELECT id, uuid, status, out_path, error, created_at, meta_id FROM gerrydb.render
		WHERE view_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		viewID, StatusSucceeded,
	).Scan(&r.ID, &r.UUID, &r.Status, &r.OutPath, &r.Error, &r.CreatedAt, &r.MetaID)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "render", Key: fmt.Sprintf("view %d", viewID)}
	}
	return r, nil
}

func (c *Coordinator) resolveProjection(ctx context.Context, v *view.View) (string, error) {
	if v.Projection != "" {
		return v.Projection, nil
	}
	loc, err := c.localities.Get(ctx, v.LocalityID)
	if err != nil {
		return "", err
	}
	return loc.DefaultProj, nil // empty string means "none", the final fallback
}

func (c *Coordinator) outputPath(v *view.View, id uuid.UUID) (string, error) {
	if c.outDir == "" {
		return "", eris.New("render: coordinator has no output directory configured")
	}
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", eris.Wrap(err, "render: create output directory")
	}
	return fmt.Sprintf("%s/%s.gpkg", c.outDir, id), nil
}

func (c *Coordinator) insertRender(ctx context.Context, r *Render) error {
	err := c.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.render (view_id, uuid, status, out_path, error, created_at, meta_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.ViewID, r.UUID, r.Status, r.OutPath, r.Error, r.CreatedAt, r.MetaID,
	).Scan(&r.ID)
	if err != nil {
		return eris.Wrap(err, "render: insert render row")
	}
	return nil
}

func (c *Coordinator) updateStatus(ctx context.Context, r *Render) error {
	_, err := c.pool.Exec(ctx, `UPDATE gerrydb.render SET status = $1, error = $2 WHERE id = $3`, r.Status, r.Error, r.ID)
	if err != nil {
		return eris.Wrap(err, "render: update status")
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, r *Render, cause error) (*Render, error) {
	r.Status = StatusFailed
	r.Error = cause.Error()
	if err := c.updateStatus(ctx, r); err != nil {
		return nil, err
	}
	var renderErr *kernelerr.RenderError
	if errors.As(cause, &renderErr) {
		return r, cause
	}
	return r, &kernelerr.RenderError{Reason: cause.Error()}
}

var featureCountRe = regexp.MustCompile(`Feature Count:\s*(\d+)`)

func parseFeatureCount(ogrinfoOutput string) (int, error) {
	m := featureCountRe.FindStringSubmatch(ogrinfoOutput)
	if m == nil {
		return 0, eris.New("render: could not parse feature count from ogrinfo output")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, eris.Wrap(err, "render: parse feature count")
	}
	return n, nil
}

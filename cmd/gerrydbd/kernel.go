package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mggg/gerrydb/internal/authz"
	"github.com/mggg/gerrydb/internal/column"
	"github.com/mggg/gerrydb/internal/etag"
	"github.com/mggg/gerrydb/internal/geography"
	"github.com/mggg/gerrydb/internal/geoimport"
	"github.com/mggg/gerrydb/internal/graph"
	"github.com/mggg/gerrydb/internal/layer"
	"github.com/mggg/gerrydb/internal/locality"
	"github.com/mggg/gerrydb/internal/meta"
	"github.com/mggg/gerrydb/internal/namespace"
	"github.com/mggg/gerrydb/internal/plan"
	"github.com/mggg/gerrydb/internal/render"
	"github.com/mggg/gerrydb/internal/view"
)

// kernel bundles every store a gerrydbd subcommand needs, all wired against
// one connection pool the way the data-model packages expect to be used
// together (partition manager shared between column and geography, etag
// store shared between namespace and geography, and so on).
type kernel struct {
	pool *pgxpool.Pool

	Authz      *authz.Store
	Etags      *etag.Store
	Meta       *meta.Store
	Namespaces *namespace.Store
	Localities *locality.Store
	Partitions *column.PartitionManager
	Columns    *column.Store
	Geos       *geography.Store
	GeoImports *geoimport.Store
	Layers     *layer.Store
	Graphs     *graph.Store
	Plans      *plan.Store
	Views      *view.Store
	Render     *render.Coordinator
}

// openKernel opens the connection pool and wires every store against it.
func openKernel(ctx context.Context) (*kernel, error) {
	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}

	etags := etag.NewStore(pool)
	grants := authz.NewStore(pool)
	metas := meta.NewStore(pool)
	namespaces := namespace.NewStore(pool, grants, etags)
	localities := locality.NewStore(pool)
	partitions := column.NewPartitionManager(pool)
	columns := column.NewStore(pool, partitions)
	geos := geography.NewStore(pool, etags).WithPartitionManager(partitions)
	geoimports := geoimport.NewStore(pool)
	layers := layer.NewStore(pool)
	graphs := graph.NewStore(pool)
	plans := plan.NewStore(pool)
	views := view.NewStore(pool, columns, layers, graphs, etags, namespaces)

	extractor := render.NewOGRExtractor(cfg.Render.ExtractorPath)
	coordinator := render.NewCoordinator(
		pool, views, graphs, plans, localities, layers, geos, metas, etags,
		extractor, cfg.Store.DatabaseURL, cfg.Render.TempDir,
	)

	return &kernel{
		pool:       pool,
		Authz:      grants,
		Etags:      etags,
		Meta:       metas,
		Namespaces: namespaces,
		Localities: localities,
		Partitions: partitions,
		Columns:    columns,
		Geos:       geos,
		GeoImports: geoimports,
		Layers:     layers,
		Graphs:     graphs,
		Plans:      plans,
		Views:      views,
		Render:     coordinator,
	}, nil
}

// Close releases the underlying connection pool.
func (k *kernel) Close() {
	k.pool.Close()
}

// Ping verifies the pool can still reach Postgres; serve's /health endpoint
// calls it on every request.
func (k *kernel) Ping(ctx context.Context) error {
	return k.pool.Ping(ctx)
}

package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
)

// openPool opens a pgxpool.Pool against cfg.Store.DatabaseURL, bounded by
// the configured connection limits.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("gerrydbd: store.database_url is required")
	}
	return db.NewPgxPool(ctx, cfg.Store.DatabaseURL, cfg.Store.MinConns, cfg.Store.MaxConns)
}

package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gazetteer/internal/attribution"
	"github.com/sells-group/gazetteer/internal/lookup"
	"github.com/sells-group/gazetteer/internal/place"
	"github.com/sells-group/gazetteer/internal/reconcile"
)

// env wires the store, reconciliation engine, attribution service and
// lookup index for one command invocation.
type env struct {
	Store  place.Store
	Attrs  *attribution.Service
	Engine *reconcile.Engine
	Index  *lookup.Index

	closePool func()
}

func initStore(ctx context.Context) (place.Store, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "gazetteer.db"
		}
		st, err := place.NewSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close() //nolint:errcheck
			return nil, nil, err
		}
		return st, nil, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "connect postgres")
		}
		st := place.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, closePool, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	policy := attribution.DefaultPolicy()
	if cfg.Trust.PolicyPath != "" {
		policy, err = attribution.LoadPolicy(cfg.Trust.PolicyPath)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
	}

	attrs := attribution.NewService(st, policy)
	idx := lookup.New(st, time.Duration(cfg.Index.MaxAgeSecs)*time.Second)
	return &env{
		Store:     st,
		Attrs:     attrs,
		Engine:    reconcile.NewEngine(st, attrs),
		Index:     idx,
		closePool: closePool,
	}, nil
}

func (e *env) Close() {
	e.Store.Close() //nolint:errcheck
	if e.closePool != nil {
		e.closePool()
	}
}

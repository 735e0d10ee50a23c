package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/autopilot"
	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/config"
	"github.com/sells-group/autopilot/internal/store"
	"github.com/sells-group/autopilot/internal/threshold"
	"github.com/sells-group/autopilot/internal/writeback"
)

// operator is the identity CLI commands act as.
var operator = authz.Caller{UserID: "cli", Role: authz.RolePlatformAdmin}

// app bundles the services a command needs.
type app struct {
	store     *store.PostgresStore
	cache     *threshold.RedisCache
	resolver  *threshold.Resolver
	queue     *writeback.Queue
	recorder  *confidence.Recorder
	evaluator *autopilot.Evaluator
}

func openStore(ctx context.Context, c *config.Config) (*store.PostgresStore, error) {
	st, err := store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: c.Store.MaxConns,
		MinConns: c.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// newApp connects to Postgres and, when configured, Redis, and wires the
// recorder, resolver, evaluator and queue on the shared pool.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	var cache threshold.Cache
	if c.Redis.Addr != "" {
		rc, err := threshold.NewRedisCache(ctx, redisConfig(c.Redis))
		if err != nil {
			zap.L().Warn("threshold cache disabled", zap.Error(err))
		} else {
			a.cache = rc
			cache = rc
		}
	}

	catalog, err := loadCatalog(c.Thresholds)
	if err != nil {
		a.Close()
		return nil, err
	}

	pool := st.Pool()
	a.resolver = threshold.NewResolver(threshold.NewStore(pool), cache)
	a.queue = writeback.NewQueue(pool, c.Queue.MaxAttempts)
	a.recorder = confidence.NewRecorder(pool,
		confidence.WithParams(scorerParams(c.Scorer)),
		confidence.WithActionCatalog(catalog.ActionTypes()),
		confidence.WithEnqueuer(a.queue),
	)
	a.evaluator = autopilot.NewEvaluator(pool, a.resolver, c.Evaluator, c.Demotion)
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	_ = a.store.Close()
}

func loadCatalog(c config.ThresholdsConfig) (*threshold.Catalog, error) {
	if c.SeedFile == "" {
		return threshold.DefaultCatalog()
	}
	return threshold.LoadSeedFile(c.SeedFile)
}

func scorerParams(c config.ScorerConfig) confidence.Params {
	return confidence.Params{
		WindowDays:         c.WindowDays,
		HalfLifeDays:       c.HalfLifeDays,
		RollingSize:        c.RollingSize,
		FullSampleSize:     c.FullSampleSize,
		EligibleScore:      c.EligibleScore,
		EligibleMinSignals: c.EligibleMinSignals,
	}
}

func redisConfig(c config.RedisConfig) threshold.RedisConfig {
	return threshold.RedisConfig{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		TTL:      time.Duration(c.TTLSecs) * time.Second,
		Prefix:   c.Prefix,
	}
}

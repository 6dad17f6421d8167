package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/config"
	"github.com/sells-group/agency-core/internal/cost"
	"github.com/sells-group/agency-core/internal/dispatch"
	"github.com/sells-group/agency-core/internal/failover"
	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/quota"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/store"
	"github.com/sells-group/agency-core/pkg/capapi"
)

// coreEnv holds the components shared by serve and the one-shot commands.
type coreEnv struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	Registry   *registry.Registry
	Limiter    *quota.Limiter
	Breakers   *resilience.ProviderBreakers
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher

	closers []func() error
}

// Close releases the store and any quota backend connection.
func (e *coreEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{MaxConns: c.Store.MaxConns})
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initQuotaStore returns the counter backend and a closer for it.
func initQuotaStore(ctx context.Context, c *config.Config) (quota.Store, func() error, error) {
	switch c.Quota.Backend {
	case "redis":
		client := quota.NewRedisClient(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		rs := quota.NewRedisStore(client, c.Quota.KeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return rs, client.Close, nil
	default:
		return quota.NewMemoryStore(), func() error { return nil }, nil
	}
}

// initCore opens the store, loads the catalog and persisted provider state,
// and builds the dispatch path. Callers should defer env.Close().
func initCore(ctx context.Context, c *config.Config, mode string) (*coreEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	env := &coreEnv{}
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cat, err := catalog.Load(c.Catalog.Path)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Catalog = cat

	qs, closeQuota, err := initQuotaStore(ctx, c)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init quota backend")
	}
	env.closers = append(env.closers, closeQuota)

	env.Limiter = quota.NewLimiter(qs, c.Location())
	for _, p := range cat.Providers {
		env.Limiter.SetLimits(p.ID, p.Limits)
	}

	env.Registry = registry.New(cat.Providers, st).WithUsage(env.Limiter)
	if err := env.Registry.Load(ctx); err != nil {
		env.Close()
		return nil, err
	}

	attached, err := capapi.Attach(env.Registry, cat.Providers)
	if err != nil {
		env.Close()
		return nil, err
	}
	zap.L().Info("providers loaded",
		zap.Int("providers", len(cat.Providers)),
		zap.Int("with_client", attached),
		zap.String("store", c.Store.Driver),
		zap.String("quota", c.Quota.Backend),
	)

	pricing := cost.Rates{PerUnit: c.Pricing.PerUnit}
	breakerCfg := c.Breaker.ToCircuitBreakerConfig()
	breakerCfg.OnStateChange = logBreakerTransition
	env.Breakers = resilience.NewProviderBreakers(breakerCfg)
	env.Ledger = ledger.New(st, cost.NewCalculator(pricing))
	selector := failover.NewSelector(env.Registry, env.Limiter, env.Breakers)
	env.Dispatcher = dispatch.NewDispatcher(selector, env.Ledger, env.Registry, func(capability model.Capability) resilience.RetryConfig {
		return c.Retry.RetryFor(string(capability))
	})

	return env, nil
}

// stageNames lists catalog stages in order.
func stageNames(cat *catalog.Catalog) []string {
	names := make([]string, 0, len(cat.Stages))
	for _, s := range cat.Stages {
		names = append(names, s.Name)
	}
	return names
}

func logBreakerTransition(provider string, from, to resilience.CircuitState) {
	log := zap.L().With(
		zap.String("provider", provider),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if to == resilience.CircuitOpen {
		log.Warn("circuit opened, provider demoted")
		return
	}
	log.Info("circuit state changed")
}

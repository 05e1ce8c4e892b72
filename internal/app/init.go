package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/budget"
	gwcache "github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/meter"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/spendcap"
	"github.com/nulpointcorp/inference-gateway/internal/tenant"
	"github.com/nulpointcorp/inference-gateway/internal/upstream"
	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

// initInfra establishes optional external connections. Redis is only
// required for the redis rate-limit mode; ClickHouse only for the clickhouse
// spend store.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.SpendStore == "clickhouse" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		store, err := usage.NewClickHouseStore(ctx, usage.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chStore = store
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initStores selects the usage store and starts the meter flushing into it.
func (a *App) initStores(ctx context.Context) error {
	if a.chStore != nil {
		a.store = a.chStore
		a.log.Info("spend store: clickhouse")
	} else {
		a.store = usage.NewMemoryStore()
		a.log.Info("spend store: memory (in-process, not shared across replicas)")
	}

	mtr, err := meter.New(ctx, a.store, a.log)
	if err != nil {
		return fmt.Errorf("meter: %w", err)
	}
	a.mtr = mtr

	return nil
}

// initServices creates the rate limiter, the spending-cap cache, the tenant
// resolver, and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	if a.rdb != nil {
		a.limiter = ratelimit.NewRedisLimiter(a.rdb)
		a.capCache = gwcache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("rate limiter: redis (shared across replicas)")
	} else {
		a.limiter = ratelimit.NewMemoryLimiter()
		a.memCache = gwcache.NewMemoryCache(ctx)
		a.capCache = a.memCache
		a.log.Info("rate limiter: memory (per-process)")
	}

	a.resolver = tenant.NewStaticResolver()
	for key, tenantID := range a.cfg.ServiceKeys {
		t := &tenant.Tenant{ID: tenantID}
		if a.cfg.RateLimit.DefaultRPM > 0 {
			t.RateLimits = map[string]int{"chat-completions": a.cfg.RateLimit.DefaultRPM}
		}
		// Spend limits and caps are hydrated by the control plane in the
		// managed deployment; service keys from the environment run
		// unlimited.
		a.resolver.Add(key, t)
	}
	a.log.Info("service keys loaded", slog.Int("tenants", a.resolver.Len()))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the admission pipeline and protocol handlers.
func (a *App) initGateway(_ context.Context) error {
	brk := breaker.New(breaker.Config{
		RequestThreshold: a.cfg.CircuitBreaker.RequestThreshold,
		TimeWindow:       a.cfg.CircuitBreaker.TimeWindow,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	}, func(tenantID, instanceID string, requestCount int) {
		a.prom.RecordBreakerTrip()
		a.log.Warn("circuit_breaker_tripped",
			slog.String("tenant", tenantID),
			slog.String("instance", instanceID),
			slog.Int("requests", requestCount),
		)
	})

	deps := proxy.Deps{
		Resolver:  a.resolver,
		Limiter:   a.limiter,
		Breaker:   brk,
		Budget:    budget.New(a.store),
		Caps:      spendcap.New(a.store, a.capCache, a.cfg.CapCacheTTL),
		Registry:  buildRegistry(a.cfg),
		Dispatch:  upstream.NewClient(a.cfg.UpstreamTimeout),
		Estimator: cost.NewTableEstimator(nil),
		Meter:     a.mtr,
	}

	a.gw = proxy.NewGateway(a.baseCtx, deps, proxy.GatewayOptions{
		Logger:      a.log,
		Margin:      a.cfg.Margin,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/config"
	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/monitor"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/provider"
	"github.com/alecgard/tally/internal/ratelimit"
	"github.com/alecgard/tally/internal/reconcile"
	"github.com/alecgard/tally/internal/usage"
)

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	slog.Info("connected to database")
	return pool, nil
}

// newPricingCache builds the configured cache backend. The returned func
// releases any client it opened.
func newPricingCache(ctx context.Context, cfg *config.Config) (pricing.Cache, func(), error) {
	if cfg.Pricing.CacheBackend != "redis" {
		return pricing.NewMemoryCache(cfg.Pricing.CacheTTL), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Pricing.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("pinging redis: %w", err)
	}
	slog.Info("using redis pricing cache", "addr", opts.Addr)
	return pricing.NewRedisCache(client, cfg.Pricing.CacheTTL), func() { _ = client.Close() }, nil
}

func newCalculator(cfg *config.Config, resolver cost.PricingResolver) *cost.Calculator {
	return cost.NewCalculator(resolver, cfg.Pricing.Tiers, pricing.NewConverter(cfg.Pricing.CurrencyRates))
}

// newThrottle paces outbound calls to the billing processor and the
// provider generation API.
func newThrottle(cfg *config.Config) *ratelimit.Limiter {
	l := ratelimit.New(0, time.Minute)
	l.SetRate(ratelimit.KeyBilling, cfg.Billing.RateLimit)
	l.SetRate(ratelimit.KeyProvider, cfg.Provider.RateLimit)
	return l
}

func newProviderClient(cfg *config.Config, throttle *ratelimit.Limiter) *provider.OpenRouterClient {
	c := provider.NewOpenRouterClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	c.SetThrottle(throttle)
	return c
}

func newReconciler(cfg *config.Config, store *usage.Store, fetcher reconcile.GenerationFetcher) *reconcile.Service {
	svc := reconcile.NewService(store, fetcher, cfg.Reconcile.Provider)
	svc.SetConverter(pricing.NewConverter(cfg.Pricing.CurrencyRates))
	return svc
}

func newMonitor(cfg *config.Config, pool *pgxpool.Pool) *monitor.Monitor {
	return monitor.New(billing.NewStore(pool), usage.NewStore(pool), monitor.Config{
		EventName:         cfg.Billing.EventName,
		Window:            cfg.Monitor.Window,
		WarningThreshold:  cfg.Monitor.WarningThreshold,
		CriticalThreshold: cfg.Monitor.CriticalThreshold,
		ErrorSample:       cfg.Monitor.ErrorSample,
		VerifyTolerance:   cfg.Monitor.VerifyTolerance,
	})
}

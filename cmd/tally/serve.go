package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/api"
	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/dailyusage"
	"github.com/alecgard/tally/internal/metrics"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/queue"
	"github.com/alecgard/tally/internal/usage"
	"github.com/alecgard/tally/internal/user"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tally metering server and background loops",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	// Stores.
	usageStore := usage.NewStore(pool)
	billingStore := billing.NewStore(pool)
	pricingStore := pricing.NewStore(pool)
	userStore := user.NewStore(pool)
	counterStore := dailyusage.NewStore(pool)

	// Pricing and cost.
	cache, closeCache, err := newPricingCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	resolver := pricing.NewResolver(pricingStore, cache)
	resolver.SetMetrics(m)
	converter := pricing.NewConverter(cfg.Pricing.CurrencyRates)
	calc := cost.NewCalculator(resolver, cfg.Pricing.Tiers, converter)
	extractor := cost.NewExtractor(converter)

	// Side effects.
	jobs := queue.New(cfg.Queue.JobTimeout, cfg.Queue.NudgeInterval)
	jobs.SetMetrics(m)

	throttle := newThrottle(cfg)
	polar := billing.NewPolarClient(cfg.Billing.BaseURL, cfg.Billing.Token, cfg.Billing.Timeout)
	polar.SetThrottle(throttle)
	reporter := billing.NewReporter(billingStore, polar, userStore, cfg.Billing.EventName)
	reporter.SetMetrics(m)

	daily := dailyusage.NewService(counterStore, userStore, cfg.Limits)
	fetcher := newProviderClient(cfg, throttle)

	recorder := usage.NewRecorder(usageStore, resolver, calc, extractor, usage.RecorderOptions{
		Currency:              cfg.Pricing.Currency,
		IncludeVolumeDiscount: cfg.Pricing.VolumeDiscount,
		CreditPolicy:          cfg.Billing.Credits,
		SideEffectTimeout:     cfg.Billing.SideEffectTimeout,
	})
	recorder.SetReporter(reporter)
	recorder.SetDailyCounter(daily)
	recorder.SetQueue(jobs)
	recorder.SetFetcher(fetcher)
	recorder.SetMetrics(m)

	// Background loops.
	var loops sync.WaitGroup
	startLoop := func(name string, run func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			slog.Info("background loop started", "loop", name)
			run(ctx)
		}()
	}

	startLoop("queue", jobs.Start)

	reconciler := newReconciler(cfg, usageStore, fetcher)
	reconciler.SetMetrics(m)
	if cfg.Reconcile.Enabled {
		startLoop("reconcile", func(ctx context.Context) {
			reconciler.Run(ctx, cfg.Reconcile.Interval, cfg.Reconcile.Limit, cfg.Reconcile.MaxAgeHours)
		})
	}

	mon := newMonitor(cfg, pool)
	mon.SetMetrics(m)
	if cfg.Monitor.Enabled {
		startLoop("monitor", func(ctx context.Context) {
			mon.Run(ctx, cfg.Monitor.Interval)
		})
	}

	if cfg.Retention.Days > 0 {
		cleaner := usage.NewCleaner(usageStore, cfg.Retention.Days, cfg.Retention.BatchSize)
		cleaner.SetMetrics(m)
		startLoop("retention", func(ctx context.Context) {
			cleaner.Run(ctx, cfg.Retention.Interval)
		})
	}

	router := api.NewRouter(api.RouterDeps{
		DB:             pool,
		Recorder:       recorder,
		Ledger:         usageStore,
		Reports:        cost.NewReportCalculator(calc, resolver),
		Users:          userStore,
		Currency:       cfg.Pricing.Currency,
		Daily:          daily,
		Monitor:        mon,
		Reconciler:     reconciler,
		PricingStore:   pricingStore,
		Pricing:        resolver,
		Balances:       reporter,
		AdminVerifier:  auth.NewVerifier(cfg.Admin.KeyHash),
		Observer:       m,
		MetricsHandler: promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
		MetricsSummary: m.Handler(),
		Reconcile: api.ReconcileDefaults{
			Limit:       cfg.Reconcile.Limit,
			MaxAgeHours: cfg.Reconcile.MaxAgeHours,
		},
	})
	if cfg.Admin.KeyHash == "" {
		slog.Warn("admin.key_hash is not set; all /api/v1 requests will be rejected")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
	case err := <-errCh:
		slog.Error("server error", "error", err)
		cancel()
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// In-flight requests are done; let their side effects and deferred
	// cost fetches finish before the pool closes.
	recorder.Wait()
	if err := jobs.Drain(shutdownCtx); err != nil {
		slog.Warn("queue not drained before shutdown", "pending", jobs.Len(), "error", err)
	}
	jobs.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("background loops did not stop in time")
	}

	slog.Info("shutdown complete")
	return nil
}

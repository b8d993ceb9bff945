package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/mo"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/dailyusage"
	"github.com/alecgard/tally/internal/monitor"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/reconcile"
	"github.com/alecgard/tally/internal/usage"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UsageRecorder records interactions into the analytics ledger.
type UsageRecorder interface {
	Record(ctx context.Context, in usage.Interaction) (*usage.Record, error)
	Enqueue(ctx context.Context, in usage.Interaction) (string, error)
}

// DailyUsage is the per-user daily counter.
type DailyUsage interface {
	IncrementDailyUsage(ctx context.Context, userID string, isAnonymous bool) (*dailyusage.IncrementResult, error)
	CheckDailyLimit(ctx context.Context, userID string) (*dailyusage.Status, error)
	Reset(ctx context.Context, userID string) (bool, error)
}

// DriftMonitor compares the two ledgers.
type DriftMonitor interface {
	CheckLoggingHealth(ctx context.Context) (*monitor.Health, error)
	GenerateAlerts(ctx context.Context) ([]monitor.Alert, error)
	Summary(ctx context.Context, days int) (*monitor.Summary, error)
	VerifyOperationLogged(ctx context.Context, userID string, at time.Time, tolerance time.Duration) (*monitor.Verification, error)
}

// Reconciler backfills missing actual costs on demand.
type Reconciler interface {
	ReconcileRecentMissingActualCosts(ctx context.Context, limit, maxAgeHours int) (*reconcile.Result, error)
}

// PricingStore manages the persisted price table.
type PricingStore interface {
	ReplaceCurrent(ctx context.Context, in pricing.CreateEntryInput) (*pricing.Entry, error)
	History(ctx context.Context, modelID, provider string) ([]*pricing.Entry, error)
}

// PricingInvalidator drops a cached price.
type PricingInvalidator interface {
	Invalidate(ctx context.Context, modelID, provider string)
}

// BalanceLookup reads a user's remaining credit balance.
type BalanceLookup interface {
	Balance(ctx context.Context, userID string) (mo.Option[float64], error)
}

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveHTTPRequest(method, pathPattern string, statusCode int, seconds float64)
}

// RouterDeps holds all dependencies for the API router. Nil services leave
// their routes answering 503.
type RouterDeps struct {
	DB             Pinger
	Recorder       UsageRecorder
	Ledger         UsageLedger
	Reports        CostReporter
	Users          UserDirectory
	Currency       string // default report currency
	Daily          DailyUsage
	Monitor        DriftMonitor
	Reconciler     Reconciler
	PricingStore   PricingStore
	Pricing        PricingInvalidator
	Balances       BalanceLookup
	AdminVerifier  *auth.Verifier
	Observer       RequestObserver
	MetricsHandler http.Handler // Prometheus exposition
	MetricsSummary http.Handler // JSON digest
	Reconcile      ReconcileDefaults
}

// ReconcileDefaults bound on-demand reconciliation when the caller omits them.
type ReconcileDefaults struct {
	Limit       int
	MaxAgeHours int
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger(deps.Observer))

	usageH := newUsageHandler(deps.Recorder, deps.Daily)
	adminH := newAdminHandler(deps)
	ledgerH := &ledgerHandler{ledger: deps.Ledger, reporter: deps.Reports, users: deps.Users, currency: deps.Currency}

	r.Get("/health", healthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	verifier := deps.AdminVerifier
	if verifier == nil {
		verifier = auth.NewVerifier("")
	}

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(verifier))

		// Collaborator routes.
		ar.Post("/usage/record", usageH.RecordUsage)
		ar.Post("/usage/daily/{userID}/increment", usageH.IncrementDaily)
		ar.Get("/usage/daily/{userID}", usageH.CheckDaily)
		ar.Put("/users/{userID}", ledgerH.UpsertUser)

		// Ledger reads.
		ar.Get("/usage", ledgerH.ListRecords)
		ar.Get("/usage/summary", ledgerH.GetSummary)
		ar.Get("/usage/report", ledgerH.Report)

		// Operations.
		ar.Route("/admin", func(adm chi.Router) {
			adm.Get("/logging-health", adminH.LoggingHealth)
			adm.Get("/alerts", adminH.Alerts)
			adm.Get("/logging-summary", adminH.LoggingSummary)
			adm.Get("/verify-operation", adminH.VerifyOperation)
			adm.Post("/reconcile", adminH.Reconcile)
			adm.Delete("/usage/daily/{userID}", adminH.ResetDaily)
			adm.Put("/pricing", adminH.UpdatePricing)
			adm.Get("/pricing/history", adminH.PricingHistory)
			adm.Get("/billing/balance/{userID}", adminH.Balance)
			if deps.MetricsSummary != nil {
				adm.Method(http.MethodGet, "/metrics/summary", deps.MetricsSummary)
			}
		})
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}

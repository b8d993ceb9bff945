package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tally/internal/pricing"
)

// maxSummaryDays bounds the logging summary window.
const maxSummaryDays = 90

// adminHandler serves the operational routes.
type adminHandler struct {
	monitor      DriftMonitor
	reconciler   Reconciler
	daily        DailyUsage
	pricingStore PricingStore
	pricing      PricingInvalidator
	balances     BalanceLookup
	reconcile    ReconcileDefaults
}

func newAdminHandler(deps RouterDeps) *adminHandler {
	return &adminHandler{
		monitor:      deps.Monitor,
		reconciler:   deps.Reconciler,
		daily:        deps.Daily,
		pricingStore: deps.PricingStore,
		pricing:      deps.Pricing,
		balances:     deps.Balances,
		reconcile:    deps.Reconcile,
	}
}

// parseTimeParam parses a query param in RFC3339 or YYYY-MM-DD format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// queryInt reads a positive integer query param, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// LoggingHealth handles GET /api/v1/admin/logging-health.
func (h *adminHandler) LoggingHealth(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeUnavailable(w, "drift monitor")
		return
	}
	health, err := h.monitor.CheckLoggingHealth(r.Context())
	if err != nil {
		slog.Error("failed to check logging health", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check logging health")
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Alerts handles GET /api/v1/admin/alerts.
func (h *adminHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeUnavailable(w, "drift monitor")
		return
	}
	alerts, err := h.monitor.GenerateAlerts(r.Context())
	if err != nil {
		slog.Error("failed to generate alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// LoggingSummary handles GET /api/v1/admin/logging-summary?days=N.
func (h *adminHandler) LoggingSummary(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeUnavailable(w, "drift monitor")
		return
	}
	days, ok := queryInt(r, "days", 7)
	if !ok || days > maxSummaryDays {
		writeError(w, http.StatusBadRequest, "bad_request", "days must be between 1 and 90")
		return
	}
	summary, err := h.monitor.Summary(r.Context(), days)
	if err != nil {
		slog.Error("failed to build logging summary", "days", days, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build logging summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// VerifyOperation handles GET /api/v1/admin/verify-operation?user_id=..&at=..
// with an optional tolerance_ms.
func (h *adminHandler) VerifyOperation(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeUnavailable(w, "drift monitor")
		return
	}
	userID := r.URL.Query().Get("user_id")
	at, err := parseTimeParam(r.URL.Query().Get("at"))
	if userID == "" || err != nil || at.IsZero() {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id and an RFC3339 at are required")
		return
	}
	var tolerance time.Duration
	if v := r.URL.Query().Get("tolerance_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "tolerance_ms must be a positive integer")
			return
		}
		tolerance = time.Duration(ms) * time.Millisecond
	}

	v, err := h.monitor.VerifyOperationLogged(r.Context(), userID, at, tolerance)
	if err != nil {
		slog.Error("failed to verify operation", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to verify operation")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Reconcile handles POST /api/v1/admin/reconcile?limit=..&max_age_hours=..
func (h *adminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeUnavailable(w, "reconciliation")
		return
	}
	limit, ok := queryInt(r, "limit", h.reconcile.Limit)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
		return
	}
	maxAge, ok := queryInt(r, "max_age_hours", h.reconcile.MaxAgeHours)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "max_age_hours must be a positive integer")
		return
	}

	auditLog(r, "reconcile", "usage_metrics", "", "limit", limit, "max_age_hours", maxAge)
	res, err := h.reconciler.ReconcileRecentMissingActualCosts(r.Context(), limit, maxAge)
	if err != nil {
		slog.Error("reconciliation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResetDaily handles DELETE /api/v1/admin/usage/daily/{userID}.
func (h *adminHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	if h.daily == nil {
		writeUnavailable(w, "daily usage")
		return
	}
	userID := chi.URLParam(r, "userID")

	auditLog(r, "reset", "daily_usage_counter", userID)
	if _, err := h.daily.Reset(r.Context(), userID); err != nil {
		slog.Error("failed to reset daily usage", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset daily usage")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePricing handles PUT /api/v1/admin/pricing. The current entry for the
// pair is closed and the new one takes effect; the cached price is dropped.
func (h *adminHandler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	if h.pricingStore == nil {
		writeUnavailable(w, "pricing store")
		return
	}
	var in pricing.CreateEntryInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if in.ModelID == "" || in.Provider == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id and provider are required")
		return
	}
	if in.InputPrice < 0 || in.OutputPrice < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "prices must not be negative")
		return
	}

	entry, err := h.pricingStore.ReplaceCurrent(r.Context(), in)
	if err != nil {
		slog.Error("failed to update pricing", "model", in.ModelID, "provider", in.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update pricing")
		return
	}
	if h.pricing != nil {
		h.pricing.Invalidate(r.Context(), in.ModelID, in.Provider)
	}

	auditLog(r, "update", "pricing_entry", entry.ID, "model", in.ModelID, "provider", in.Provider)
	writeJSON(w, http.StatusOK, entry)
}

// PricingHistory handles GET /api/v1/admin/pricing/history?model_id=..&provider=..
func (h *adminHandler) PricingHistory(w http.ResponseWriter, r *http.Request) {
	if h.pricingStore == nil {
		writeUnavailable(w, "pricing store")
		return
	}
	modelID := r.URL.Query().Get("model_id")
	provider := r.URL.Query().Get("provider")
	if modelID == "" || provider == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id and provider are required")
		return
	}

	entries, err := h.pricingStore.History(r.Context(), modelID, provider)
	if err != nil {
		slog.Error("failed to load pricing history", "model", modelID, "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load pricing history")
		return
	}
	if entries == nil {
		entries = []*pricing.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Balance handles GET /api/v1/admin/billing/balance/{userID}.
func (h *adminHandler) Balance(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		writeUnavailable(w, "billing processor")
		return
	}
	userID := chi.URLParam(r, "userID")

	bal, err := h.balances.Balance(r.Context(), userID)
	if err != nil {
		slog.Error("failed to fetch balance", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch balance")
		return
	}
	v, ok := bal.Get()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no balance for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": v})
}

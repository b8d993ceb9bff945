package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"golang.org/x/crypto/bcrypt"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/dailyusage"
	"github.com/alecgard/tally/internal/monitor"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/reconcile"
	"github.com/alecgard/tally/internal/usage"
	"github.com/alecgard/tally/internal/user"
)

const testAdminKey = "tally_test_admin_key"

var (
	verifierOnce sync.Once
	testVerifier *auth.Verifier
)

func adminVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	verifierOnce.Do(func() {
		hash, err := auth.HashAdminKey(testAdminKey, bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hashing admin key: %v", err)
		}
		testVerifier = auth.NewVerifier(hash)
	})
	return testVerifier
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeRecorder struct {
	rec      *usage.Record
	err      error
	jobID    string
	recorded []usage.Interaction
	enqueued []usage.Interaction
}

func (f *fakeRecorder) Record(_ context.Context, in usage.Interaction) (*usage.Record, error) {
	f.recorded = append(f.recorded, in)
	return f.rec, f.err
}

func (f *fakeRecorder) Enqueue(_ context.Context, in usage.Interaction) (string, error) {
	f.enqueued = append(f.enqueued, in)
	return f.jobID, f.err
}

type fakeDaily struct {
	counts map[string]int
	resets []string
}

func (f *fakeDaily) IncrementDailyUsage(_ context.Context, userID string, _ bool) (*dailyusage.IncrementResult, error) {
	f.counts[userID]++
	return &dailyusage.IncrementResult{UserID: userID, NewCount: f.counts[userID], Date: "2025-07-01"}, nil
}

func (f *fakeDaily) CheckDailyLimit(_ context.Context, userID string) (*dailyusage.Status, error) {
	n := f.counts[userID]
	return &dailyusage.Status{UserID: userID, MessageCount: n, Limit: 10, Remaining: 10 - n, HasReachedLimit: n >= 10}, nil
}

func (f *fakeDaily) Reset(_ context.Context, userID string) (bool, error) {
	f.resets = append(f.resets, userID)
	delete(f.counts, userID)
	return true, nil
}

type fakeMonitor struct {
	health      *monitor.Health
	gotDays     int
	gotTol      time.Duration
	gotVerifyAt time.Time
}

func (f *fakeMonitor) CheckLoggingHealth(context.Context) (*monitor.Health, error) {
	return f.health, nil
}

func (f *fakeMonitor) GenerateAlerts(context.Context) ([]monitor.Alert, error) {
	return []monitor.Alert{{Type: monitor.AlertDiscrepancy, Severity: monitor.SeverityCritical}}, nil
}

func (f *fakeMonitor) Summary(_ context.Context, days int) (*monitor.Summary, error) {
	f.gotDays = days
	return &monitor.Summary{Days: days, HealthScore: 100}, nil
}

func (f *fakeMonitor) VerifyOperationLogged(_ context.Context, userID string, at time.Time, tol time.Duration) (*monitor.Verification, error) {
	f.gotVerifyAt, f.gotTol = at, tol
	return &monitor.Verification{UserID: userID, At: at, InBilling: true, InAnalytics: true, LoggedInBoth: true}, nil
}

type fakeReconciler struct {
	gotLimit, gotMaxAge int
}

func (f *fakeReconciler) ReconcileRecentMissingActualCosts(_ context.Context, limit, maxAge int) (*reconcile.Result, error) {
	f.gotLimit, f.gotMaxAge = limit, maxAge
	return &reconcile.Result{Processed: 3, Updated: 2}, nil
}

type fakePricingStore struct {
	got *pricing.CreateEntryInput
}

func (f *fakePricingStore) ReplaceCurrent(_ context.Context, in pricing.CreateEntryInput) (*pricing.Entry, error) {
	f.got = &in
	return &pricing.Entry{ID: "entry-1", ModelID: in.ModelID, Provider: in.Provider, InputPrice: in.InputPrice}, nil
}

func (f *fakePricingStore) History(_ context.Context, modelID, provider string) ([]*pricing.Entry, error) {
	return []*pricing.Entry{
		{ID: "new", ModelID: modelID, Provider: provider, IsActive: true},
		{ID: "old", ModelID: modelID, Provider: provider},
	}, nil
}

type fakeInvalidator struct {
	keys []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, modelID, provider string) {
	f.keys = append(f.keys, modelID+":"+provider)
}

type fakeBalances map[string]float64

func (f fakeBalances) Balance(_ context.Context, userID string) (mo.Option[float64], error) {
	if v, ok := f[userID]; ok {
		return mo.Some(v), nil
	}
	return mo.None[float64](), nil
}

type fakeLedger struct {
	records []*usage.Record
	next    string
	gotQ    usage.Query
}

func (f *fakeLedger) GetSummary(_ context.Context, q usage.Query) (*usage.Summary, error) {
	f.gotQ = q
	return &usage.Summary{TotalRecords: int64(len(f.records))}, nil
}

func (f *fakeLedger) List(_ context.Context, q usage.Query) ([]*usage.Record, string, error) {
	f.gotQ = q
	if q.Cursor == "bogus" {
		return nil, "", usage.ErrInvalidCursor
	}
	return f.records, f.next, nil
}

type fakeReports struct {
	items []cost.Item
	opts  cost.Options
}

func (f *fakeReports) Calculate(_ context.Context, items []cost.Item, opts cost.Options) cost.Report {
	f.items, f.opts = items, opts
	return cost.Report{Currency: opts.TargetCurrency}
}

type fakeUsers struct {
	got *user.UpsertInput
}

func (f *fakeUsers) Upsert(_ context.Context, in user.UpsertInput) (*user.User, error) {
	f.got = &in
	return &user.User{ID: in.ID, Email: in.Email, IsAnonymous: in.IsAnonymous}, nil
}

type fakeObserver struct {
	mu       sync.Mutex
	patterns []string
}

func (f *fakeObserver) ObserveHTTPRequest(_, pattern string, _ int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return env.Error
}

// ---------------------------------------------------------------------------
// Health check handler tests
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"no database", nil, http.StatusOK, ""},
		{"database up", &fakePinger{}, http.StatusOK, "connected"},
		{"database down", &fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{DB: tt.db})
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["database"] != tt.wantDB {
				t.Errorf("expected database=%q, got %q", tt.wantDB, body["database"])
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
		})
	}
}

func TestAPIRequiresAdminKey(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Daily: &fakeDaily{counts: map[string]int{}}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/daily/u1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/usage/daily/u1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
}

func TestAPIWithoutConfiguredKeyRejectsEverything(t *testing.T) {
	handler := NewRouter(RouterDeps{Daily: &fakeDaily{counts: map[string]int{}}})
	rec := do(t, handler, http.MethodGet, "/api/v1/usage/daily/u1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Usage routes
// ---------------------------------------------------------------------------

func TestRecordUsage(t *testing.T) {
	fr := &fakeRecorder{rec: &usage.Record{ID: "rec-1", UserID: "u1", ModelID: "gpt-4o", Status: usage.StatusCompleted}}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Recorder: fr})

	body := `{"user_id":"u1","conversation_id":"c1","model_id":"gpt-4o","provider":"openai",
		"response":{"usage":{"prompt_tokens":10,"completion_tokens":20}},"features":["web_search"]}`
	rec := do(t, handler, http.MethodPost, "/api/v1/usage/record", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fr.recorded) != 1 {
		t.Fatalf("expected one recorded interaction, got %d", len(fr.recorded))
	}
	in := fr.recorded[0]
	if in.UserID != "u1" || in.Provider != "openai" || len(in.Features) != 1 {
		t.Errorf("unexpected interaction %+v", in)
	}
	if !strings.Contains(string(in.Response), "prompt_tokens") {
		t.Errorf("expected raw response to be passed through, got %s", in.Response)
	}

	var got usage.Record
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if got.ID != "rec-1" {
		t.Errorf("expected rec-1, got %s", got.ID)
	}
}

func TestRecordUsage_Async(t *testing.T) {
	fr := &fakeRecorder{jobID: "job-9"}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Recorder: fr})

	rec := do(t, handler, http.MethodPost, "/api/v1/usage/record?async=true", `{"user_id":"u1","model_id":"m"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(fr.enqueued) != 1 || len(fr.recorded) != 0 {
		t.Fatalf("expected enqueue only, got %d enqueued %d recorded", len(fr.enqueued), len(fr.recorded))
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["job_id"] != "job-9" {
		t.Errorf("expected job-9, got %q", body["job_id"])
	}
}

func TestRecordUsage_Errors(t *testing.T) {
	tests := []struct {
		name       string
		recorder   *fakeRecorder
		body       string
		wantStatus int
		wantCode   string
	}{
		{"bad json", &fakeRecorder{}, `{`, http.StatusBadRequest, "bad_request"},
		{"invalid input", &fakeRecorder{err: usage.ErrInvalidInput}, `{}`, http.StatusBadRequest, "bad_request"},
		{"store failure", &fakeRecorder{err: errors.New("db down")}, `{"user_id":"u","model_id":"m"}`, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Recorder: tt.recorder})
			rec := do(t, handler, http.MethodPost, "/api/v1/usage/record", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := decodeError(t, rec); got.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, got.Code)
			}
		})
	}
}

func TestRecordUsage_FailedRowIsReturned(t *testing.T) {
	fr := &fakeRecorder{
		rec: &usage.Record{ID: "failed-1", Status: usage.StatusFailed},
		err: errors.New("recording usage: insert failed"),
	}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Recorder: fr})

	rec := do(t, handler, http.MethodPost, "/api/v1/usage/record", `{"user_id":"u","model_id":"m"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Error  errorDetail  `json:"error"`
		Record usage.Record `json:"record"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Error.Code != "record_failed" || body.Record.Status != usage.StatusFailed {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestDailyUsageRoutes(t *testing.T) {
	daily := &fakeDaily{counts: map[string]int{}}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Daily: daily})

	for i := 0; i < 3; i++ {
		rec := do(t, handler, http.MethodPost, "/api/v1/usage/daily/u1/increment", `{"is_anonymous":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("increment: expected 200, got %d", rec.Code)
		}
	}

	rec := do(t, handler, http.MethodGet, "/api/v1/usage/daily/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("check: expected 200, got %d", rec.Code)
	}
	var status dailyusage.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if status.MessageCount != 3 || status.Remaining != 7 {
		t.Errorf("unexpected status %+v", status)
	}
	if daily.counts["u1"] != 3 {
		t.Errorf("check must not increment, count is %d", daily.counts["u1"])
	}

	rec = do(t, handler, http.MethodDelete, "/api/v1/admin/usage/daily/u1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset: expected 204, got %d", rec.Code)
	}
	if len(daily.resets) != 1 || daily.resets[0] != "u1" {
		t.Errorf("expected reset of u1, got %v", daily.resets)
	}
}

func TestIncrementDaily_EmptyBody(t *testing.T) {
	daily := &fakeDaily{counts: map[string]int{}}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Daily: daily})

	rec := do(t, handler, http.MethodPost, "/api/v1/usage/daily/u2/increment", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if daily.counts["u2"] != 1 {
		t.Errorf("expected count 1, got %d", daily.counts["u2"])
	}
}

func TestUnconfiguredServiceReturns503(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t)})

	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/usage/record"},
		{http.MethodGet, "/api/v1/usage/daily/u1"},
		{http.MethodGet, "/api/v1/admin/logging-health"},
		{http.MethodPost, "/api/v1/admin/reconcile"},
		{http.MethodPut, "/api/v1/admin/pricing"},
		{http.MethodGet, "/api/v1/admin/billing/balance/u1"},
	}
	for _, p := range paths {
		rec := do(t, handler, p.method, p.path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected 503, got %d", p.method, p.path, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestLoggingHealthAndAlerts(t *testing.T) {
	mon := &fakeMonitor{health: &monitor.Health{BillingEvents: 1000, AnalyticsRecords: 940, Discrepancy: 60, DiscrepancyPercentage: 0.06, Status: monitor.StatusWarning}}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Monitor: mon})

	rec := do(t, handler, http.MethodGet, "/api/v1/admin/logging-health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h monitor.Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if h.Status != monitor.StatusWarning || h.Discrepancy != 60 {
		t.Errorf("unexpected health %+v", h)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/admin/alerts", "")
	var body struct {
		Alerts []monitor.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].Severity != monitor.SeverityCritical {
		t.Errorf("unexpected alerts %+v", body.Alerts)
	}
}

func TestLoggingSummaryDays(t *testing.T) {
	mon := &fakeMonitor{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Monitor: mon})

	tests := []struct {
		query      string
		wantStatus int
		wantDays   int
	}{
		{"", http.StatusOK, 7},
		{"?days=30", http.StatusOK, 30},
		{"?days=0", http.StatusBadRequest, 0},
		{"?days=abc", http.StatusBadRequest, 0},
		{"?days=365", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		mon.gotDays = 0
		rec := do(t, handler, http.MethodGet, "/api/v1/admin/logging-summary"+tt.query, "")
		if rec.Code != tt.wantStatus {
			t.Errorf("%q: expected %d, got %d", tt.query, tt.wantStatus, rec.Code)
		}
		if mon.gotDays != tt.wantDays {
			t.Errorf("%q: expected days %d, got %d", tt.query, tt.wantDays, mon.gotDays)
		}
	}
}

func TestVerifyOperation(t *testing.T) {
	mon := &fakeMonitor{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Monitor: mon})

	rec := do(t, handler, http.MethodGet, "/api/v1/admin/verify-operation?user_id=u1&at=2025-07-01T10:00:00Z&tolerance_ms=2000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !mon.gotVerifyAt.Equal(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected at %v", mon.gotVerifyAt)
	}
	if mon.gotTol != 2*time.Second {
		t.Errorf("expected tolerance 2s, got %v", mon.gotTol)
	}

	for _, q := range []string{"?at=2025-07-01T10:00:00Z", "?user_id=u1", "?user_id=u1&at=yesterday", "?user_id=u1&at=2025-07-01T10:00:00Z&tolerance_ms=-5"} {
		rec := do(t, handler, http.MethodGet, "/api/v1/admin/verify-operation"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestReconcileUsesDefaults(t *testing.T) {
	rc := &fakeReconciler{}
	handler := NewRouter(RouterDeps{
		AdminVerifier: adminVerifier(t),
		Reconciler:    rc,
		Reconcile:     ReconcileDefaults{Limit: 10, MaxAgeHours: 24},
	})

	rec := do(t, handler, http.MethodPost, "/api/v1/admin/reconcile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rc.gotLimit != 10 || rc.gotMaxAge != 24 {
		t.Errorf("expected defaults 10/24, got %d/%d", rc.gotLimit, rc.gotMaxAge)
	}
	var res reconcile.Result
	_ = json.NewDecoder(rec.Body).Decode(&res)
	if res.Processed != 3 || res.Updated != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/admin/reconcile?limit=50&max_age_hours=6", "")
	if rec.Code != http.StatusOK || rc.gotLimit != 50 || rc.gotMaxAge != 6 {
		t.Errorf("expected overrides 50/6, got %d/%d (status %d)", rc.gotLimit, rc.gotMaxAge, rec.Code)
	}

	rec = do(t, handler, http.MethodPost, "/api/v1/admin/reconcile?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestUpdatePricing(t *testing.T) {
	store := &fakePricingStore{}
	inv := &fakeInvalidator{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), PricingStore: store, Pricing: inv})

	rec := do(t, handler, http.MethodPut, "/api/v1/admin/pricing",
		`{"model_id":"gpt-4o","provider":"openai","input_price":0.0000025,"output_price":0.00001}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.got == nil || store.got.InputPrice != 0.0000025 {
		t.Fatalf("unexpected store input %+v", store.got)
	}
	if len(inv.keys) != 1 || inv.keys[0] != "gpt-4o:openai" {
		t.Errorf("expected cache invalidation for gpt-4o:openai, got %v", inv.keys)
	}

	for _, body := range []string{`{"provider":"openai"}`, `{"model_id":"m","provider":"p","input_price":-1}`, `nope`} {
		rec := do(t, handler, http.MethodPut, "/api/v1/admin/pricing", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestBalance(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Balances: fakeBalances{"u1": 42}})

	rec := do(t, handler, http.MethodGet, "/api/v1/admin/billing/balance/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["balance"] != 42.0 {
		t.Errorf("expected balance 42, got %v", body["balance"])
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/admin/billing/balance/nobody", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRequestObserverSeesRoutePattern(t *testing.T) {
	obs := &fakeObserver{}
	handler := NewRouter(RouterDeps{
		AdminVerifier: adminVerifier(t),
		Daily:         &fakeDaily{counts: map[string]int{}},
		Observer:      obs,
	})

	do(t, handler, http.MethodGet, "/api/v1/usage/daily/u-123", "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.patterns) != 1 || obs.patterns[0] != "/api/v1/usage/daily/{userID}" {
		t.Fatalf("expected route pattern, got %v", obs.patterns)
	}
}

// ---------------------------------------------------------------------------
// Ledger routes
// ---------------------------------------------------------------------------

func TestUsageSummaryFilters(t *testing.T) {
	ledger := &fakeLedger{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Ledger: ledger})

	rec := do(t, handler, http.MethodGet, "/api/v1/usage/summary?user_id=a,b&provider=openrouter&from=2025-07-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ledger.gotQ.UserIDs) != 2 || ledger.gotQ.Provider != "openrouter" {
		t.Errorf("unexpected query %+v", ledger.gotQ)
	}
	if !ledger.gotQ.From.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected from %v", ledger.gotQ.From)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/usage/summary?from=last-week", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad from, got %d", rec.Code)
	}
	rec = do(t, handler, http.MethodGet, "/api/v1/usage/summary?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero limit, got %d", rec.Code)
	}
}

func TestListUsageRecords(t *testing.T) {
	ledger := &fakeLedger{records: []*usage.Record{{ID: "r1"}, {ID: "r2"}}, next: "abc"}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Ledger: ledger})

	rec := do(t, handler, http.MethodGet, "/api/v1/usage?user_id=u1&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Records    []usage.Record `json:"records"`
		NextCursor string         `json:"next_cursor"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Records) != 2 || body.NextCursor != "abc" {
		t.Errorf("unexpected page %+v", body)
	}
	if ledger.gotQ.UserID != "u1" || ledger.gotQ.Limit != 2 {
		t.Errorf("unexpected query %+v", ledger.gotQ)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/usage?cursor=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", rec.Code)
	}
}

func TestUsageReport(t *testing.T) {
	actual := 0.02
	ledger := &fakeLedger{records: []*usage.Record{
		{ID: "r1", ModelID: "gpt-4o", Provider: "openai", InputTokens: 100, OutputTokens: 50},
		{ID: "r2", ModelID: "gpt-4o", Provider: "openai", InputTokens: 10, OutputTokens: 5, ActualCost: &actual, Currency: "USD"},
	}}
	reports := &fakeReports{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Ledger: ledger, Reports: reports, Currency: "USD"})

	rec := do(t, handler, http.MethodGet, "/api/v1/usage/report?user_id=u1&currency=eur&discount=true&cursor=ignored", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(reports.items) != 2 || reports.items[1].ActualCost == nil || *reports.items[1].ActualCost != 0.02 {
		t.Fatalf("unexpected items %+v", reports.items)
	}
	if reports.items[1].Currency != "USD" {
		t.Errorf("expected stored currency USD on item, got %q", reports.items[1].Currency)
	}
	if reports.opts.TargetCurrency != "EUR" || !reports.opts.IncludeVolumeDiscount {
		t.Errorf("unexpected options %+v", reports.opts)
	}
	if ledger.gotQ.Cursor != "" || ledger.gotQ.Limit != maxReportRecords {
		t.Errorf("expected first page capped at %d, got %+v", maxReportRecords, ledger.gotQ)
	}

	do(t, handler, http.MethodGet, "/api/v1/usage/report", "")
	if reports.opts.TargetCurrency != "USD" {
		t.Errorf("expected default currency USD, got %q", reports.opts.TargetCurrency)
	}
}

func TestUpsertUser(t *testing.T) {
	users := &fakeUsers{}
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), Users: users})

	rec := do(t, handler, http.MethodPut, "/api/v1/users/u42", `{"id":"ignored","email":"a@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if users.got == nil || users.got.ID != "u42" || users.got.Email != "a@example.com" {
		t.Errorf("unexpected upsert %+v", users.got)
	}
}

func TestPricingHistory(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminVerifier: adminVerifier(t), PricingStore: &fakePricingStore{}})

	rec := do(t, handler, http.MethodGet, "/api/v1/admin/pricing/history?model_id=gpt-4o&provider=openai", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Entries []pricing.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Entries) != 2 || !body.Entries[0].IsActive {
		t.Errorf("unexpected entries %+v", body.Entries)
	}

	rec = do(t, handler, http.MethodGet, "/api/v1/admin/pricing/history?model_id=gpt-4o", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without provider, got %d", rec.Code)
	}
}

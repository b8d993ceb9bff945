package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSummarize(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) { return 10, 7, 3 })

	m.IncUsageRecord("completed")
	m.IncUsageRecord("completed")
	m.IncUsageRecord("failed")
	m.IncPricingResolution("cached")
	m.IncPricingResolution("default")
	m.IncPricingResolution("cached")
	m.IncBillingReport("skipped")
	m.SetQueueDepth(4)
	m.IncQueueJob("ok")
	m.IncQueueJob("error")
	m.SetDrift(1000, 940, 0.06, "warning")
	m.AddReconciled(10, 3)
	m.AddRetentionDeleted(25)
	m.ObserveHTTPRequest("GET", "/health", 200, 0.01)
	m.ObserveHTTPRequest("GET", "/health", 503, 0.02)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Usage.Records != 3 || s.Usage.Failed != 1 {
		t.Errorf("expected 3 records with 1 failed, got %+v", s.Usage)
	}
	if s.Pricing["cached"] != 2 || s.Pricing["default"] != 1 {
		t.Errorf("unexpected pricing counts %v", s.Pricing)
	}
	if s.Billing["skipped"] != 1 {
		t.Errorf("unexpected billing counts %v", s.Billing)
	}
	if s.Queue.Depth != 4 || s.Queue.Processed != 2 || s.Queue.Failed != 1 {
		t.Errorf("unexpected queue summary %+v", s.Queue)
	}
	if s.Drift.Status != 1 || s.Drift.Ratio != 0.06 || s.Drift.BillingEvents != 1000 {
		t.Errorf("unexpected drift summary %+v", s.Drift)
	}
	if s.Reconcile.Processed != 10 || s.Reconcile.Updated != 3 || s.Reconcile.RetentionDeleted != 25 {
		t.Errorf("unexpected reconcile summary %+v", s.Reconcile)
	}
	if s.HTTP.TotalRequests != 2 || s.HTTP.ErrorRate != 0.5 {
		t.Errorf("unexpected http summary %+v", s.HTTP)
	}
	if s.DB.TotalConns != 10 || s.DB.AcquiredConns != 3 {
		t.Errorf("unexpected db summary %+v", s.DB)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetDrift(100, 80, 0.2, "critical")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/summary", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Summary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if got.Drift.Status != 2 {
		t.Fatalf("expected critical status 2, got %v", got.Drift.Status)
	}
}

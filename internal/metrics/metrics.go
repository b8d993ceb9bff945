package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// healthStatusValues maps drift status to the health gauge value.
var healthStatusValues = map[string]float64{
	"healthy":  0,
	"warning":  1,
	"critical": 2,
}

// Metrics holds all Prometheus metric collectors for tally.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Recording and pricing.
	UsageRecordsTotal      *prometheus.CounterVec
	PricingResolutionTotal *prometheus.CounterVec
	BillingReportsTotal    *prometheus.CounterVec

	// Background queue.
	QueueDepth     prometheus.Gauge
	QueueJobsTotal *prometheus.CounterVec

	// Ledger drift.
	DriftBillingEvents    prometheus.Gauge
	DriftAnalyticsRecords prometheus.Gauge
	DriftRatio            prometheus.Gauge
	DriftStatus           prometheus.Gauge

	// Reconciliation and retention.
	ReconcileProcessedTotal prometheus.Counter
	ReconcileUpdatedTotal   prometheus.Counter
	RetentionDeletedTotal   prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		UsageRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_usage_records_total",
			Help: "Total number of usage records written, by status.",
		}, []string{"status"}),

		PricingResolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_pricing_resolutions_total",
			Help: "Total number of pricing resolutions, by source.",
		}, []string{"source"}),

		BillingReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_billing_reports_total",
			Help: "Total number of consumption reports, by outcome.",
		}, []string{"outcome"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_queue_depth",
			Help: "Current number of jobs waiting in the background queue.",
		}),

		QueueJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_queue_jobs_total",
			Help: "Total number of background jobs processed, by outcome.",
		}, []string{"outcome"}),

		DriftBillingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_drift_billing_events",
			Help: "Billing events in the last drift window.",
		}),

		DriftAnalyticsRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_drift_analytics_records",
			Help: "Usage records in the last drift window.",
		}),

		DriftRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_drift_discrepancy_ratio",
			Help: "Missing usage records as a fraction of billing events.",
		}),

		DriftStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_drift_status",
			Help: "Ledger health: 0 healthy, 1 warning, 2 critical.",
		}),

		ReconcileProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_reconcile_processed_total",
			Help: "Total number of usage records examined by reconciliation.",
		}),

		ReconcileUpdatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_reconcile_updated_total",
			Help: "Total number of usage records given an actual cost by reconciliation.",
		}),

		RetentionDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_retention_deleted_total",
			Help: "Total number of usage records removed by retention cleanup.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageRecordsTotal,
		m.PricingResolutionTotal,
		m.BillingReportsTotal,
		m.QueueDepth,
		m.QueueJobsTotal,
		m.DriftBillingEvents,
		m.DriftAnalyticsRecords,
		m.DriftRatio,
		m.DriftStatus,
		m.ReconcileProcessedTotal,
		m.ReconcileUpdatedTotal,
		m.RetentionDeletedTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, statusCode int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, fmt.Sprintf("%d", statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(seconds)
}

// IncUsageRecord counts a written usage record.
func (m *Metrics) IncUsageRecord(status string) {
	m.UsageRecordsTotal.WithLabelValues(status).Inc()
}

// IncPricingResolution counts a pricing lookup by where it was answered.
func (m *Metrics) IncPricingResolution(source string) {
	m.PricingResolutionTotal.WithLabelValues(source).Inc()
}

// IncBillingReport counts a consumption report by outcome.
func (m *Metrics) IncBillingReport(outcome string) {
	m.BillingReportsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the background queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// IncQueueJob counts a finished background job.
func (m *Metrics) IncQueueJob(outcome string) {
	m.QueueJobsTotal.WithLabelValues(outcome).Inc()
}

// SetDrift publishes the latest drift check.
func (m *Metrics) SetDrift(billingEvents, analyticsRecords int64, ratio float64, status string) {
	m.DriftBillingEvents.Set(float64(billingEvents))
	m.DriftAnalyticsRecords.Set(float64(analyticsRecords))
	m.DriftRatio.Set(ratio)
	m.DriftStatus.Set(healthStatusValues[status])
}

// AddReconciled adds one reconciliation run's counts.
func (m *Metrics) AddReconciled(processed, updated int) {
	m.ReconcileProcessedTotal.Add(float64(processed))
	m.ReconcileUpdatedTotal.Add(float64(updated))
}

// AddRetentionDeleted adds rows removed by retention cleanup.
func (m *Metrics) AddRetentionDeleted(n int64) {
	m.RetentionDeletedTotal.Add(float64(n))
}

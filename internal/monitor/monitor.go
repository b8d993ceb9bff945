package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/usage"
)

// BillingLedger is the billing side as seen by the monitor.
type BillingLedger interface {
	CountSince(ctx context.Context, eventName string, since time.Time) (int64, error)
	DailyCounts(ctx context.Context, eventName string, since time.Time) ([]billing.DailyCount, error)
	ExistsNear(ctx context.Context, userID, eventName string, at time.Time, tolerance time.Duration) (bool, error)
}

// AnalyticsLedger is the analytics side as seen by the monitor.
type AnalyticsLedger interface {
	CountSince(ctx context.Context, since time.Time) (int64, error)
	RecentFailures(ctx context.Context, since time.Time, limit int) ([]usage.Failure, error)
	DailyCounts(ctx context.Context, since time.Time) ([]usage.DailyCount, error)
	ExistsNear(ctx context.Context, userID string, at time.Time, tolerance time.Duration) (bool, error)
}

// AlertSink delivers alerts somewhere outside the process.
type AlertSink interface {
	Send(ctx context.Context, alerts []Alert) error
}

// MetricsRecorder receives the outcome of each health check.
type MetricsRecorder interface {
	SetDrift(billingEvents, analyticsRecords int64, ratio float64, status string)
}

// Config holds the monitor thresholds.
type Config struct {
	EventName         string
	Window            time.Duration
	WarningThreshold  float64
	CriticalThreshold float64
	ErrorSample       int
	VerifyTolerance   time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		EventName:         billing.DefaultEventName,
		Window:            24 * time.Hour,
		WarningThreshold:  0.05,
		CriticalThreshold: 0.10,
		ErrorSample:       10,
		VerifyTolerance:   5 * time.Second,
	}
}

// Monitor compares the billing and analytics ledgers.
type Monitor struct {
	billing   BillingLedger
	analytics AnalyticsLedger
	cfg       Config
	sink      AlertSink
	metrics   MetricsRecorder
	now       func() time.Time
}

// New creates a Monitor. Zero fields in cfg take their defaults.
func New(b BillingLedger, a AnalyticsLedger, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.EventName == "" {
		cfg.EventName = def.EventName
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	if cfg.ErrorSample <= 0 {
		cfg.ErrorSample = def.ErrorSample
	}
	if cfg.VerifyTolerance <= 0 {
		cfg.VerifyTolerance = def.VerifyTolerance
	}
	return &Monitor{
		billing:   b,
		analytics: a,
		cfg:       cfg,
		sink:      LogSink{},
		now:       time.Now,
	}
}

// SetSink replaces the default slog sink.
func (m *Monitor) SetSink(s AlertSink) {
	m.sink = s
}

// SetMetrics sets the optional metrics recorder.
func (m *Monitor) SetMetrics(r MetricsRecorder) {
	m.metrics = r
}

// CheckLoggingHealth counts both ledgers over the rolling window and
// classifies the drift.
func (m *Monitor) CheckLoggingHealth(ctx context.Context) (*Health, error) {
	now := m.now().UTC()
	since := now.Add(-m.cfg.Window)

	billed, err := m.billing.CountSince(ctx, m.cfg.EventName, since)
	if err != nil {
		return nil, fmt.Errorf("counting billing events: %w", err)
	}
	recorded, err := m.analytics.CountSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("counting usage records: %w", err)
	}
	failures, err := m.analytics.RecentFailures(ctx, since, m.cfg.ErrorSample)
	if err != nil {
		return nil, fmt.Errorf("listing recent failures: %w", err)
	}
	if failures == nil {
		failures = []usage.Failure{}
	}

	h := &Health{
		BillingEvents:    billed,
		AnalyticsRecords: recorded,
		Discrepancy:      billed - recorded,
		RecentErrors:     failures,
		WindowHours:      m.cfg.Window.Hours(),
		CheckedAt:        now,
	}
	if billed > 0 {
		h.DiscrepancyPercentage = float64(h.Discrepancy) / float64(billed)
	}
	h.Status = m.classify(h.DiscrepancyPercentage)

	if m.metrics != nil {
		m.metrics.SetDrift(billed, recorded, h.DiscrepancyPercentage, string(h.Status))
	}
	return h, nil
}

func (m *Monitor) classify(loss float64) Status {
	switch {
	case loss >= m.cfg.CriticalThreshold:
		return StatusCritical
	case loss >= m.cfg.WarningThreshold:
		return StatusWarning
	}
	return StatusHealthy
}

// GenerateAlerts runs a health check and turns its findings into alerts.
func (m *Monitor) GenerateAlerts(ctx context.Context) ([]Alert, error) {
	h, err := m.CheckLoggingHealth(ctx)
	if err != nil {
		return nil, err
	}
	return alertsFor(h), nil
}

func alertsFor(h *Health) []Alert {
	alerts := []Alert{}

	if h.Status != StatusHealthy {
		sev := SeverityWarning
		if h.Status == StatusCritical {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Type:     AlertDiscrepancy,
			Severity: sev,
			Message: fmt.Sprintf("%d of %d billing events (%.1f%%) have no usage record in the last %gh",
				h.Discrepancy, h.BillingEvents, h.DiscrepancyPercentage*100, h.WindowHours),
			Data: map[string]any{
				"billingEvents":         h.BillingEvents,
				"analyticsRecords":      h.AnalyticsRecords,
				"discrepancy":           h.Discrepancy,
				"discrepancyPercentage": h.DiscrepancyPercentage,
			},
			CreatedAt: h.CheckedAt,
		})
	}

	if n := len(h.RecentErrors); n > 0 {
		messages := make([]string, 0, n)
		for _, f := range h.RecentErrors {
			messages = append(messages, f.ErrorMessage)
		}
		alerts = append(alerts, Alert{
			Type:      AlertErrors,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("%d failed usage records in the last %gh", n, h.WindowHours),
			Data:      map[string]any{"count": n, "errors": messages},
			CreatedAt: h.CheckedAt,
		})
	}

	if h.BillingEvents == 0 && h.AnalyticsRecords == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoData,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("no billing events or usage records in the last %gh", h.WindowHours),
			Data:      map[string]any{"windowHours": h.WindowHours},
			CreatedAt: h.CheckedAt,
		})
	}
	return alerts
}

// VerifyOperationLogged reports whether an operation by userID near at
// reached each ledger. A zero tolerance uses the configured default.
func (m *Monitor) VerifyOperationLogged(ctx context.Context, userID string, at time.Time, tolerance time.Duration) (*Verification, error) {
	if tolerance <= 0 {
		tolerance = m.cfg.VerifyTolerance
	}
	inBilling, err := m.billing.ExistsNear(ctx, userID, m.cfg.EventName, at, tolerance)
	if err != nil {
		return nil, fmt.Errorf("checking billing ledger: %w", err)
	}
	inAnalytics, err := m.analytics.ExistsNear(ctx, userID, at, tolerance)
	if err != nil {
		return nil, fmt.Errorf("checking analytics ledger: %w", err)
	}
	return &Verification{
		UserID:          userID,
		At:              at,
		InBilling:       inBilling,
		InAnalytics:     inAnalytics,
		LoggedInBoth:    inBilling && inAnalytics,
		ToleranceMillis: tolerance.Milliseconds(),
	}, nil
}

// Summary returns per-day counts for the last days UTC calendar days,
// including today, with a 0-100 health score per day and overall.
func (m *Monitor) Summary(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = 7
	}
	today := m.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	billedDaily, err := m.billing.DailyCounts(ctx, m.cfg.EventName, since)
	if err != nil {
		return nil, fmt.Errorf("counting billing events per day: %w", err)
	}
	recordedDaily, err := m.analytics.DailyCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("counting usage records per day: %w", err)
	}

	byDay := make(map[string]*Day, days)
	for i := 0; i < days; i++ {
		d := since.AddDate(0, 0, i).Format(time.DateOnly)
		byDay[d] = &Day{Date: d}
	}
	for _, c := range billedDaily {
		if d, ok := byDay[c.Date.UTC().Format(time.DateOnly)]; ok {
			d.BillingEvents += c.Count
		}
	}
	for _, c := range recordedDaily {
		if d, ok := byDay[c.Date.UTC().Format(time.DateOnly)]; ok {
			d.AnalyticsRecords += c.Count
		}
	}

	s := &Summary{Days: days, Daily: make([]Day, 0, days)}
	for _, d := range byDay {
		d.Discrepancy = d.BillingEvents - d.AnalyticsRecords
		d.HealthScore = HealthScore(d.BillingEvents, d.AnalyticsRecords)
		s.BillingEvents += d.BillingEvents
		s.AnalyticsRecords += d.AnalyticsRecords
		s.Daily = append(s.Daily, *d)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date < s.Daily[j].Date })
	s.Discrepancy = s.BillingEvents - s.AnalyticsRecords
	s.HealthScore = HealthScore(s.BillingEvents, s.AnalyticsRecords)
	return s, nil
}

// HealthScore is min(100, analytics/billing*100); 100 when nothing was billed.
func HealthScore(billingEvents, analyticsRecords int64) float64 {
	if billingEvents <= 0 {
		return 100
	}
	return math.Min(100, float64(analyticsRecords)/float64(billingEvents)*100)
}

// Run checks health on every tick and pushes any alerts to the sink.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			alerts, err := m.GenerateAlerts(ctx)
			if err != nil {
				slog.Error("drift check failed", "error", err)
				continue
			}
			if len(alerts) == 0 {
				continue
			}
			if err := m.sink.Send(ctx, alerts); err != nil {
				slog.Error("failed to deliver alerts", "count", len(alerts), "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// LogSink writes alerts to the default logger.
type LogSink struct{}

// Send logs each alert at a level matching its severity.
func (LogSink) Send(ctx context.Context, alerts []Alert) error {
	for _, a := range alerts {
		level := slog.LevelWarn
		if a.Severity == SeverityCritical {
			level = slog.LevelError
		}
		slog.Log(ctx, level, a.Message, "alert_type", a.Type, "severity", a.Severity, "data", a.Data)
	}
	return nil
}

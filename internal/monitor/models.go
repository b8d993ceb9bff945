package monitor

import (
	"time"

	"github.com/alecgard/tally/internal/usage"
)

// Status is the health classification of the two ledgers.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Alert types.
const (
	AlertDiscrepancy = "discrepancy"
	AlertErrors      = "errors"
	AlertNoData      = "no_data"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Health is the result of one drift check.
type Health struct {
	BillingEvents         int64           `json:"billingEvents"`
	AnalyticsRecords      int64           `json:"analyticsRecords"`
	Discrepancy           int64           `json:"discrepancy"`
	DiscrepancyPercentage float64         `json:"discrepancyPercentage"`
	Status                Status          `json:"status"`
	RecentErrors          []usage.Failure `json:"recentErrors"`
	WindowHours           float64         `json:"windowHours"`
	CheckedAt             time.Time       `json:"checkedAt"`
}

// Alert is a machine-readable finding for an external alerting pipeline.
type Alert struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Verification reports whether one operation reached both ledgers.
type Verification struct {
	UserID          string    `json:"userId"`
	At              time.Time `json:"at"`
	InBilling       bool      `json:"inBilling"`
	InAnalytics     bool      `json:"inAnalytics"`
	LoggedInBoth    bool      `json:"loggedInBoth"`
	ToleranceMillis int64     `json:"toleranceMs"`
}

// Day is one row of the multi-day summary.
type Day struct {
	Date             string  `json:"date"`
	BillingEvents    int64   `json:"billingEvents"`
	AnalyticsRecords int64   `json:"analyticsRecords"`
	Discrepancy      int64   `json:"discrepancy"`
	HealthScore      float64 `json:"healthScore"`
}

// Summary is the multi-day view.
type Summary struct {
	Days             int     `json:"days"`
	BillingEvents    int64   `json:"billingEvents"`
	AnalyticsRecords int64   `json:"analyticsRecords"`
	Discrepancy      int64   `json:"discrepancy"`
	HealthScore      float64 `json:"healthScore"`
	Daily            []Day   `json:"daily"`
}

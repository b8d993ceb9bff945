package usage

import (
	"errors"
	"time"
)

// ErrInvalidInput is returned when an interaction cannot be attributed.
var ErrInvalidInput = errors.New("invalid usage input")

// ErrNotFound is returned when a usage record does not exist.
var ErrNotFound = errors.New("usage record not found")

// ErrInvalidCursor is returned when a list cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Status is the lifecycle state of a usage record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Metadata keys carrying provenance on a usage record.
const (
	MetaCostSource        = "costSource"
	MetaExtractionPath    = "extractionPath"
	MetaPricingSource     = "pricingSource"
	MetaGenerationID      = "generationId"
	MetaInputTokenSource  = "inputTokenSource"
	MetaOutputTokenSource = "outputTokenSource"
	MetaStopped           = "stopped"
	MetaDiscountApplied   = "discountApplied"
	MetaActualCostSource  = "actualCostSource"
	MetaReconciledAt      = "reconciledAt"
	MetaBackfilled        = "backfilled"
	MetaEstimatedData     = "estimatedData"
	MetaBillingEventID    = "billingEventId"
)

// Record is one row of the analytics ledger: a single billable interaction.
type Record struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	ConversationID     string         `json:"conversation_id"`
	MessageID          *string        `json:"message_id,omitempty"`
	ModelID            string         `json:"model_id"`
	Provider           string         `json:"provider"`
	InputTokens        int            `json:"input_tokens"`
	OutputTokens       int            `json:"output_tokens"`
	TotalTokens        int            `json:"total_tokens"`
	EstimatedCost      float64        `json:"estimated_cost"`
	ActualCost         *float64       `json:"actual_cost"`
	Currency           string         `json:"currency"`
	ProcessingTimeMs   int64          `json:"processing_time_ms"`
	TimeToFirstTokenMs *int64         `json:"time_to_first_token_ms,omitempty"`
	TokensPerSecond    *float64       `json:"tokens_per_second,omitempty"`
	Status             Status         `json:"status"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// BestCost returns the actual cost when confirmed, else the estimate.
func (r *Record) BestCost() float64 {
	if r.ActualCost != nil {
		return *r.ActualCost
	}
	return r.EstimatedCost
}

// Summary holds aggregate metrics for a set of usage records.
type Summary struct {
	TotalRecords  int64   `json:"total_records"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	ActualCost    float64 `json:"actual_cost"`
	FailedCount   int64   `json:"failed_count"`
}

// Query defines filters and pagination for listing usage records.
type Query struct {
	UserID   string    `json:"user_id,omitempty"`
	UserIDs  []string  `json:"user_ids,omitempty"`
	ModelID  string    `json:"model_id,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Status   Status    `json:"status,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Cursor   string    `json:"cursor,omitempty"`
	Limit    int       `json:"limit"`
}

// Failure is a failed-status record, surfaced as diagnostic context.
type Failure struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ModelID      string    `json:"model_id"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyCount is the number of records on one UTC calendar day.
type DailyCount struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"count"`
}

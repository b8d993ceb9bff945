package billing

import (
	"errors"
	"time"
)

// DefaultEventName is the canonical consumption event.
const DefaultEventName = "message.processed"

var (
	// ErrInvalidInput is returned for malformed consumption reports.
	ErrInvalidInput = errors.New("invalid billing input")
	// ErrForeignKeyViolation is returned when the owning user row does not
	// exist yet.
	ErrForeignKeyViolation = errors.New("billing event references unknown user")
)

// Payload keys on a billing event.
const (
	PayloadCreditsConsumed = "credits_consumed"
	PayloadBaseCredits     = "baseCredits"
	PayloadAdditionalCost  = "additionalCost"
	PayloadSkipped         = "skippedPolarReporting"
	PayloadSkipReason      = "reason"
	PayloadModel           = "model"
	PayloadProvider        = "provider"
	PayloadInputTokens     = "inputTokens"
	PayloadOutputTokens    = "outputTokens"
	PayloadUsageRecordID   = "usageRecordId"
)

// Event is one row of the local billing ledger. Append-only.
type Event struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	CustomerID *string        `json:"polar_customer_id"`
	EventName  string         `json:"event_name"`
	Payload    map[string]any `json:"event_payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CreditsConsumed reads the credits figure from the payload. JSON numbers
// decode as float64; other types count as zero.
func (e *Event) CreditsConsumed() float64 {
	return payloadNumber(e.Payload, PayloadCreditsConsumed)
}

// AdditionalCost reads the surcharge credits from the payload.
func (e *Event) AdditionalCost() float64 {
	return payloadNumber(e.Payload, PayloadAdditionalCost)
}

// PayloadString reads a string payload field.
func (e *Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

func payloadNumber(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Consumption is a credit-consumption report for one interaction.
type Consumption struct {
	UserID string
	// CustomerID is the remote customer; resolved by external id when empty.
	CustomerID  string
	IsAnonymous bool
	Credits     int
	// EventName defaults to the reporter's configured name.
	EventName string
	Payload   map[string]any
}

// Result describes what ReportConsumption did.
type Result struct {
	Event    *Event `json:"event,omitempty"`
	Reported bool   `json:"reported"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
}

// DailyCount is the number of events on one UTC calendar day.
type DailyCount struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"count"`
}

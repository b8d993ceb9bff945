package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/mo"

	"github.com/alecgard/tally/internal/user"
)

// EventStore is the local billing ledger.
type EventStore interface {
	Insert(ctx context.Context, e *Event) (*Event, error)
}

// Processor is the remote billing processor.
type Processor interface {
	IngestEvent(ctx context.Context, customerID, eventName string, metadata map[string]any) error
	GetCustomerByExternalID(ctx context.Context, userID string) (mo.Option[Customer], error)
	GetCustomerMeterBalance(ctx context.Context, customerID string) (mo.Option[float64], error)
}

// UserLookup resolves local account flags.
type UserLookup interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// MetricsRecorder is an optional sink for report outcomes.
type MetricsRecorder interface {
	IncBillingReport(outcome string)
}

// Reporter reports consumption to the remote processor and mirrors every
// report into the local billing ledger.
type Reporter struct {
	store     EventStore
	processor Processor
	users     UserLookup
	eventName string
	metrics   MetricsRecorder
}

// NewReporter creates a Reporter. processor and users may be nil; without a
// processor every report is mirrored locally only.
func NewReporter(store EventStore, processor Processor, users UserLookup, eventName string) *Reporter {
	if eventName == "" {
		eventName = DefaultEventName
	}
	return &Reporter{store: store, processor: processor, users: users, eventName: eventName}
}

// SetMetrics sets the optional metrics recorder.
func (r *Reporter) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// EventName returns the configured consumption event name.
func (r *Reporter) EventName() string {
	return r.eventName
}

// ReportConsumption submits c to the remote processor when the user is
// billable and always writes the local mirror row. Remote failures are
// logged and swallowed. A missing local user is logged and reported as a
// nil event with no error.
func (r *Reporter) ReportConsumption(ctx context.Context, c Consumption) (*Result, error) {
	if c.UserID == "" || c.Credits < 0 {
		return nil, ErrInvalidInput
	}
	eventName := c.EventName
	if eventName == "" {
		eventName = r.eventName
	}

	payload := make(map[string]any, len(c.Payload)+3)
	for k, v := range c.Payload {
		payload[k] = v
	}
	payload[PayloadCreditsConsumed] = c.Credits

	res := &Result{}
	if reason := r.skipReason(ctx, c); reason != "" {
		res.Skipped = true
		res.Reason = reason
		payload[PayloadSkipped] = true
		payload[PayloadSkipReason] = reason
	} else {
		c.CustomerID = r.resolveCustomer(ctx, c)
		if c.CustomerID != "" {
			if err := r.processor.IngestEvent(ctx, c.CustomerID, eventName, payload); err != nil {
				slog.Warn("failed to report usage to billing processor",
					"user_id", c.UserID, "customer_id", c.CustomerID, "error", err)
				r.inc("remote_error")
			} else {
				res.Reported = true
				r.inc("reported")
			}
		}
	}

	e := &Event{UserID: c.UserID, EventName: eventName, Payload: payload}
	if c.CustomerID != "" {
		id := c.CustomerID
		e.CustomerID = &id
	}
	saved, err := r.store.Insert(ctx, e)
	if errors.Is(err, ErrForeignKeyViolation) {
		slog.Warn("billing event for unknown user not mirrored", "user_id", c.UserID)
		r.inc("unknown_user")
		return res, nil
	}
	if err != nil {
		r.inc("mirror_error")
		return nil, fmt.Errorf("mirroring billing event: %w", err)
	}
	res.Event = saved
	if res.Skipped {
		r.inc("skipped")
	}
	return res, nil
}

// skipReason returns why c must not be reported remotely, or "".
func (r *Reporter) skipReason(ctx context.Context, c Consumption) string {
	if c.IsAnonymous {
		return "anonymous user"
	}
	if r.users != nil {
		u, err := r.users.Get(ctx, c.UserID)
		switch {
		case err == nil && u.IsAnonymous:
			return "anonymous user"
		case err == nil && u.CreditExempt():
			return "credit-exempt user"
		case err != nil && !errors.Is(err, user.ErrNotFound):
			slog.Warn("user lookup failed, reporting as billable", "user_id", c.UserID, "error", err)
		}
	}
	if r.processor == nil {
		return "billing processor not configured"
	}
	return ""
}

func (r *Reporter) resolveCustomer(ctx context.Context, c Consumption) string {
	if c.CustomerID != "" {
		return c.CustomerID
	}
	customer, err := r.processor.GetCustomerByExternalID(ctx, c.UserID)
	if err != nil {
		slog.Warn("failed to resolve billing customer", "user_id", c.UserID, "error", err)
		r.inc("remote_error")
		return ""
	}
	found, ok := customer.Get()
	if !ok {
		slog.Info("no billing customer for user", "user_id", c.UserID)
		return ""
	}
	return found.ID
}

// Balance returns the remote credit balance for userID. Absent when the user
// has no remote customer or meter.
func (r *Reporter) Balance(ctx context.Context, userID string) (mo.Option[float64], error) {
	if r.processor == nil {
		return mo.None[float64](), nil
	}
	customer, err := r.processor.GetCustomerByExternalID(ctx, userID)
	if err != nil {
		return mo.None[float64](), fmt.Errorf("resolving customer: %w", err)
	}
	found, ok := customer.Get()
	if !ok {
		return mo.None[float64](), nil
	}
	return r.processor.GetCustomerMeterBalance(ctx, found.ID)
}

func (r *Reporter) inc(outcome string) {
	if r.metrics != nil {
		r.metrics.IncBillingReport(outcome)
	}
}

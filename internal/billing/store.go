package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgForeignKeyViolation is the SQLSTATE for foreign_key_violation.
const pgForeignKeyViolation = "23503"

// zeroUUID sorts before every generated id.
const zeroUUID = "00000000-0000-0000-0000-000000000000"

// Store provides database operations for the billing ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanEvent(scan func(dest ...any) error) (*Event, error) {
	var e Event
	var payload []byte
	if err := scan(&e.ID, &e.UserID, &e.CustomerID, &e.EventName, &payload, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return &e, nil
}

// Insert appends an event. A missing owning user yields ErrForeignKeyViolation.
func (s *Store) Insert(ctx context.Context, e *Event) (*Event, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	out, err := scanEvent(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO billing_events (user_id, polar_customer_id, event_name, event_payload)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, user_id, polar_customer_id, event_name, event_payload, created_at`,
			e.UserID, e.CustomerID, e.EventName, payloadJSON,
		).Scan(dest...)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, fmt.Errorf("%w: %s", ErrForeignKeyViolation, e.UserID)
		}
		return nil, fmt.Errorf("inserting billing event: %w", err)
	}
	return out, nil
}

// CountSince returns the number of events named name created at or after since.
func (s *Store) CountSince(ctx context.Context, name string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM billing_events WHERE event_name = $1 AND created_at >= $2`,
		name, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting billing events: %w", err)
	}
	return n, nil
}

// DailyCounts returns per-day counts of events named name since since.
func (s *Store) DailyCounts(ctx context.Context, name string, since time.Time) ([]DailyCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		 FROM billing_events
		 WHERE event_name = $1 AND created_at >= $2
		 GROUP BY day ORDER BY day`,
		name, since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily billing counts: %w", err)
	}
	defer rows.Close()

	var out []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		dc.Date = dc.Date.UTC()
		out = append(out, dc)
	}
	return out, rows.Err()
}

// ExistsNear reports whether userID has an event named name within tolerance
// of at.
func (s *Store) ExistsNear(ctx context.Context, userID, name string, at time.Time, tolerance time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM billing_events
		   WHERE user_id = $1 AND event_name = $2 AND created_at BETWEEN $3 AND $4
		 )`,
		userID, name, at.Add(-tolerance), at.Add(tolerance),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking billing event: %w", err)
	}
	return exists, nil
}

// UnmatchedQuery selects billing events without a corresponding usage record.
type UnmatchedQuery struct {
	EventName string
	// Window is how far from the event a usage record may be and still count
	// as its match.
	Window time.Duration
	// AfterCreatedAt and AfterID resume after the last event of a prior page.
	AfterCreatedAt time.Time
	AfterID        string
	Limit          int
}

// ListUnmatched returns events for which the same user has no usage record
// within the match window, oldest first. Matching is by user and time only.
// Backfilled rows never match by time, so repairing one event cannot hide a
// neighbouring lost event; they match only the event they were rebuilt from.
func (s *Store) ListUnmatched(ctx context.Context, q UnmatchedQuery) ([]*Event, error) {
	afterID := q.AfterID
	if afterID == "" {
		afterID = zeroUUID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.user_id, b.polar_customer_id, b.event_name, b.event_payload, b.created_at
		 FROM billing_events b
		 WHERE b.event_name = $1
		   AND (b.created_at, b.id) > ($2, $3::uuid)
		   AND NOT EXISTS (
		     SELECT 1 FROM usage_metrics u
		     WHERE u.user_id = b.user_id
		       AND (
		         (NOT (u.metadata ? 'backfilled')
		          AND u.created_at BETWEEN b.created_at - make_interval(secs => $4)
		                               AND b.created_at + make_interval(secs => $4))
		         OR u.metadata->>'billingEventId' = b.id::text
		       )
		   )
		 ORDER BY b.created_at, b.id
		 LIMIT $5`,
		q.EventName, q.AfterCreatedAt, afterID, q.Window.Seconds(), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unmatched billing events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning billing event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package dailyusage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"
)

// Store provides database operations for daily usage counters.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new counter store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Increment adds one to the (user, day) counter in a single statement,
// creating the row at 1 when absent. Concurrent increments from any number
// of processes are serialised by the row's primary key.
func (s *Store) Increment(ctx context.Context, userID string, day time.Time, isAnonymous bool, at time.Time) (*Counter, error) {
	c := &Counter{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO daily_usage_counters (user_id, usage_date, message_count, last_activity, is_anonymous)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (user_id, usage_date)
		 DO UPDATE SET message_count = daily_usage_counters.message_count + 1,
		               last_activity = EXCLUDED.last_activity
		 RETURNING user_id, usage_date, message_count, last_activity, is_anonymous`,
		userID, day, at, isAnonymous,
	).Scan(&c.UserID, &c.UsageDate, &c.MessageCount, &c.LastActivity, &c.IsAnonymous)
	if err != nil {
		return nil, fmt.Errorf("incrementing daily usage: %w", err)
	}
	return c, nil
}

// Get returns the (user, day) counter, absent when there has been no
// activity that day.
func (s *Store) Get(ctx context.Context, userID string, day time.Time) (mo.Option[Counter], error) {
	var c Counter
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, usage_date, message_count, last_activity, is_anonymous
		 FROM daily_usage_counters
		 WHERE user_id = $1 AND usage_date = $2`,
		userID, day,
	).Scan(&c.UserID, &c.UsageDate, &c.MessageCount, &c.LastActivity, &c.IsAnonymous)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[Counter](), nil
	}
	if err != nil {
		return mo.None[Counter](), fmt.Errorf("getting daily usage: %w", err)
	}
	return mo.Some(c), nil
}

// Reset deletes the (user, day) counter. It reports whether a row existed.
func (s *Store) Reset(ctx context.Context, userID string, day time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM daily_usage_counters WHERE user_id = $1 AND usage_date = $2`,
		userID, day,
	)
	if err != nil {
		return false, fmt.Errorf("resetting daily usage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

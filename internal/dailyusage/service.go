package dailyusage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"

	"github.com/alecgard/tally/internal/user"
)

// ErrInvalidInput is returned for an empty user id.
var ErrInvalidInput = errors.New("invalid daily usage input")

// CounterStore persists daily counters.
type CounterStore interface {
	Increment(ctx context.Context, userID string, day time.Time, isAnonymous bool, at time.Time) (*Counter, error)
	Get(ctx context.Context, userID string, day time.Time) (mo.Option[Counter], error)
	Reset(ctx context.Context, userID string, day time.Time) (bool, error)
}

// UserLookup resolves account type and per-user limit overrides.
type UserLookup interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// Service enforces per-user daily message limits. The counter table is its
// only source of usage; nothing else a user can delete affects it.
type Service struct {
	store  CounterStore
	users  UserLookup
	limits Limits
	now    func() time.Time
}

// NewService creates a Service. Zero limits take the defaults.
func NewService(store CounterStore, users UserLookup, limits Limits) *Service {
	if limits.Anonymous <= 0 {
		limits.Anonymous = DefaultAnonymousLimit
	}
	if limits.Authenticated <= 0 {
		limits.Authenticated = DefaultAuthenticatedLimit
	}
	return &Service{store: store, users: users, limits: limits, now: time.Now}
}

func (s *Service) today() (time.Time, time.Time) {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), now
}

// IncrementDailyUsage records one message for userID today.
func (s *Service) IncrementDailyUsage(ctx context.Context, userID string, isAnonymous bool) (*IncrementResult, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	day, now := s.today()
	c, err := s.store.Increment(ctx, userID, day, isAnonymous, now)
	if err != nil {
		return nil, err
	}
	return &IncrementResult{UserID: userID, NewCount: c.MessageCount, Date: day.Format(dateLayout)}, nil
}

// GetDailyUsage returns the user's count, limit and remaining allowance for
// today. Errors are returned rather than defaulted so callers can refuse the
// request.
func (s *Service) GetDailyUsage(ctx context.Context, userID string) (*Status, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	day, _ := s.today()

	counter, err := s.store.Get(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	limit, anonymous, err := s.limitFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	count := 0
	if c, ok := counter.Get(); ok {
		count = c.MessageCount
	}
	return &Status{
		UserID:          userID,
		Date:            day.Format(dateLayout),
		MessageCount:    count,
		Limit:           limit,
		Remaining:       max(0, limit-count),
		HasReachedLimit: count >= limit,
		IsAnonymous:     anonymous,
	}, nil
}

// CheckDailyLimit checks the limit without recording anything. It returns
// exactly what GetDailyUsage returns.
func (s *Service) CheckDailyLimit(ctx context.Context, userID string) (*Status, error) {
	return s.GetDailyUsage(ctx, userID)
}

// Reset clears today's counter for userID.
func (s *Service) Reset(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidInput
	}
	day, _ := s.today()
	return s.store.Reset(ctx, userID, day)
}

// limitFor returns the user's daily limit. Users without a local account
// are anonymous.
func (s *Service) limitFor(ctx context.Context, userID string) (int, bool, error) {
	if s.users == nil {
		return s.limits.Anonymous, true, nil
	}
	u, err := s.users.Get(ctx, userID)
	if errors.Is(err, user.ErrNotFound) {
		return s.limits.Anonymous, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving daily limit: %w", err)
	}
	if u.IsAnonymous {
		return s.limits.Anonymous, true, nil
	}
	return u.DailyMessageLimit().OrElse(s.limits.Authenticated), false, nil
}

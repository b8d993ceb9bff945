package dailyusage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tally/internal/user"
)

// memStore emulates the upsert-increment under a single lock.
type memStore struct {
	mu       sync.Mutex
	counters map[string]Counter
	err      error
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]Counter{}}
}

func memKey(userID string, day time.Time) string {
	return userID + "|" + day.Format(dateLayout)
}

func (m *memStore) Increment(_ context.Context, userID string, day time.Time, isAnonymous bool, at time.Time) (*Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	k := memKey(userID, day)
	c, ok := m.counters[k]
	if !ok {
		c = Counter{UserID: userID, UsageDate: day, IsAnonymous: isAnonymous}
	}
	c.MessageCount++
	c.LastActivity = at
	m.counters[k] = c
	return &c, nil
}

func (m *memStore) Get(_ context.Context, userID string, day time.Time) (mo.Option[Counter], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return mo.None[Counter](), m.err
	}
	c, ok := m.counters[memKey(userID, day)]
	if !ok {
		return mo.None[Counter](), nil
	}
	return mo.Some(c), nil
}

func (m *memStore) Reset(_ context.Context, userID string, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(userID, day)
	_, ok := m.counters[k]
	delete(m.counters, k)
	return ok, nil
}

type fakeUsers struct {
	users map[string]*user.User
	err   error
}

func (f *fakeUsers) Get(_ context.Context, id string) (*user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func newTestService(store *memStore, users map[string]*user.User) *Service {
	s := NewService(store, &fakeUsers{users: users}, Limits{})
	s.now = func() time.Time { return time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC) }
	return s
}

func TestAnonymousUserHitsLimitAtTen(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		before, err := s.CheckDailyLimit(ctx, "anon-1")
		require.NoError(t, err)
		require.False(t, before.HasReachedLimit, "message %d should be allowed", i+1)
		_, err = s.IncrementDailyUsage(ctx, "anon-1", true)
		require.NoError(t, err)
	}

	st, err := s.GetDailyUsage(ctx, "anon-1")
	require.NoError(t, err)
	assert.Equal(t, 10, st.MessageCount)
	assert.Equal(t, 10, st.Limit)
	assert.Equal(t, 0, st.Remaining)
	assert.True(t, st.HasReachedLimit)
	assert.True(t, st.IsAnonymous)

	res, err := s.IncrementDailyUsage(ctx, "anon-1", true)
	require.NoError(t, err, "an increment past the limit still records")
	assert.Equal(t, 11, res.NewCount)
	assert.Equal(t, "2025-06-01", res.Date)

	st, err = s.GetDailyUsage(ctx, "anon-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Remaining)
}

func TestIncrementIsCounted(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, map[string]*user.User{"u": {ID: "u"}})
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		_, err := s.IncrementDailyUsage(ctx, "u", false)
		require.NoError(t, err)
	}

	st, err := s.GetDailyUsage(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, n, st.MessageCount)
	assert.Equal(t, DefaultAuthenticatedLimit, st.Limit)
	assert.Equal(t, DefaultAuthenticatedLimit-n, st.Remaining)
	assert.False(t, st.IsAnonymous)
}

func TestCheckDailyLimitNeverMutates(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, nil)
	ctx := context.Background()

	_, err := s.IncrementDailyUsage(ctx, "u", true)
	require.NoError(t, err)

	got, err := s.GetDailyUsage(ctx, "u")
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		checked, err := s.CheckDailyLimit(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, got, checked)
	}

	after, err := s.GetDailyUsage(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, after.MessageCount)

	// Probing a user with no activity creates no row.
	_, err = s.CheckDailyLimit(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, store.counters, 1)
}

func TestConcurrentIncrements(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementDailyUsage(ctx, "u", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.GetDailyUsage(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 40, st.MessageCount)
}

func TestLimitResolution(t *testing.T) {
	users := map[string]*user.User{
		"override": {ID: "override", Metadata: map[string]any{user.MetaDailyMessageLimit: float64(200)}},
		"anon":     {ID: "anon", IsAnonymous: true, Metadata: map[string]any{user.MetaDailyMessageLimit: float64(200)}},
		"plain":    {ID: "plain"},
	}
	s := newTestService(newMemStore(), users)
	ctx := context.Background()

	tests := []struct {
		userID string
		want   int
	}{
		{userID: "override", want: 200},
		{userID: "anon", want: DefaultAnonymousLimit},
		{userID: "plain", want: DefaultAuthenticatedLimit},
		{userID: "unknown", want: DefaultAnonymousLimit},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			st, err := s.GetDailyUsage(ctx, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Limit)
		})
	}
}

func TestErrorsFailTheCheck(t *testing.T) {
	ctx := context.Background()

	broken := newMemStore()
	broken.err = errors.New("connection reset")
	s := newTestService(broken, nil)
	_, err := s.CheckDailyLimit(ctx, "u")
	assert.Error(t, err)
	_, err = s.IncrementDailyUsage(ctx, "u", false)
	assert.Error(t, err)

	s = NewService(newMemStore(), &fakeUsers{err: errors.New("timeout")}, Limits{})
	_, err = s.CheckDailyLimit(ctx, "u")
	assert.Error(t, err)

	_, err = s.CheckDailyLimit(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewDayStartsFresh(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil, Limits{Anonymous: 2})
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.IncrementDailyUsage(ctx, "u", true)
	s.IncrementDailyUsage(ctx, "u", true)
	st, _ := s.CheckDailyLimit(ctx, "u")
	assert.True(t, st.HasReachedLimit)

	now = now.Add(2 * time.Minute)
	st, err := s.CheckDailyLimit(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 0, st.MessageCount)
	assert.Equal(t, "2025-06-02", st.Date)
}

func TestReset(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, nil)
	ctx := context.Background()

	s.IncrementDailyUsage(ctx, "u", true)
	ok, err := s.Reset(ctx, "u")
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := s.GetDailyUsage(ctx, "u")
	assert.Equal(t, 0, st.MessageCount)

	ok, _ = s.Reset(ctx, "u")
	assert.False(t, ok)
}

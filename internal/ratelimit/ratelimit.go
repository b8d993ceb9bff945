package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Upstream keys used by the outbound clients.
const (
	KeyBilling  = "billing"
	KeyProvider = "provider"
)

// bucket tracks the token state for a single upstream.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Limiter is a token-bucket throttle for outbound calls, keyed by upstream.
// Each upstream may make rate calls per window, bursting up to rate. A rate
// of zero or less means unlimited.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	rates       map[string]int
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate calls per window to any
// upstream without its own rate.
func New(defaultRate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		rates:       make(map[string]int),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// SetRate overrides the rate for one upstream.
func (l *Limiter) SetRate(key string, rate int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[key] = rate
}

// rateFor returns the configured rate for key. Must be called with l.mu held.
func (l *Limiter) rateFor(key string) int {
	if r, ok := l.rates[key]; ok {
		return r
	}
	return l.defaultRate
}

// getBucket returns the bucket for key, creating one if it doesn't exist.
// Must be called with l.mu held.
func (l *Limiter) getBucket(key string, rate int) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(rate),
			lastRefill: l.now(),
			rate:       rate,
		}
		l.buckets[key] = b
	}
	b.rate = rate
	return b
}

// refill adds tokens to the bucket based on elapsed time since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	// Tokens accumulate at rate/window per second.
	b.tokens += elapsed * l.perSecond(b.rate)
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) perSecond(rate int) float64 {
	return float64(rate) / l.window.Seconds()
}

// Allow consumes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.rateFor(key)
	if rate <= 0 {
		return true
	}
	b := l.getBucket(key, rate)
	l.refill(b)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reserve takes a token for key, borrowing against future refills when the
// bucket is empty, and returns how long the caller must wait before using it.
func (l *Limiter) Reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.rateFor(key)
	if rate <= 0 {
		return 0
	}
	b := l.getBucket(key, rate)
	l.refill(b)

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / l.perSecond(rate) * float64(time.Second))
}

// cancel returns a reserved token.
func (l *Limiter) cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.tokens++
	}
}

// Wait blocks until a call to key is permitted or ctx is done. A cancelled
// wait gives its token back.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	d := l.Reserve(key)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.cancel(key)
		return ctx.Err()
	}
}

// Status returns the current state for key. limit is the maximum number of
// tokens, remaining is the number of tokens left (floored to int), and
// resetAt is the time at which the bucket will be fully replenished.
func (l *Limiter) Status(key string) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.rateFor(key)
	if rate <= 0 {
		return 0, 0, l.now()
	}
	b := l.getBucket(key, rate)
	l.refill(b)

	limit = rate
	remaining = int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	deficit := float64(rate) - b.tokens
	if deficit <= 0 {
		resetAt = l.now()
	} else {
		resetAt = l.now().Add(time.Duration(deficit / l.perSecond(rate) * float64(time.Second)))
	}
	return
}

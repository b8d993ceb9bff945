package usage

import (
	"context"
	"log/slog"
	"time"
)

// Expirer deletes usage records created before a cutoff, at most batch at a
// time.
type Expirer interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// RetentionMetrics is the subset of the metrics registry the cleaner uses.
type RetentionMetrics interface {
	AddRetentionDeleted(n int64)
}

// Cleaner periodically removes usage records older than the retention
// window. It is the only deletion path for the analytics ledger.
type Cleaner struct {
	store     Expirer
	retention time.Duration
	batchSize int
	metrics   RetentionMetrics
	now       func() time.Time
}

// NewCleaner creates a Cleaner keeping days of history.
func NewCleaner(store Expirer, days, batchSize int) *Cleaner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Cleaner{
		store:     store,
		retention: time.Duration(days) * 24 * time.Hour,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SetMetrics attaches a metrics recorder.
func (c *Cleaner) SetMetrics(m RetentionMetrics) {
	c.metrics = m
}

// Sweep deletes expired records batch by batch until a short batch signals
// nothing is left, returning the total removed.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.retention)

	var total int64
	for {
		n, err := c.store.DeleteOlderThan(ctx, cutoff, c.batchSize)
		total += n
		if c.metrics != nil && n > 0 {
			c.metrics.AddRetentionDeleted(n)
		}
		if err != nil {
			return total, err
		}
		if n < int64(c.batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	sweep := func() {
		n, err := c.Sweep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("usage retention sweep failed", "deleted", n, "error", err)
			}
			return
		}
		if n > 0 {
			slog.Info("usage retention sweep", "deleted", n, "retention", c.retention.String())
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EntryStore is the persisted price table as seen by the Resolver.
type EntryStore interface {
	GetCurrent(ctx context.Context, modelID, provider string, at time.Time) (*Entry, error)
	GetCurrentBatch(ctx context.Context, pairs []Pair, at time.Time) (map[string]Entry, error)
}

// MetricsRecorder is an optional sink for resolution outcomes.
type MetricsRecorder interface {
	IncPricingResolution(source string)
}

// Resolver resolves per-token prices: explicit override, then cache, then
// the persisted table, then the hardcoded defaults. It never fails; lookup
// errors degrade to the next source.
type Resolver struct {
	store   EntryStore
	cache   Cache
	now     func() time.Time
	metrics MetricsRecorder
}

// NewResolver creates a Resolver. store may be nil, in which case only the
// cache and defaults are consulted.
func NewResolver(store EntryStore, cache Cache) *Resolver {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Resolver{store: store, cache: cache, now: time.Now}
}

// SetMetrics sets the optional metrics recorder.
func (r *Resolver) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

func (r *Resolver) observe(p Pricing) Pricing {
	if r.metrics != nil {
		r.metrics.IncPricingResolution(string(p.Source))
	}
	return p
}

// Resolve returns the price for (modelID, provider). A non-nil explicit
// override wins unconditionally.
func (r *Resolver) Resolve(ctx context.Context, modelID, provider string, explicit *Pricing) Pricing {
	if explicit != nil {
		p := *explicit
		p.ModelID, p.Provider, p.Source = modelID, provider, SourceExplicit
		if p.Currency == "" {
			p.Currency = "USD"
		}
		return r.observe(p)
	}

	key := Pair{ModelID: modelID, Provider: provider}.Key()
	if cached, ok := r.cache.Get(ctx, key).Get(); ok {
		cached.Source = SourceCached
		return r.observe(cached)
	}

	if r.store != nil {
		e, err := r.store.GetCurrent(ctx, modelID, provider, r.now().UTC())
		switch {
		case err == nil:
			p := fromEntry(*e)
			r.cache.Set(ctx, key, p)
			return r.observe(p)
		case !errors.Is(err, ErrNotFound):
			slog.Warn("pricing lookup failed, using defaults",
				"model", modelID, "provider", provider, "error", err)
		}
	}

	return r.observe(DefaultPricing(modelID, provider))
}

// ResolveBatch resolves many pairs, keyed by Pair.Key(). All pairs missing
// from the cache are fetched with one store query.
func (r *Resolver) ResolveBatch(ctx context.Context, pairs []Pair) map[string]Pricing {
	out := make(map[string]Pricing, len(pairs))
	var uncached []Pair
	seen := make(map[string]bool, len(pairs))

	for _, pair := range pairs {
		key := pair.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if cached, ok := r.cache.Get(ctx, key).Get(); ok {
			cached.Source = SourceCached
			out[key] = r.observe(cached)
			continue
		}
		uncached = append(uncached, pair)
	}

	if len(uncached) == 0 {
		return out
	}

	var found map[string]Entry
	if r.store != nil {
		var err error
		found, err = r.store.GetCurrentBatch(ctx, uncached, r.now().UTC())
		if err != nil {
			slog.Warn("batch pricing lookup failed, using defaults", "pairs", len(uncached), "error", err)
			found = nil
		}
	}

	for _, pair := range uncached {
		key := pair.Key()
		if e, ok := found[key]; ok {
			p := fromEntry(e)
			r.cache.Set(ctx, key, p)
			out[key] = r.observe(p)
			continue
		}
		out[key] = r.observe(DefaultPricing(pair.ModelID, pair.Provider))
	}
	return out
}

// Learn stores a price derived from provider-reported costs in the cache. It
// is served as a cached price until the TTL lapses.
func (r *Resolver) Learn(ctx context.Context, p Pricing) {
	r.cache.Set(ctx, Pair{ModelID: p.ModelID, Provider: p.Provider}.Key(), p)
}

// Invalidate drops the cached price for a pair.
func (r *Resolver) Invalidate(ctx context.Context, modelID, provider string) {
	r.cache.Delete(ctx, Pair{ModelID: modelID, Provider: provider}.Key())
}

func fromEntry(e Entry) Pricing {
	currency := e.Currency
	if currency == "" {
		currency = "USD"
	}
	return Pricing{
		ModelID:        e.ModelID,
		Provider:       e.Provider,
		InputPerToken:  e.InputPrice,
		OutputPerToken: e.OutputPrice,
		Currency:       currency,
		Source:         SourcePersisted,
	}
}

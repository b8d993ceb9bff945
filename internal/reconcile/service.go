package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/provider"
	"github.com/alecgard/tally/internal/usage"
)

// Defaults bounding one run.
const (
	DefaultLimit       = 10
	DefaultMaxAgeHours = 24
)

// RecordStore is the analytics ledger as seen by reconciliation.
type RecordStore interface {
	ListMissingActualCost(ctx context.Context, provider string, since time.Time, limit int) ([]*usage.Record, error)
	UpdateActualCost(ctx context.Context, id string, actualCost float64, meta map[string]any) (bool, error)
}

// GenerationFetcher fetches a provider's authoritative cost.
type GenerationFetcher interface {
	FetchGeneration(ctx context.Context, id string) (*provider.Generation, error)
}

// CurrencyConverter converts generation costs into a row's currency.
type CurrencyConverter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// MetricsRecorder is an optional sink for run results.
type MetricsRecorder interface {
	AddReconciled(processed, updated int)
}

// Result is the outcome of one run.
type Result struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Service backfills authoritative costs for recent rows that lack one.
type Service struct {
	store     RecordStore
	fetcher   GenerationFetcher
	provider  string
	converter CurrencyConverter
	now       func() time.Time
	metrics   MetricsRecorder
}

// NewService creates a Service that reconciles rows from providerName.
func NewService(store RecordStore, fetcher GenerationFetcher, providerName string) *Service {
	if providerName == "" {
		providerName = "openrouter"
	}
	return &Service{
		store:     store,
		fetcher:   fetcher,
		provider:  providerName,
		converter: pricing.NewConverter(nil),
		now:       time.Now,
	}
}

// SetConverter replaces the default currency rate table.
func (s *Service) SetConverter(c CurrencyConverter) {
	s.converter = c
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// ReconcileRecentMissingActualCosts selects up to limit rows from the last
// maxAgeHours with no actual cost, newest first, and fetches the cost for
// each row carrying a generation id. Per-row failures are logged and
// counted; only the selection query can fail the run.
func (s *Service) ReconcileRecentMissingActualCosts(ctx context.Context, limit, maxAgeHours int) (*Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if maxAgeHours <= 0 {
		maxAgeHours = DefaultMaxAgeHours
	}
	since := s.now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)

	rows, err := s.store.ListMissingActualCost(ctx, s.provider, since, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting rows to reconcile: %w", err)
	}

	res := &Result{}
	for _, rec := range rows {
		res.Processed++
		updated, err := s.reconcileOne(ctx, rec)
		switch {
		case errors.Is(err, errNoGenerationID):
			res.Skipped++
		case err != nil:
			res.Failed++
			slog.Warn("failed to reconcile usage record", "record_id", rec.ID, "error", err)
		case updated:
			res.Updated++
		}
	}

	slog.Info("reconciliation complete",
		"provider", s.provider, "processed", res.Processed, "updated", res.Updated,
		"skipped", res.Skipped, "failed", res.Failed)
	if s.metrics != nil {
		s.metrics.AddReconciled(res.Processed, res.Updated)
	}
	return res, nil
}

var errNoGenerationID = errors.New("record has no generation id")

func (s *Service) reconcileOne(ctx context.Context, rec *usage.Record) (bool, error) {
	genID, _ := rec.Metadata[usage.MetaGenerationID].(string)
	if genID == "" {
		return false, errNoGenerationID
	}

	gen, err := s.fetcher.FetchGeneration(ctx, genID)
	if err != nil {
		return false, err
	}
	if gen.TotalCost <= 0 || gen.TotalCost > cost.MaxInteractionCost {
		return false, fmt.Errorf("implausible cost %v for generation %s", gen.TotalCost, genID)
	}

	amount := decimal.NewFromFloat(gen.TotalCost)
	if rec.Currency != "" {
		amount, err = s.converter.Convert(amount, provider.GenerationCurrency, rec.Currency)
		if err != nil {
			return false, fmt.Errorf("converting cost for generation %s: %w", genID, err)
		}
	}

	return s.store.UpdateActualCost(ctx, rec.ID, amount.InexactFloat64(), map[string]any{
		usage.MetaActualCostSource: usage.CostSourceGeneration,
		usage.MetaReconciledAt:     s.now().UTC().Format(time.RFC3339),
	})
}

// Run reconciles on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration, limit, maxAgeHours int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.ReconcileRecentMissingActualCosts(ctx, limit, maxAgeHours); err != nil {
				slog.Error("reconciliation run failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

package cost

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/pricing"
)

// BatchResolver resolves many pairs with one store round trip.
type BatchResolver interface {
	ResolveBatch(ctx context.Context, pairs []pricing.Pair) map[string]pricing.Pricing
}

// Item is one historical interaction to price.
type Item struct {
	ModelID      string
	Provider     string
	InputTokens  int
	OutputTokens int
	// ActualCost, when set, replaces the estimate.
	ActualCost *float64
	// Currency is ActualCost's currency. Empty means the report currency.
	Currency string
}

// Report aggregates breakdowns over a record set.
type Report struct {
	Breakdowns     []Breakdown     `json:"breakdowns"`
	TotalEstimated decimal.Decimal `json:"total_estimated"`
	TotalActual    decimal.Decimal `json:"total_actual"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
}

// ReportCalculator prices record sets for historical and aggregate reporting.
// Pricing for the whole set is resolved in one batch rather than per record.
type ReportCalculator struct {
	calc     *Calculator
	resolver BatchResolver
}

// NewReportCalculator creates a ReportCalculator.
func NewReportCalculator(calc *Calculator, resolver BatchResolver) *ReportCalculator {
	return &ReportCalculator{calc: calc, resolver: resolver}
}

// Calculate returns one breakdown per item, in order.
func (r *ReportCalculator) Calculate(ctx context.Context, items []Item, opts Options) Report {
	pairs := make([]pricing.Pair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, pricing.Pair{ModelID: it.ModelID, Provider: it.Provider})
	}
	prices := r.resolver.ResolveBatch(ctx, pairs)

	rep := Report{Breakdowns: make([]Breakdown, 0, len(items)), Currency: opts.TargetCurrency}
	for _, it := range items {
		key := pricing.Pair{ModelID: it.ModelID, Provider: it.Provider}.Key()
		p, ok := prices[key]
		if !ok {
			p = pricing.DefaultPricing(it.ModelID, it.Provider)
		}
		itemOpts := opts
		itemOpts.Pricing = &p

		b := r.calc.Calculate(it.InputTokens, it.OutputTokens, p, itemOpts)
		actual := false
		if it.ActualCost != nil && *it.ActualCost > 0 {
			withActual, err := r.calc.WithActualIn(b, *it.ActualCost, it.Currency)
			if err != nil {
				slog.Warn("cannot convert actual cost, reporting estimate",
					"model", it.ModelID, "provider", it.Provider, "error", err)
			} else {
				b, actual = withActual, true
			}
		}
		if actual {
			rep.TotalActual = rep.TotalActual.Add(b.TotalCost)
		} else {
			rep.TotalEstimated = rep.TotalEstimated.Add(b.TotalCost)
		}
		if rep.Currency == "" {
			rep.Currency = b.Currency
		}
		rep.Breakdowns = append(rep.Breakdowns, b)
	}
	rep.Total = rep.TotalEstimated.Add(rep.TotalActual)
	return rep
}

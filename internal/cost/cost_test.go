package cost

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tally/internal/pricing"
)

func TestExtract(t *testing.T) {
	e := NewExtractor(nil)

	tests := []struct {
		name       string
		raw        string
		wantCost   float64
		wantSource ExtractionSource
		wantPath   string
	}{
		{
			name:       "root aggregate",
			raw:        `{"total_cost": 0.01, "usage": {"cost": 0.5}}`,
			wantCost:   0.01,
			wantSource: SourceResponse,
			wantPath:   "total_cost",
		},
		{
			name:       "usage aggregate",
			raw:        `{"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_cost": 0.0042}}`,
			wantCost:   0.0042,
			wantSource: SourceResponse,
			wantPath:   "usage.total_cost",
		},
		{
			name:       "unit costs times tokens",
			raw:        `{"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "prompt_token_cost": 0.000002, "completion_token_cost": "0.000004"}}`,
			wantCost:   0.004,
			wantSource: SourceUnitPricing,
			wantPath:   "usage.prompt_token_cost",
		},
		{
			name:       "over the plausibility bound falls through",
			raw:        `{"cost": 250, "usage": {"cost": 0.2}}`,
			wantCost:   0.2,
			wantSource: SourceResponse,
			wantPath:   "usage.cost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract([]byte(tt.raw), "USD")
			c, ok := got.ActualCost.Get()
			require.True(t, ok)
			assert.InDelta(t, tt.wantCost, c, 1e-12)
			assert.Equal(t, tt.wantSource, got.Source)
			assert.Equal(t, tt.wantPath, got.Path)
		})
	}
}

func TestExtract_NoSignal(t *testing.T) {
	e := NewExtractor(nil)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ``},
		{name: "not json", raw: `<html>`},
		{name: "no cost fields", raw: `{"usage": {"prompt_tokens": 3}}`},
		{name: "zero cost", raw: `{"total_cost": 0}`},
		{name: "negative cost", raw: `{"usage": {"cost": -1}}`},
		{name: "string cost is not trusted", raw: `{"total_cost": "0.1"}`},
		{name: "unit costs without tokens", raw: `{"usage": {"prompt_token_cost": 0.1, "completion_token_cost": 0.1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract([]byte(tt.raw), "USD")
			assert.True(t, got.ActualCost.IsAbsent())
			assert.Equal(t, SourceNone, got.Source)
		})
	}
}

func TestExtract_Tokens(t *testing.T) {
	e := NewExtractor(nil)

	got := e.Extract([]byte(`{"usage": {"input_tokens": 12, "output_tokens": 34}}`), "USD")
	assert.Equal(t, 12, got.InputTokens.OrElse(-1))
	assert.Equal(t, 34, got.OutputTokens.OrElse(-1))

	bad := e.Extract([]byte(`{"usage": {"prompt_tokens": -5, "completion_tokens": 1.5}}`), "USD")
	assert.True(t, bad.InputTokens.IsAbsent())
	assert.True(t, bad.OutputTokens.IsAbsent())

	mixed := e.Extract([]byte(`{"usage": {"prompt_tokens": -5, "input_tokens": 7, "completion_tokens": 1.5, "output_tokens": 9}}`), "USD")
	assert.Equal(t, 7, mixed.InputTokens.OrElse(-1), "an invalid spelling falls through to the next")
	assert.Equal(t, 9, mixed.OutputTokens.OrElse(-1))
}

func TestExtract_ConvertsCurrency(t *testing.T) {
	e := NewExtractor(nil)

	got := e.Extract([]byte(`{"usage": {"total_cost": 0.92, "currency": "eur"}}`), "USD")
	c, ok := got.ActualCost.Get()
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)
}

func TestCalculate_Deterministic(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	p := pricing.Pricing{Provider: "openai", InputPerToken: 2e-6, OutputPerToken: 8e-6, Currency: "USD", Source: pricing.SourcePersisted}

	first := calc.Calculate(1000, 500, p, Options{IncludeVolumeDiscount: true})
	second := calc.Calculate(1000, 500, p, Options{IncludeVolumeDiscount: true})

	assert.Equal(t, first, second)
	assert.InDelta(t, 0.002, first.InputCost.InexactFloat64(), 1e-12)
	assert.InDelta(t, 0.004, first.OutputCost.InexactFloat64(), 1e-12)
	assert.InDelta(t, 0.006, first.TotalCost.InexactFloat64(), 1e-12)
	assert.False(t, first.DiscountApplied, "first openai tier has no discount")
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, pricing.SourcePersisted, first.PricingSource)
}

func TestCalculate_VolumeDiscount(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	p := pricing.Pricing{Provider: "openai", InputPerToken: 1e-6, OutputPerToken: 1e-6, Currency: "USD"}

	withDiscount := calc.Calculate(100_000, 0, p, Options{IncludeVolumeDiscount: true})
	assert.True(t, withDiscount.DiscountApplied)
	assert.Equal(t, 5.0, withDiscount.DiscountPercentage)
	assert.InDelta(t, 0.1, withDiscount.Subtotal.InexactFloat64(), 1e-12)
	assert.InDelta(t, 0.005, withDiscount.DiscountAmount.InexactFloat64(), 1e-12)
	assert.InDelta(t, 0.095, withDiscount.TotalCost.InexactFloat64(), 1e-12)

	without := calc.Calculate(100_000, 0, p, Options{})
	assert.False(t, without.DiscountApplied)
	assert.True(t, without.DiscountAmount.IsZero())
	assert.True(t, without.TotalCost.Equal(without.Subtotal))
}

func TestCalculate_NoTiersForProvider(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	p := pricing.Pricing{Provider: "ollama", InputPerToken: 1e-6, Currency: "USD"}

	b := calc.Calculate(5_000_000, 0, p, Options{IncludeVolumeDiscount: true})
	assert.False(t, b.DiscountApplied)
	assert.InDelta(t, 5.0, b.TotalCost.InexactFloat64(), 1e-12)
}

func TestCalculate_TargetCurrency(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	p := pricing.Pricing{InputPerToken: 1e-6, Currency: "USD"}

	eur := calc.Calculate(1_000_000, 0, p, Options{TargetCurrency: "EUR"})
	assert.Equal(t, "EUR", eur.Currency)
	assert.InDelta(t, 0.92, eur.TotalCost.InexactFloat64(), 1e-9)

	unknown := calc.Calculate(1_000_000, 0, p, Options{TargetCurrency: "XXX"})
	assert.Equal(t, "USD", unknown.Currency)
	assert.InDelta(t, 1.0, unknown.TotalCost.InexactFloat64(), 1e-9)
}

func TestCalculate_NegativeTokensClamp(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	b := calc.Calculate(-10, -1, pricing.Pricing{InputPerToken: 1, OutputPerToken: 1}, Options{})
	assert.True(t, b.TotalCost.IsZero())
}

func TestActualCostIsNotReestimated(t *testing.T) {
	e := NewExtractor(nil)
	calc := NewCalculator(nil, nil, nil)

	ex := e.Extract([]byte(`{"usage": {"prompt_tokens": 1000, "completion_tokens": 1000, "total_cost": 0.0042}}`), "USD")
	actual, ok := ex.ActualCost.Get()
	require.True(t, ok)
	assert.Equal(t, 0.0042, actual)
	assert.Equal(t, SourceResponse, ex.Source)

	p := pricing.Pricing{Provider: "openai", InputPerToken: 1e-6, OutputPerToken: 3e-6, Currency: "USD"}
	b := calc.WithActual(calc.Calculate(1000, 1000, p, Options{}), actual)

	assert.True(t, b.Actual)
	assert.True(t, b.TotalCost.Equal(decimal.RequireFromString("0.0042")))
	assert.True(t, b.InputCost.Add(b.OutputCost).Equal(b.TotalCost))
	assert.InDelta(t, 0.00105, b.InputCost.InexactFloat64(), 1e-12)
}

func TestWithActualIn_ConvertsToEstimateCurrency(t *testing.T) {
	calc := NewCalculator(nil, nil, nil)
	p := pricing.Pricing{InputPerToken: 1e-6, OutputPerToken: 1e-6, Currency: "USD"}
	estimate := calc.Calculate(1000, 1000, p, Options{TargetCurrency: "JPY"})
	require.Equal(t, "JPY", estimate.Currency)

	b, err := calc.WithActualIn(estimate, 1.0, "USD")
	require.NoError(t, err)
	assert.True(t, b.Actual)
	assert.Equal(t, "JPY", b.Currency)
	assert.InDelta(t, 149.5, b.TotalCost.InexactFloat64(), 1e-9)

	same, err := calc.WithActualIn(estimate, 3.0, "")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, same.TotalCost.InexactFloat64(), 1e-12)

	_, err = calc.WithActualIn(estimate, 1.0, "XXX")
	assert.Error(t, err)
}

type fakeResolver struct {
	calls int
	p     pricing.Pricing
}

func (f *fakeResolver) Resolve(_ context.Context, modelID, provider string, _ *pricing.Pricing) pricing.Pricing {
	f.calls++
	p := f.p
	p.ModelID, p.Provider = modelID, provider
	return p
}

func TestEstimate(t *testing.T) {
	r := &fakeResolver{p: pricing.Pricing{InputPerToken: 1e-6, OutputPerToken: 1e-6, Currency: "USD", Source: pricing.SourceCached}}
	calc := NewCalculator(r, nil, nil)
	ctx := context.Background()

	b := calc.Estimate(ctx, 10, 10, "m", "p", Options{})
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, pricing.SourceCached, b.PricingSource)

	pre := pricing.Pricing{InputPerToken: 1, Currency: "USD", Source: pricing.SourceExplicit}
	b = calc.Estimate(ctx, 2, 0, "m", "p", Options{Pricing: &pre})
	assert.Equal(t, 1, r.calls, "precomputed pricing skips resolution")
	assert.InDelta(t, 2.0, b.TotalCost.InexactFloat64(), 1e-12)
}

type fakeBatchResolver struct {
	calls int
	pairs []pricing.Pair
}

func (f *fakeBatchResolver) ResolveBatch(_ context.Context, pairs []pricing.Pair) map[string]pricing.Pricing {
	f.calls++
	f.pairs = pairs
	return map[string]pricing.Pricing{
		"a:openai": {ModelID: "a", Provider: "openai", InputPerToken: 1e-6, OutputPerToken: 1e-6, Currency: "USD", Source: pricing.SourcePersisted},
	}
}

func TestReportCalculator(t *testing.T) {
	br := &fakeBatchResolver{}
	rc := NewReportCalculator(NewCalculator(nil, nil, nil), br)
	actual := 0.5

	rep := rc.Calculate(context.Background(), []Item{
		{ModelID: "a", Provider: "openai", InputTokens: 1000, OutputTokens: 1000},
		{ModelID: "a", Provider: "openai", InputTokens: 10, OutputTokens: 10, ActualCost: &actual},
		{ModelID: "unknown", Provider: "ollama", InputTokens: 10},
	}, Options{})

	assert.Equal(t, 1, br.calls)
	assert.Len(t, br.pairs, 3)
	require.Len(t, rep.Breakdowns, 3)
	assert.InDelta(t, 0.002, rep.Breakdowns[0].TotalCost.InexactFloat64(), 1e-12)
	assert.True(t, rep.Breakdowns[1].Actual)
	assert.Equal(t, pricing.SourceDefault, rep.Breakdowns[2].PricingSource)
	assert.InDelta(t, 0.5, rep.TotalActual.InexactFloat64(), 1e-12)
	assert.InDelta(t, 0.502, rep.Total.InexactFloat64(), 1e-12)
	assert.Equal(t, "USD", rep.Currency)
}

func TestReportCalculator_ConvertsActualCosts(t *testing.T) {
	rc := NewReportCalculator(NewCalculator(nil, nil, nil), &fakeBatchResolver{})
	usd, bogus := 1.0, 2.0

	rep := rc.Calculate(context.Background(), []Item{
		{ModelID: "a", Provider: "openai", ActualCost: &usd, Currency: "USD"},
		{ModelID: "a", Provider: "openai", InputTokens: 1000, ActualCost: &bogus, Currency: "XXX"},
	}, Options{TargetCurrency: "JPY"})

	require.Len(t, rep.Breakdowns, 2)
	assert.Equal(t, "JPY", rep.Currency)
	assert.True(t, rep.Breakdowns[0].Actual)
	assert.Equal(t, "JPY", rep.Breakdowns[0].Currency)
	assert.InDelta(t, 149.5, rep.TotalActual.InexactFloat64(), 1e-9)

	assert.False(t, rep.Breakdowns[1].Actual, "unconvertible actual falls back to the estimate")
	assert.InDelta(t, 0.1495, rep.TotalEstimated.InexactFloat64(), 1e-9)
}

package cost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tally/internal/pricing"
)

// PricingResolver resolves a single (model, provider) price.
type PricingResolver interface {
	Resolve(ctx context.Context, modelID, provider string, explicit *pricing.Pricing) pricing.Pricing
}

// Options controls a cost calculation.
type Options struct {
	IncludeVolumeDiscount bool
	// TargetCurrency defaults to the pricing currency.
	TargetCurrency string
	// Pricing skips resolution when set, for batch callers that already
	// resolved it.
	Pricing *pricing.Pricing
}

// Breakdown is the result of a cost calculation.
type Breakdown struct {
	InputCost          decimal.Decimal `json:"input_cost"`
	OutputCost         decimal.Decimal `json:"output_cost"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	Currency           string          `json:"currency"`
	DiscountApplied    bool            `json:"discount_applied"`
	DiscountPercentage float64         `json:"discount_percentage"`
	PricingSource      pricing.Source  `json:"pricing_source"`
	// Actual is true when TotalCost is a provider-reported figure.
	Actual bool `json:"actual"`
}

// Calculator turns token counts and prices into cost breakdowns.
type Calculator struct {
	tiers     map[string][]pricing.Tier
	converter *pricing.Converter
	resolver  PricingResolver
}

// NewCalculator creates a Calculator. resolver is only used by Estimate.
func NewCalculator(resolver PricingResolver, tiers map[string][]pricing.Tier, converter *pricing.Converter) *Calculator {
	if tiers == nil {
		tiers = pricing.DefaultTiers()
	}
	if converter == nil {
		converter = pricing.NewConverter(nil)
	}
	return &Calculator{tiers: tiers, converter: converter, resolver: resolver}
}

// Calculate prices inputTokens and outputTokens with p. It performs no I/O
// and is deterministic for a given pricing snapshot.
func (c *Calculator) Calculate(inputTokens, outputTokens int, p pricing.Pricing, opts Options) Breakdown {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	target := opts.TargetCurrency
	if target == "" {
		target = currency
	}

	inputCost := decimal.NewFromFloat(p.InputPerToken).Mul(decimal.NewFromInt(int64(inputTokens)))
	outputCost := decimal.NewFromFloat(p.OutputPerToken).Mul(decimal.NewFromInt(int64(outputTokens)))

	if target != currency {
		in, errIn := c.converter.Convert(inputCost, currency, target)
		out, errOut := c.converter.Convert(outputCost, currency, target)
		if errIn != nil || errOut != nil {
			slog.Warn("currency conversion failed, keeping pricing currency",
				"from", currency, "to", target)
			target = currency
		} else {
			inputCost, outputCost = in, out
		}
	}

	b := Breakdown{
		InputCost:     inputCost,
		OutputCost:    outputCost,
		Subtotal:      inputCost.Add(outputCost),
		Currency:      target,
		PricingSource: p.Source,
	}
	b.TotalCost = b.Subtotal

	if opts.IncludeVolumeDiscount {
		if tier, ok := pricing.SelectTier(c.tiers[p.Provider], inputTokens+outputTokens); ok && tier.DiscountPercentage > 0 {
			b.DiscountAmount = b.Subtotal.Mul(decimal.NewFromFloat(tier.DiscountPercentage)).Div(decimal.NewFromInt(100))
			b.TotalCost = b.Subtotal.Sub(b.DiscountAmount)
			b.DiscountApplied = true
			b.DiscountPercentage = tier.DiscountPercentage
		}
	}
	return b
}

// WithActual returns a breakdown whose total is exactly the provider-reported
// cost. The input/output split follows the estimate's proportions.
func (c *Calculator) WithActual(estimate Breakdown, actual float64) Breakdown {
	total := decimal.NewFromFloat(actual)
	b := Breakdown{
		Subtotal:      total,
		TotalCost:     total,
		Currency:      estimate.Currency,
		PricingSource: estimate.PricingSource,
		Actual:        true,
	}
	if estimate.Subtotal.IsPositive() {
		b.InputCost = estimate.InputCost.Mul(total).Div(estimate.Subtotal)
		b.OutputCost = total.Sub(b.InputCost)
	} else {
		b.OutputCost = total
	}
	return b
}

// WithActualIn is WithActual for an actual cost reported in currency. The
// amount is converted to the estimate's currency first; an empty currency
// means it is already in it.
func (c *Calculator) WithActualIn(estimate Breakdown, actual float64, currency string) (Breakdown, error) {
	converted, err := c.ConvertAmount(actual, currency, estimate.Currency)
	if err != nil {
		return estimate, err
	}
	return c.WithActual(estimate, converted), nil
}

// ConvertAmount converts amount between currencies with the calculator's
// rate table. Empty currencies are treated as matching.
func (c *Calculator) ConvertAmount(amount float64, from, to string) (float64, error) {
	if from == "" || to == "" {
		return amount, nil
	}
	out, err := c.converter.Convert(decimal.NewFromFloat(amount), from, to)
	if err != nil {
		return 0, fmt.Errorf("converting %s to %s: %w", from, to, err)
	}
	return out.InexactFloat64(), nil
}

// Estimate resolves pricing (unless opts.Pricing is set) and calculates.
func (c *Calculator) Estimate(ctx context.Context, inputTokens, outputTokens int, modelID, provider string, opts Options) Breakdown {
	var p pricing.Pricing
	switch {
	case opts.Pricing != nil:
		p = *opts.Pricing
	case c.resolver != nil:
		p = c.resolver.Resolve(ctx, modelID, provider, nil)
	default:
		p = pricing.DefaultPricing(modelID, provider)
	}
	if p.Provider == "" {
		p.Provider = provider
	}
	return c.Calculate(inputTokens, outputTokens, p, opts)
}

package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultRates is a USD-anchored table: units of currency per 1 USD.
var DefaultRates = map[string]float64{
	"USD": 1,
	"EUR": 0.92,
	"GBP": 0.79,
	"JPY": 149.5,
	"CAD": 1.36,
	"AUD": 1.52,
	"CHF": 0.88,
	"INR": 83.2,
}

// Converter converts amounts between currencies using a fixed rate table.
type Converter struct {
	rates map[string]decimal.Decimal
}

// NewConverter builds a converter from rates; nil or empty uses DefaultRates.
// Non-positive rates are ignored.
func NewConverter(rates map[string]float64) *Converter {
	if len(rates) == 0 {
		rates = DefaultRates
	}
	c := &Converter{rates: make(map[string]decimal.Decimal, len(rates))}
	for code, r := range rates {
		if r <= 0 {
			continue
		}
		c.rates[strings.ToUpper(code)] = decimal.NewFromFloat(r)
	}
	return c
}

// Supports reports whether code has a rate.
func (c *Converter) Supports(code string) bool {
	_, ok := c.rates[strings.ToUpper(code)]
	return ok
}

// Convert returns amount / fromRate * toRate. Matching currencies are an
// identity conversion even when the code is unknown.
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to || amount.IsZero() {
		return amount, nil
	}
	fromRate, ok := c.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown currency %q", from)
	}
	toRate, ok := c.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown currency %q", to)
	}
	return amount.Div(fromRate).Mul(toRate), nil
}

// ConvertFloat is Convert for float64 amounts. Unknown currencies return the
// amount unchanged.
func (c *Converter) ConvertFloat(amount float64, from, to string) float64 {
	out, err := c.Convert(decimal.NewFromFloat(amount), from, to)
	if err != nil {
		return amount
	}
	return out.InexactFloat64()
}

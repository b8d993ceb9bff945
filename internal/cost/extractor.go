package cost

import (
	"math"
	"strings"

	"github.com/samber/mo"
	"github.com/tidwall/gjson"

	"github.com/alecgard/tally/internal/pricing"
)

// MaxInteractionCost bounds a plausible cost for one interaction. Values
// outside (0, MaxInteractionCost] are treated as corrupt.
const MaxInteractionCost = 100.0

// ExtractionSource names how an actual cost was obtained.
type ExtractionSource string

const (
	SourceResponse    ExtractionSource = "response"
	SourceUnitPricing ExtractionSource = "unit_pricing"
	SourceNone        ExtractionSource = "none"
)

// Extraction is what a provider response revealed about its own cost.
// Absent values are routine, not failures.
type Extraction struct {
	ActualCost   mo.Option[float64]
	InputTokens  mo.Option[int]
	OutputTokens mo.Option[int]
	Source       ExtractionSource
	// Path is the response field the cost was read from.
	Path string
}

var (
	rootCostPaths  = []string{"total_cost", "cost"}
	usageCostPaths = []string{"usage.total_cost", "usage.cost"}

	inputTokenPaths  = []string{"usage.prompt_tokens", "usage.input_tokens"}
	outputTokenPaths = []string{"usage.completion_tokens", "usage.output_tokens"}

	inputUnitPaths  = []string{"usage.prompt_token_cost", "pricing.prompt"}
	outputUnitPaths = []string{"usage.completion_token_cost", "pricing.completion"}

	currencyPaths = []string{"usage.currency", "currency"}
)

// Extractor reads actual costs out of raw provider responses.
type Extractor struct {
	converter *pricing.Converter
}

// NewExtractor creates an Extractor. A nil converter uses the default rates.
func NewExtractor(converter *pricing.Converter) *Extractor {
	if converter == nil {
		converter = pricing.NewConverter(nil)
	}
	return &Extractor{converter: converter}
}

// Extract tries, in order, a root-level aggregate cost, a usage-level
// aggregate cost, and per-token unit costs times observed token counts.
// Costs are converted to expectedCurrency when the response names another.
func (e *Extractor) Extract(raw []byte, expectedCurrency string) Extraction {
	out := Extraction{
		ActualCost:   mo.None[float64](),
		InputTokens:  mo.None[int](),
		OutputTokens: mo.None[int](),
		Source:       SourceNone,
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return out
	}
	doc := gjson.ParseBytes(raw)

	out.InputTokens = firstTokenCount(doc, inputTokenPaths)
	out.OutputTokens = firstTokenCount(doc, outputTokenPaths)

	currency := expectedCurrency
	for _, p := range currencyPaths {
		if v := doc.Get(p); v.Type == gjson.String && v.String() != "" {
			currency = strings.ToUpper(v.String())
			break
		}
	}

	for _, paths := range [][]string{rootCostPaths, usageCostPaths} {
		for _, p := range paths {
			v := doc.Get(p)
			if v.Type != gjson.Number {
				continue
			}
			if c, ok := e.validCost(v.Float(), currency, expectedCurrency); ok {
				out.ActualCost = mo.Some(c)
				out.Source = SourceResponse
				out.Path = p
				return out
			}
		}
	}

	in, inOK := out.InputTokens.Get()
	outTok, outOK := out.OutputTokens.Get()
	if !inOK || !outOK {
		return out
	}
	inUnit, inPath, ok := firstUnitCost(doc, inputUnitPaths)
	if !ok {
		return out
	}
	outUnit, _, ok := firstUnitCost(doc, outputUnitPaths)
	if !ok {
		return out
	}
	if c, ok := e.validCost(float64(in)*inUnit+float64(outTok)*outUnit, currency, expectedCurrency); ok {
		out.ActualCost = mo.Some(c)
		out.Source = SourceUnitPricing
		out.Path = inPath
	}
	return out
}

func (e *Extractor) validCost(v float64, from, to string) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if to != "" && from != "" {
		v = e.converter.ConvertFloat(v, from, to)
	}
	if v <= 0 || v > MaxInteractionCost {
		return 0, false
	}
	return v, true
}

func firstTokenCount(doc gjson.Result, paths []string) mo.Option[int] {
	for _, p := range paths {
		v := doc.Get(p)
		if v.Type != gjson.Number {
			continue
		}
		n := v.Float()
		if n < 0 || n != math.Trunc(n) {
			continue
		}
		return mo.Some(int(n))
	}
	return mo.None[int]()
}

// firstUnitCost accepts numbers and numeric strings, since some providers
// report per-token prices as decimal strings.
func firstUnitCost(doc gjson.Result, paths []string) (float64, string, bool) {
	for _, p := range paths {
		v := doc.Get(p)
		if !v.Exists() || (v.Type != gjson.Number && v.Type != gjson.String) {
			continue
		}
		f := v.Float()
		if f < 0 || math.IsNaN(f) {
			continue
		}
		return f, p, true
	}
	return 0, "", false
}

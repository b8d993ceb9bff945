package pricing

// perMillion is the unit of the default price table.
const perMillion = 1_000_000

// modelPrice is a default-table price in currency units per million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// defaultTable holds fallback prices per provider. The "*" key is the
// provider-wide fallback for unknown models.
var defaultTable = map[string]map[string]modelPrice{
	"openrouter": {
		"openai/gpt-4o":               {Input: 2.5, Output: 10},
		"openai/gpt-4o-mini":          {Input: 0.15, Output: 0.6},
		"anthropic/claude-3.5-sonnet": {Input: 3, Output: 15},
		"anthropic/claude-3.5-haiku":  {Input: 0.8, Output: 4},
		"google/gemini-2.0-flash-001": {Input: 0.1, Output: 0.4},
		"meta-llama/llama-3.3-70b":    {Input: 0.12, Output: 0.3},
		"*":                           {Input: 1, Output: 3},
	},
	"openai": {
		"gpt-4o":        {Input: 2.5, Output: 10},
		"gpt-4o-mini":   {Input: 0.15, Output: 0.6},
		"gpt-4-turbo":   {Input: 10, Output: 30},
		"gpt-3.5-turbo": {Input: 0.5, Output: 1.5},
		"o1-mini":       {Input: 3, Output: 12},
		"*":             {Input: 10, Output: 30},
	},
	"anthropic": {
		"claude-3-5-sonnet": {Input: 3, Output: 15},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4},
		"claude-3-opus":     {Input: 15, Output: 75},
		"claude-3-haiku":    {Input: 0.25, Output: 1.25},
		"*":                 {Input: 3, Output: 15},
	},
	"google": {
		"gemini-2.0-flash": {Input: 0.1, Output: 0.4},
		"gemini-1.5-pro":   {Input: 1.25, Output: 5},
		"gemini-1.5-flash": {Input: 0.075, Output: 0.3},
		"*":                {Input: 1, Output: 4},
	},
	"mistral": {
		"mistral-large-latest": {Input: 2, Output: 6},
		"mistral-small-latest": {Input: 1, Output: 3},
		"*":                    {Input: 2, Output: 6},
	},
	"ollama": {
		"*": {Input: 0, Output: 0},
	},
}

// globalDefault applies to providers missing from the default table.
var globalDefault = modelPrice{Input: 1, Output: 3}

// DefaultPricing returns the hardcoded fallback for a pair, converted to per
// token. It never fails.
func DefaultPricing(modelID, provider string) Pricing {
	mp := globalDefault
	if models, ok := defaultTable[provider]; ok {
		if p, ok := models[modelID]; ok {
			mp = p
		} else if p, ok := models["*"]; ok {
			mp = p
		}
	}
	return Pricing{
		ModelID:        modelID,
		Provider:       provider,
		InputPerToken:  mp.Input / perMillion,
		OutputPerToken: mp.Output / perMillion,
		Currency:       "USD",
		Source:         SourceDefault,
	}
}

// DefaultEntries lists every explicitly priced model in the default table as
// per-token entries, for seeding the persisted table.
func DefaultEntries() []CreateEntryInput {
	var out []CreateEntryInput
	for provider, models := range defaultTable {
		for modelID, mp := range models {
			if modelID == "*" {
				continue
			}
			out = append(out, CreateEntryInput{
				ModelID:     modelID,
				Provider:    provider,
				InputPrice:  mp.Input / perMillion,
				OutputPrice: mp.Output / perMillion,
				Currency:    "USD",
			})
		}
	}
	return out
}

func intPtr(n int) *int { return &n }

// DefaultTiers returns the built-in volume discount tiers per provider.
func DefaultTiers() map[string][]Tier {
	return map[string][]Tier{
		"openai": {
			{MinTokens: 0, MaxTokens: intPtr(99_999), DiscountPercentage: 0},
			{MinTokens: 100_000, MaxTokens: intPtr(999_999), DiscountPercentage: 5},
			{MinTokens: 1_000_000, DiscountPercentage: 10},
		},
		"anthropic": {
			{MinTokens: 0, MaxTokens: intPtr(199_999), DiscountPercentage: 0},
			{MinTokens: 200_000, DiscountPercentage: 5},
		},
		"openrouter": {
			{MinTokens: 0, MaxTokens: intPtr(499_999), DiscountPercentage: 0},
			{MinTokens: 500_000, DiscountPercentage: 3},
		},
	}
}

// SelectTier returns the first tier containing totalTokens.
func SelectTier(tiers []Tier, totalTokens int) (Tier, bool) {
	for _, t := range tiers {
		if t.Contains(totalTokens) {
			return t, true
		}
	}
	return Tier{}, false
}

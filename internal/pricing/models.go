package pricing

import "time"

// Source records where a resolved price came from. Default-table prices are
// stored per million tokens while every other source is already per token, so
// callers that look at raw table values must check it before converting.
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceCached    Source = "cached"
	SourcePersisted Source = "persisted"
	SourceDefault   Source = "default"
)

// Pricing is a resolved per-token price for one (model, provider) pair.
type Pricing struct {
	ModelID        string  `json:"model_id"`
	Provider       string  `json:"provider"`
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
	Currency       string  `json:"currency"`
	Source         Source  `json:"source"`
}

// Entry is one row of the persisted price table. Prices are per token.
type Entry struct {
	ID            string     `json:"id"`
	ModelID       string     `json:"model_id"`
	Provider      string     `json:"provider"`
	InputPrice    float64    `json:"input_price"`
	OutputPrice   float64    `json:"output_price"`
	Currency      string     `json:"currency"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Pair identifies a model on a provider.
type Pair struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
}

// Key returns the cache key for the pair.
func (p Pair) Key() string {
	return p.ModelID + ":" + p.Provider
}

// Tier is a volume discount band. MaxTokens nil means unbounded.
type Tier struct {
	MinTokens          int     `yaml:"min_tokens" json:"min_tokens"`
	MaxTokens          *int    `yaml:"max_tokens" json:"max_tokens,omitempty"`
	DiscountPercentage float64 `yaml:"discount_percentage" json:"discount_percentage"`
}

// Contains reports whether totalTokens falls inside [MinTokens, MaxTokens].
func (t Tier) Contains(totalTokens int) bool {
	if totalTokens < t.MinTokens {
		return false
	}
	return t.MaxTokens == nil || totalTokens <= *t.MaxTokens
}

// CreateEntryInput holds the fields for a new current price.
type CreateEntryInput struct {
	ModelID       string    `json:"model_id"`
	Provider      string    `json:"provider"`
	InputPrice    float64   `json:"input_price"`
	OutputPrice   float64   `json:"output_price"`
	Currency      string    `json:"currency"`
	EffectiveFrom time.Time `json:"effective_from"`
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alecgard/tally/internal/ratelimit"
)

// DefaultOpenRouterURL is the public OpenRouter API base.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

const maxResponseSize = 1 << 20

// GenerationCurrency is the currency of Generation.TotalCost.
const GenerationCurrency = "USD"

// ErrGenerationNotFound is returned when the provider has no record of a
// generation id, which is common for a short while after completion.
var ErrGenerationNotFound = errors.New("generation not found")

// Generation is the provider's authoritative account of one invocation.
type Generation struct {
	ID                 string  `json:"id"`
	Model              string  `json:"model"`
	TotalCost          float64 `json:"total_cost"`
	NativeInputTokens  int     `json:"native_input_tokens"`
	NativeOutputTokens int     `json:"native_output_tokens"`
}

// OpenRouterClient fetches generation costs from OpenRouter.
type OpenRouterClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	throttle Throttle
}

// Throttle paces outbound calls to an upstream.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// NewOpenRouterClient creates a client. An empty baseURL uses
// DefaultOpenRouterURL.
func NewOpenRouterClient(baseURL, apiKey string, timeout time.Duration) *OpenRouterClient {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenRouterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetThrottle paces every request through t.
func (c *OpenRouterClient) SetThrottle(t Throttle) {
	c.throttle = t
}

// FetchGeneration returns the authoritative cost and native token counts for
// a generation id.
func (c *OpenRouterClient) FetchGeneration(ctx context.Context, id string) (*Generation, error) {
	if id == "" {
		return nil, fmt.Errorf("fetching generation: empty id")
	}
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, ratelimit.KeyProvider); err != nil {
			return nil, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/generation?id="+url.QueryEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("building generation request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching generation %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading generation response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrGenerationNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetching generation %s: status %d: %s",
			id, resp.StatusCode, strings.TrimSpace(gjson.GetBytes(body, "error.message").String()))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetching generation %s: invalid JSON response", id)
	}
	data := gjson.GetBytes(body, "data")
	cost := data.Get("total_cost")
	if cost.Type != gjson.Number {
		return nil, fmt.Errorf("fetching generation %s: response has no total_cost", id)
	}

	gen := &Generation{
		ID:                 id,
		Model:              data.Get("model").String(),
		TotalCost:          cost.Float(),
		NativeInputTokens:  int(data.Get("native_tokens_prompt").Int()),
		NativeOutputTokens: int(data.Get("native_tokens_completion").Int()),
	}
	if gen.NativeInputTokens < 0 {
		gen.NativeInputTokens = 0
	}
	if gen.NativeOutputTokens < 0 {
		gen.NativeOutputTokens = 0
	}
	return gen, nil
}

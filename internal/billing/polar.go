package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/mo"
	"github.com/tidwall/gjson"

	"github.com/alecgard/tally/internal/ratelimit"
)

// DefaultPolarURL is the Polar production API base.
const DefaultPolarURL = "https://api.polar.sh"

const maxResponseSize = 1 << 20

// Customer is the remote processor's customer record.
type Customer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// Throttle paces outbound calls to an upstream.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// PolarClient talks to the remote billing processor's event-ingestion and
// customer APIs.
type PolarClient struct {
	baseURL  string
	token    string
	client   *http.Client
	throttle Throttle
}

// NewPolarClient creates a client. An empty baseURL uses DefaultPolarURL.
func NewPolarClient(baseURL, token string, timeout time.Duration) *PolarClient {
	if baseURL == "" {
		baseURL = DefaultPolarURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PolarClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetThrottle paces every request through t.
func (c *PolarClient) SetThrottle(t Throttle) {
	c.throttle = t
}

type ingestRequest struct {
	Events []ingestEvent `json:"events"`
}

type ingestEvent struct {
	Name       string         `json:"name"`
	CustomerID string         `json:"customer_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestEvent submits one usage event for customerID.
func (c *PolarClient) IngestEvent(ctx context.Context, customerID, eventName string, metadata map[string]any) error {
	body, err := json.Marshal(ingestRequest{Events: []ingestEvent{{
		Name:       eventName,
		CustomerID: customerID,
		Metadata:   metadata,
	}}})
	if err != nil {
		return fmt.Errorf("marshaling ingest request: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, "/v1/events/ingest", body)
	if err != nil {
		return fmt.Errorf("ingesting event: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("ingesting event: status %d", status)
	}
	return nil
}

// GetCustomerByExternalID looks up the customer whose external id is userID.
// An unknown customer is an absent value, not an error.
func (c *PolarClient) GetCustomerByExternalID(ctx context.Context, userID string) (mo.Option[Customer], error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/customers/external/"+url.PathEscape(userID), nil)
	if err != nil {
		return mo.None[Customer](), fmt.Errorf("getting customer: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return mo.None[Customer](), nil
	case status >= 300:
		return mo.None[Customer](), fmt.Errorf("getting customer: status %d", status)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return mo.None[Customer](), nil
	}
	return mo.Some(Customer{
		ID:         id,
		ExternalID: gjson.GetBytes(body, "external_id").String(),
		Email:      gjson.GetBytes(body, "email").String(),
	}), nil
}

// GetCustomerMeterBalance returns the credit balance of the customer's first
// meter, or an absent value when the customer has no meters.
func (c *PolarClient) GetCustomerMeterBalance(ctx context.Context, customerID string) (mo.Option[float64], error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/customer-meters/?customer_id="+url.QueryEscape(customerID), nil)
	if err != nil {
		return mo.None[float64](), fmt.Errorf("getting meter balance: %w", err)
	}
	if status >= 300 {
		return mo.None[float64](), fmt.Errorf("getting meter balance: status %d", status)
	}
	balance := gjson.GetBytes(body, "items.0.balance")
	if balance.Type != gjson.Number {
		return mo.None[float64](), nil
	}
	return mo.Some(balance.Float()), nil
}

func (c *PolarClient) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, ratelimit.KeyBilling); err != nil {
			return nil, 0, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// Package pricing fetches fiat prices for crypto assets from the upstream
// pricing service. Prices are point-in-time reads; quoting snapshots them
// into menus and never re-reads a price for an existing quote.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"paylink/internal/apperr"
	"paylink/pkg/clients"
	"paylink/pkg/logging"
)

// Gateway resolves the fiat price of one asset unit.
type Gateway interface {
	// GetPrice returns how much fiat currency one unit of asset costs.
	GetPrice(ctx context.Context, asset, currency string) (float64, error)
}

// Client talks to the pricing service over HTTP with retries and a circuit
// breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// Config for creating a pricing client
type Config struct {
	BaseURL string // PRICING_API_URL
	APIKey  string // PRICING_API_KEY
	Logger  logging.Logger
}

func NewClient(config Config) *Client {
	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:         2,
			BaseDelay:          200 * time.Millisecond,
			MaxDelay:           2 * time.Second,
			WithCircuitBreaker: true,
		}),
		logger: config.Logger,
	}
}

type priceResponse struct {
	Asset     string  `json:"asset"`
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

func (c *Client) GetPrice(ctx context.Context, asset, currency string) (float64, error) {
	endpoint := fmt.Sprintf("%s/v1/price?asset=%s&currency=%s",
		c.baseURL, url.QueryEscape(asset), url.QueryEscape(currency))

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return 0, apperr.Provider(err, "pricing request for %s/%s failed", asset, currency)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, apperr.Provider(nil, "pricing service returned status %d: %s", resp.StatusCode, string(body))
	}

	var price priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return 0, apperr.Provider(err, "failed to decode price response")
	}
	if price.Price <= 0 {
		return 0, apperr.Provider(nil, "pricing service returned non-positive price %f for %s/%s", price.Price, asset, currency)
	}
	return price.Price, nil
}

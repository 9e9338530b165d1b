package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/failsafe-go/failsafe-go"

	"paylink/internal/apperr"
	"paylink/pkg/clients"
	"paylink/pkg/logging"
)

// LightningGateway creates bolt11 invoices through an LNbits-compatible
// wallet node. The invoice payment hash doubles as the activation's
// correlation id for settlement callbacks.
type LightningGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// LightningConfig for creating the gateway
type LightningConfig struct {
	BaseURL string // LIGHTNING_API_URL
	APIKey  string // LIGHTNING_API_KEY
	Logger  logging.Logger
}

func NewLightningGateway(config LightningConfig) *LightningGateway {
	return &LightningGateway{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries: 2,
			BaseDelay:  250 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		}),
		logger: config.Logger,
	}
}

type invoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
	Expiry int64  `json:"expiry,omitempty"`
}

type invoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (g *LightningGateway) CreatePayable(ctx context.Context, p Payable) (*PayableRequest, error) {
	if p.Asset != "BTC" {
		return nil, apperr.Validation("lightning only settles BTC, got %s", p.Asset)
	}

	sats, err := btcutil.NewAmount(p.Amount)
	if err != nil {
		return nil, apperr.Validation("invalid BTC amount %f: %v", p.Amount, err)
	}
	if sats <= 0 {
		return nil, apperr.Validation("BTC amount %f rounds to zero satoshi", p.Amount)
	}

	expiry := 5 * time.Minute
	body, err := json.Marshal(invoiceRequest{
		Out:    false,
		Amount: int64(sats),
		Memo:   p.Memo,
		Expiry: int64(expiry.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice request: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, g.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v1/payments", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", g.apiKey)
		return g.httpClient.Do(req)
	})
	if err != nil {
		return nil, apperr.Provider(err, "lightning invoice request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Provider(nil, "lightning node returned status %d: %s", resp.StatusCode, string(raw))
	}

	var invoice invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, apperr.Provider(err, "failed to decode invoice response")
	}
	if invoice.PaymentRequest == "" || invoice.PaymentHash == "" {
		return nil, apperr.Provider(nil, "lightning node returned incomplete invoice")
	}

	g.logger.WithFields(logging.Fields{
		"payment_id":   p.PaymentID,
		"payment_hash": invoice.PaymentHash,
		"amount_sat":   int64(sats),
	}).Info("Created lightning invoice")

	return &PayableRequest{
		Request:       invoice.PaymentRequest,
		CorrelationID: invoice.PaymentHash,
		Expiry:        time.Now().Add(expiry),
	}, nil
}

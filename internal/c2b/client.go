// Package c2b integrates the custodial consumer-to-business payment
// provider. Outbound calls are HMAC-SHA512 signed; inbound webhooks are
// RSA-SHA256 verified against the provider's published certificates and
// always fail closed.
package c2b

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"paylink/internal/apperr"
	"paylink/pkg/clients"
	"paylink/pkg/logging"
)

const successCode = "000000"

// Client talks to the provider's openapi endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// Config for creating the provider client
type Config struct {
	BaseURL   string // C2B_API_URL
	APIKey    string // C2B_API_KEY
	APISecret string // C2B_API_SECRET
	Logger    logging.Logger
}

func NewClient(config Config) *Client {
	return &Client{
		baseURL:   config.BaseURL,
		apiKey:    config.APIKey,
		apiSecret: config.APISecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:         2,
			BaseDelay:          300 * time.Millisecond,
			MaxDelay:           3 * time.Second,
			WithCircuitBreaker: true,
		}),
		logger: config.Logger,
	}
}

// sign computes the request signature: uppercase hex HMAC-SHA512 over
// "{timestamp}\n{nonce}\n{body}\n".
func (c *Client) sign(timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	mac.Write([]byte("\n"))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func newNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

type envelope struct {
	Status       string          `json:"status"`
	Code         string          `json:"code"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

// post signs and sends one API call, decoding the data field into out.
func (c *Client) post(ctx context.Context, path string, reqBody interface{}, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	nonce := newNonce()
	signature := c.sign(timestamp, nonce, body)

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("BinancePay-Timestamp", timestamp)
		req.Header.Set("BinancePay-Nonce", nonce)
		req.Header.Set("BinancePay-Certificate-SN", c.apiKey)
		req.Header.Set("BinancePay-Signature", signature)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return apperr.Provider(err, "provider request %s failed", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Provider(err, "failed to read provider response")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Provider(nil, "provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Provider(err, "failed to decode provider response")
	}
	if env.Code != successCode {
		return apperr.Provider(nil, "provider call %s rejected: code=%s message=%s", path, env.Code, env.ErrorMessage)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Provider(err, "failed to decode provider data")
		}
	}
	return nil
}

// OrderRequest creates one provider-hosted payment order.
type OrderRequest struct {
	MerchantID     string
	SubMerchantID  string
	MerchantTradeNo string
	Asset          string
	Amount         float64
	Description    string
}

// OrderResult is the provider's payable artifact for an order.
type OrderResult struct {
	PrepayID    string `json:"prepayId"`
	Deeplink    string `json:"deeplink"`
	CheckoutURL string `json:"checkoutUrl"`
	QRContent   string `json:"qrContent"`
	ExpireTime  int64  `json:"expireTime"`
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	payload := map[string]interface{}{
		"env": map[string]string{
			"terminalType": "WEB",
		},
		"merchantId":      req.MerchantID,
		"merchantTradeNo": req.MerchantTradeNo,
		"orderAmount":     req.Amount,
		"currency":        req.Asset,
		"description":     req.Description,
	}
	if req.SubMerchantID != "" {
		payload["subMerchantId"] = req.SubMerchantID
	}

	var result OrderResult
	if err := c.post(ctx, "/binancepay/openapi/v3/order", payload, &result); err != nil {
		return nil, err
	}
	if result.PrepayID == "" {
		return nil, apperr.Provider(nil, "provider order response missing prepayId")
	}
	return &result, nil
}

// EnrollmentRequest registers a merchant link as a provider sub-merchant so
// its payments can settle through the provider.
type EnrollmentRequest struct {
	MerchantName string
	Country      string
	MerchantType int
	MerchantMCC  string
}

type enrollmentResult struct {
	SubMerchantID string `json:"subMerchantId"`
}

func (c *Client) EnrollSubMerchant(ctx context.Context, req EnrollmentRequest) (string, error) {
	payload := map[string]interface{}{
		"merchantName": req.MerchantName,
		"merchantType": req.MerchantType,
		"merchantMcc":  req.MerchantMCC,
		"country":      req.Country,
		"storeType":    0,
	}
	var result enrollmentResult
	if err := c.post(ctx, "/binancepay/openapi/submerchant/add", payload, &result); err != nil {
		return "", err
	}
	if result.SubMerchantID == "" {
		return "", apperr.Provider(nil, "provider enrollment response missing subMerchantId")
	}
	return result.SubMerchantID, nil
}

// Certificate is one provider webhook signing certificate.
type Certificate struct {
	SerialNumber string `json:"certSerial"`
	Public       string `json:"certPublic"`
}

func (c *Client) GetCertificates(ctx context.Context) ([]Certificate, error) {
	var certs []Certificate
	if err := c.post(ctx, "/binancepay/openapi/certificates", map[string]interface{}{}, &certs); err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, apperr.Provider(nil, "provider returned no certificates")
	}
	return certs, nil
}

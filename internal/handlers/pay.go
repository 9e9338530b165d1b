package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/pkg/config"
	"paylink/pkg/middleware"
)

// PayRequestResponse is the payer-facing payment request. The msat fields
// follow the LNURL-pay convention so lightning wallets can consume the
// endpoint directly; other rails use the transfer menu.
type PayRequestResponse struct {
	Tag             string                 `json:"tag"`
	Callback        string                 `json:"callback"`
	MinSendable     int64                  `json:"minSendable,omitempty"`
	MaxSendable     int64                  `json:"maxSendable,omitempty"`
	Metadata        string                 `json:"metadata"`
	DisplayName     string                 `json:"displayName"`
	QuoteID         string                 `json:"quote"`
	QuoteExpiration time.Time              `json:"expiration"`
	RequestedAmount RequestedAmount        `json:"requestedAmount"`
	TransferAmounts []models.TransferEntry `json:"transferAmounts"`
}

// RequestedAmount is the fiat side of the payment request.
type RequestedAmount struct {
	Currency string  `json:"asset"`
	Amount   float64 `json:"amount"`
}

// btcToMsat converts a BTC menu amount to millisatoshi.
func btcToMsat(btc float64) int64 {
	return decimal.NewFromFloat(btc).Shift(11).Truncate(0).IntPart()
}

// msatToBTC converts an LNURL msat amount back to BTC.
func msatToBTC(msat int64) float64 {
	f, _ := decimal.NewFromInt(msat).Shift(-11).Float64()
	return f
}

// GetPayRequest serves GET /v1/pay/:ref. It prices the open payment and
// returns the transfer menu plus LNURL fields for lightning wallets.
func GetPayRequest(c middleware.Context) {
	link, payment, err := resolveRef(c, c.Param("ref"))
	if err != nil {
		respondError(c, err)
		return
	}
	if payment == nil {
		respondError(c, apperr.NotFound("no pending payment on link %s", link.ID))
		return
	}

	quote, err := quoteEngine.CreateQuote(c.Request.Context(), link, payment)
	if err != nil {
		respondError(c, err)
		return
	}
	if metrics != nil {
		metrics.QuotesCreated.WithLabelValues(link.Currency).Inc()
	}

	resp := PayRequestResponse{
		Tag:             "payRequest",
		Callback:        payCallbackURL(c.Param("ref")),
		Metadata:        fmt.Sprintf(`[["text/plain","%s"]]`, link.Label),
		DisplayName:     link.Label,
		QuoteID:         quote.ID,
		QuoteExpiration: quote.ExpiryDate,
		RequestedAmount: RequestedAmount{Currency: payment.Currency, Amount: payment.Amount},
		TransferAmounts: quote.Menu,
	}
	if btc, ok := quote.FindAmount(models.RailLightning, "BTC"); ok {
		msat := btcToMsat(btc)
		resp.MinSendable = msat
		resp.MaxSendable = msat
	}
	c.JSON(http.StatusOK, resp)
}

func payCallbackURL(ref string) string {
	base := strings.TrimRight(config.GetEnv("PUBLIC_BASE_URL", ""), "/")
	return fmt.Sprintf("%s/v1/pay/%s/cb", base, ref)
}

// PayCallbackResponse returns the rail-native payable artifact.
type PayCallbackResponse struct {
	// PR carries a bolt11 invoice for lightning wallets (LNURL field name).
	PR     string        `json:"pr,omitempty"`
	Routes []interface{} `json:"routes"`
	// URI carries the payable request for non-lightning rails.
	URI        string    `json:"uri,omitempty"`
	Activation string    `json:"activation"`
	Expiration time.Time `json:"expiration"`
}

// GetPayCallback serves GET /v1/pay/:ref/cb. The payer commits to one menu
// entry; the reservation's payable request comes back.
func GetPayCallback(c middleware.Context) {
	link, payment, err := resolveRef(c, c.Param("ref"))
	if err != nil {
		respondError(c, err)
		return
	}
	if payment == nil {
		respondError(c, apperr.NotFound("no pending payment on link %s", link.ID))
		return
	}

	rail := models.Rail(c.DefaultQuery("method", string(models.RailLightning)))
	asset := c.DefaultQuery("asset", "BTC")
	rawAmount := c.Query("amount")
	if rawAmount == "" {
		respondError(c, apperr.Validation("amount is required"))
		return
	}

	var amount float64
	if rail == models.RailLightning && asset == "BTC" && !strings.Contains(rawAmount, ".") {
		// LNURL wallets send integer millisatoshi.
		msat, err := strconv.ParseInt(rawAmount, 10, 64)
		if err != nil {
			respondError(c, apperr.Validation("invalid amount %q", rawAmount))
			return
		}
		amount = msatToBTC(msat)
	} else {
		amount, err = strconv.ParseFloat(rawAmount, 64)
		if err != nil {
			respondError(c, apperr.Validation("invalid amount %q", rawAmount))
			return
		}
	}

	reservation, err := activation.Reserve(c.Request.Context(), link, payment, c.Query("quote"), rail, asset, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	if metrics != nil {
		metrics.Reservations.WithLabelValues(string(rail), asset).Inc()
	}

	resp := PayCallbackResponse{
		Routes:     []interface{}{},
		Activation: reservation.ID,
		Expiration: reservation.ExpiryDate,
	}
	if rail == models.RailLightning {
		resp.PR = reservation.PayableRequest
	} else {
		resp.URI = reservation.PayableRequest
	}
	c.JSON(http.StatusOK, resp)
}

// WaitResponse reports the payment's state after a wait.
type WaitResponse struct {
	Payment string `json:"payment"`
	Status  string `json:"status"`
	TxCount int    `json:"txCount"`
}

const maxWait = 90 * time.Second

// GetPayWait serves GET /v1/pay/:ref/wait. Long-polls until the payment
// leaves pending or the timeout elapses, then reports the current state.
func GetPayWait(c middleware.Context) {
	_, payment, err := resolveRef(c, c.Param("ref"))
	if err != nil {
		respondError(c, err)
		return
	}
	if payment == nil {
		respondError(c, apperr.NotFound("no pending payment"))
		return
	}

	timeout := 30 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	if timeout > maxWait {
		timeout = maxWait
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	current, err := coordinator.WaitForCompletion(ctx, payment.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, WaitResponse{
		Payment: current.ID,
		Status:  current.Status,
		TxCount: current.TxCount,
	})
}

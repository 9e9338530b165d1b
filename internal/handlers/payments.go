package handlers

import (
	"net/http"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/payments"
	"paylink/pkg/middleware"
)

// CreatePaymentRequest opens a payment on a link.
type CreatePaymentRequest struct {
	Amount         float64               `json:"amount" binding:"required"`
	Mode           string                `json:"mode"`
	ExternalID     string                `json:"externalId"`
	Memo           string                `json:"memo"`
	TimeoutSeconds int                   `json:"timeoutSeconds"`
	Device         *models.DeviceBinding `json:"device"`
}

// PaymentResponse is the merchant-facing view of a payment.
type PaymentResponse struct {
	ID          string  `json:"id"`
	LinkID      string  `json:"linkId"`
	ExternalID  string  `json:"externalId,omitempty"`
	Status      string  `json:"status"`
	Mode        string  `json:"mode"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Memo        string  `json:"memo,omitempty"`
	TxCount     int     `json:"txCount"`
	IsConfirmed bool    `json:"isConfirmed"`
	ExpiryDate  string  `json:"expiryDate"`
	CreatedAt   string  `json:"createdAt"`
}

func paymentResponse(p *models.Payment) PaymentResponse {
	return PaymentResponse{
		ID:          p.ID,
		LinkID:      p.LinkID,
		ExternalID:  p.ExternalID,
		Status:      p.Status,
		Mode:        p.Mode,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Memo:        p.Memo,
		TxCount:     p.TxCount,
		IsConfirmed: p.IsConfirmed,
		ExpiryDate:  p.ExpiryDate.UTC().Format(time.RFC3339),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreatePayment serves POST /v1/links/:id/payments.
func CreatePayment(c middleware.Context) {
	link, err := requireOwnedLink(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	payment, err := coordinator.CreatePayment(c.Request.Context(), link, payments.CreatePaymentRequest{
		Amount:     req.Amount,
		Mode:       req.Mode,
		ExternalID: req.ExternalID,
		Memo:       req.Memo,
		Device:     req.Device,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if metrics != nil {
		metrics.PaymentsCreated.WithLabelValues(payment.Mode, payment.Currency).Inc()
	}
	c.JSON(http.StatusCreated, paymentResponse(payment))
}

// ListPayments serves GET /v1/links/:id/payments.
func ListPayments(c middleware.Context) {
	link, err := requireOwnedLink(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	limit := 50
	list, err := st.ListPayments(c.Request.Context(), link.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]PaymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, paymentResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

// getOwnedPayment loads a payment and enforces link ownership.
func getOwnedPayment(c middleware.Context, paymentID string) (*models.Payment, error) {
	payment, err := st.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		return nil, err
	}
	if _, err := requireOwnedLink(c, payment.LinkID); err != nil {
		return nil, apperr.NotFound("payment not found")
	}
	return payment, nil
}

// GetPayment serves GET /v1/payments/:id.
func GetPayment(c middleware.Context) {
	payment, err := getOwnedPayment(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentResponse(payment))
}

// CancelPayment serves POST /v1/payments/:id/cancel.
func CancelPayment(c middleware.Context) {
	if _, err := getOwnedPayment(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	payment, err := coordinator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentResponse(payment))
}

// ConfirmPayment serves POST /v1/payments/:id/confirm. Only meaningful for
// multiple-mode payments with at least one settled transfer.
func ConfirmPayment(c middleware.Context) {
	if _, err := getOwnedPayment(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	payment, err := coordinator.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentResponse(payment))
}

package handlers

import (
	"net/http"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/pkg/middleware"
)

// LightningCallbackRequest is the wallet node's invoice-settled callback.
type LightningCallbackRequest struct {
	PaymentHash string `json:"payment_hash" binding:"required"`
}

// HandleLightningCallback serves POST /v1/webhooks/lightning
// (service-to-service). The wallet node reports a settled invoice by its
// payment hash, which is the reservation's correlation id.
func HandleLightningCallback(c middleware.Context) {
	var req LightningCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	if err := activation.ReconcileByCorrelation(c.Request.Context(), models.RailLightning, req.PaymentHash); err != nil {
		respondError(c, err)
		return
	}
	if metrics != nil {
		metrics.Settlements.WithLabelValues(string(models.RailLightning)).Inc()
	}
	c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

package handlers

import (
	"io"
	"net/http"

	"paylink/internal/apperr"
	"paylink/internal/c2b"
	"paylink/internal/models"
	"paylink/pkg/logging"
	"paylink/pkg/middleware"
)

const maxWebhookBody = 1 << 20

// HandleC2BWebhook serves POST /v1/webhooks/c2b. Signature verification
// fails closed; verified notifications are deduplicated and settle or fail
// the reservation behind the provider order.
func HandleC2BWebhook(c middleware.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, webhookResult("FAIL"))
		return
	}

	if verifier == nil {
		respondError(c, apperr.Provider(nil, "provider webhooks are not configured"))
		return
	}

	err = verifier.Verify(
		c.Request.Context(),
		c.GetHeader("BinancePay-Timestamp"),
		c.GetHeader("BinancePay-Nonce"),
		c.GetHeader("BinancePay-Certificate-SN"),
		c.GetHeader("BinancePay-Signature"),
		body,
	)
	if err != nil {
		if metrics != nil {
			metrics.ProviderWebhooks.WithLabelValues("rejected").Inc()
		}
		c.JSON(apperr.HTTPStatus(err), webhookResult("FAIL"))
		return
	}

	note, order, err := c2b.ParseNotification(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, webhookResult("FAIL"))
		return
	}

	// Replayed notifications are acknowledged without reprocessing.
	fresh, err := st.MarkProviderEvent(c.Request.Context(), "c2b", note.BizID.String()+":"+note.BizStatus)
	if err != nil {
		respondError(c, err)
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, webhookResult("SUCCESS"))
		return
	}

	if metrics != nil {
		metrics.ProviderWebhooks.WithLabelValues(note.BizStatus).Inc()
	}

	switch note.BizStatus {
	case c2b.BizStatusPaySuccess:
		err = activation.ReconcileByCorrelation(c.Request.Context(), models.RailBinancePay, order.PrepayID)
	case c2b.BizStatusPayClosed:
		err = activation.Fail(c.Request.Context(), models.RailBinancePay, order.PrepayID)
	case c2b.BizStatusRefundSuccess, c2b.BizStatusQRScanned:
		// Informational only.
	default:
		logger.WithFields(logging.Fields{
			"biz_status": note.BizStatus,
			"biz_id":     note.BizID.String(),
		}).Info("Ignoring unknown provider notification status")
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhookResult("SUCCESS"))
}

func webhookResult(code string) map[string]interface{} {
	return map[string]interface{}{
		"returnCode":    code,
		"returnMessage": nil,
	}
}

// ObservationRequest is one incoming crypto transfer reported by a chain
// watcher or wallet node.
type ObservationRequest struct {
	Rail   string  `json:"rail" binding:"required"`
	Asset  string  `json:"asset" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
	TxID   string  `json:"txId"`
}

// HandleObservation serves POST /v1/observations (service-to-service). It
// feeds reconciliation with observed incoming payments.
func HandleObservation(c middleware.Context) {
	var req ObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	rail := models.Rail(req.Rail)
	if _, ok := registry.Get(rail); !ok {
		respondError(c, apperr.Validation("unknown rail %q", req.Rail))
		return
	}

	err := activation.Reconcile(c.Request.Context(), models.ObservedPayment{
		Rail:         rail,
		Asset:        req.Asset,
		Amount:       req.Amount,
		ExternalTxID: req.TxID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if metrics != nil {
		metrics.Settlements.WithLabelValues(req.Rail).Inc()
	}
	c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

package handlers

import (
	"net/http"
	"strings"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/pkg/logging"
	"paylink/pkg/middleware"
)

// respondError maps domain errors to HTTP and keeps internals out of bodies.
func respondError(c middleware.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.WithFields(logging.Fields{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		}).Error("Request failed")
		c.JSON(status, ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// resolveRef loads the link and open payment behind a payer-facing ref,
// which is either a payment id or a link id.
func resolveRef(c middleware.Context, ref string) (*models.Link, *models.Payment, error) {
	ctx := c.Request.Context()
	if strings.HasPrefix(ref, models.PrefixPayment+"_") {
		payment, err := st.GetPayment(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		link, err := st.GetLink(ctx, payment.LinkID)
		if err != nil {
			return nil, nil, err
		}
		return link, payment, nil
	}

	link, err := st.GetLink(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	payment, err := st.GetPendingPayment(ctx, link.ID)
	if err != nil {
		return nil, nil, err
	}
	return link, payment, nil
}

// requireOwnedLink loads a link and enforces merchant ownership.
func requireOwnedLink(c middleware.Context, linkID string) (*models.Link, error) {
	link, err := st.GetLink(c.Request.Context(), linkID)
	if err != nil {
		return nil, err
	}
	if link.MerchantID != c.GetString("merchant_id") {
		return nil, apperr.NotFound("payment link not found")
	}
	return link, nil
}

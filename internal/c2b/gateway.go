package c2b

import (
	"context"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/pkg/logging"
)

// Gateway adapts provider orders to the rail gateway contract. The order's
// prepay id becomes the activation correlation id so webhook callbacks can
// settle the right reservation.
type Gateway struct {
	client *Client
	logger logging.Logger
}

func NewGateway(client *Client, logger logging.Logger) *Gateway {
	return &Gateway{client: client, logger: logger}
}

func (g *Gateway) CreatePayable(ctx context.Context, p rails.Payable) (*rails.PayableRequest, error) {
	if p.Link == nil || !p.Link.Enrolled() {
		return nil, apperr.Validation("link is not enrolled with the payment provider")
	}

	order, err := g.client.CreateOrder(ctx, OrderRequest{
		MerchantID:      p.Link.C2BMerchantID,
		SubMerchantID:   p.Link.C2BSubMerchantID,
		MerchantTradeNo: p.PaymentID + "-" + newNonce()[:8],
		Asset:           p.Asset,
		Amount:          p.Amount,
		Description:     p.Memo,
	})
	if err != nil {
		return nil, err
	}

	request := order.Deeplink
	if request == "" {
		request = order.CheckoutURL
	}
	if request == "" {
		request = order.QRContent
	}
	if request == "" {
		return nil, apperr.Provider(nil, "provider order %s has no payable artifact", order.PrepayID)
	}

	var expiry time.Time
	if order.ExpireTime > 0 {
		expiry = time.UnixMilli(order.ExpireTime)
	}

	g.logger.WithFields(logging.Fields{
		"payment_id": p.PaymentID,
		"prepay_id":  order.PrepayID,
		"asset":      p.Asset,
		"amount":     p.Amount,
	}).Info("Created provider order")

	return &rails.PayableRequest{
		Request:       request,
		CorrelationID: order.PrepayID,
		Expiry:        expiry,
	}, nil
}

// Enroller registers links as provider sub-merchants under the platform's
// top-level merchant account.
type Enroller struct {
	client     *Client
	store      *store.Store
	merchantID string // C2B_MERCHANT_ID
	logger     logging.Logger
}

func NewEnroller(client *Client, s *store.Store, merchantID string, logger logging.Logger) *Enroller {
	return &Enroller{client: client, store: s, merchantID: merchantID, logger: logger}
}

// EnrollLink enrolls the link and persists the provider ids. Enrolling an
// already enrolled link is a no-op returning the existing ids.
func (e *Enroller) EnrollLink(ctx context.Context, link *models.Link, req EnrollmentRequest) (*models.Link, error) {
	if link.Enrolled() {
		return link, nil
	}
	if req.MerchantName == "" {
		req.MerchantName = link.Label
	}
	if req.MerchantName == "" {
		return nil, apperr.Validation("enrollment requires a merchant name")
	}

	subMerchantID, err := e.client.EnrollSubMerchant(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetLinkEnrollment(ctx, link.ID, e.merchantID, subMerchantID); err != nil {
		return nil, err
	}

	link.C2BMerchantID = e.merchantID
	link.C2BSubMerchantID = subMerchantID
	e.logger.WithFields(logging.Fields{
		"link_id":         link.ID,
		"sub_merchant_id": subMerchantID,
	}).Info("Enrolled link with payment provider")
	return link, nil
}

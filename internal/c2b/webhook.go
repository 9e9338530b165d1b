package c2b

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"paylink/internal/apperr"
)

// Webhook business statuses the provider sends.
const (
	BizStatusPaySuccess    = "PAY_SUCCESS"
	BizStatusPayClosed     = "PAY_CLOSED"
	BizStatusRefundSuccess = "REFUND_SUCCESS"
	BizStatusQRScanned     = "QR_SCANNED"
)

// Notification is the provider's webhook envelope. BizID is a number on the
// wire; json.Number keeps its exact rendering for dedup keys.
type Notification struct {
	BizType   string          `json:"bizType"`
	BizID     json.Number     `json:"bizId"`
	BizStatus string          `json:"bizStatus"`
	Data      json.RawMessage `json:"data"`
}

// OrderNotification is the data payload for PAY_* notifications.
type OrderNotification struct {
	MerchantTradeNo string `json:"merchantTradeNo"`
	PrepayID        string `json:"prepayId"`
}

// ParseNotification decodes the webhook body. The nested data field arrives
// as a JSON-encoded string.
func ParseNotification(body []byte) (*Notification, *OrderNotification, error) {
	var note Notification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, nil, apperr.Validation("malformed webhook body: %v", err)
	}

	var order OrderNotification
	if len(note.Data) > 0 {
		var inner string
		if err := json.Unmarshal(note.Data, &inner); err == nil {
			if err := json.Unmarshal([]byte(inner), &order); err != nil {
				return nil, nil, apperr.Validation("malformed webhook data: %v", err)
			}
		} else if err := json.Unmarshal(note.Data, &order); err != nil {
			return nil, nil, apperr.Validation("malformed webhook data: %v", err)
		}
	}
	return &note, &order, nil
}

// Verifier authenticates provider webhooks. Verification always fails
// closed: any missing header, unknown serial or bad signature rejects the
// webhook.
type Verifier struct {
	certs *certCache
}

func NewVerifier(client *Client) *Verifier {
	return &Verifier{certs: newCertCache(client)}
}

// Verify checks the RSA-SHA256 signature over "{timestamp}\n{nonce}\n{body}\n".
func (v *Verifier) Verify(ctx context.Context, timestamp, nonce, serial, signatureB64 string, body []byte) error {
	if timestamp == "" || nonce == "" || serial == "" || signatureB64 == "" {
		return apperr.Signature("missing webhook signature headers")
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return apperr.Signature("webhook signature is not valid base64")
	}

	key, err := v.certs.Get(ctx, serial)
	if err != nil {
		if apperr.Is(err, apperr.KindSignature) {
			return err
		}
		return apperr.Signature("certificate lookup failed: %v", err)
	}

	payload := make([]byte, 0, len(timestamp)+len(nonce)+len(body)+3)
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	payload = append(payload, nonce...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	payload = append(payload, '\n')

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return apperr.Signature("webhook signature verification failed")
	}
	return nil
}

// Package webhooks delivers payment state changes to merchant endpoints.
// Deliveries are ordered per link: one worker goroutine per link drains a
// bounded queue, so a slow merchant endpoint never reorders its own events
// or stalls other merchants.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"paylink/internal/models"
	"paylink/pkg/clients"
	"paylink/pkg/crypto"
	"paylink/pkg/logging"
)

// Event types delivered to merchant endpoints.
const (
	EventPaymentPending   = "payment.pending"
	EventPaymentSettled   = "payment.settled"
	EventPaymentCompleted = "payment.completed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentExpired   = "payment.expired"
)

// Event is one webhook payload.
type Event struct {
	Type      string          `json:"type"`
	LinkID    string          `json:"linkId"`
	Payment   paymentSnapshot `json:"payment"`
	Timestamp time.Time       `json:"timestamp"`
}

type paymentSnapshot struct {
	ID          string  `json:"id"`
	ExternalID  string  `json:"externalId,omitempty"`
	Status      string  `json:"status"`
	Mode        string  `json:"mode"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	TxCount     int     `json:"txCount"`
	IsConfirmed bool    `json:"isConfirmed"`
	ExpiryDate  string  `json:"expiryDate"`
}

// NewEvent snapshots a payment into a deliverable event.
func NewEvent(eventType string, payment *models.Payment) Event {
	return Event{
		Type:   eventType,
		LinkID: payment.LinkID,
		Payment: paymentSnapshot{
			ID:          payment.ID,
			ExternalID:  payment.ExternalID,
			Status:      payment.Status,
			Mode:        payment.Mode,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			TxCount:     payment.TxCount,
			IsConfirmed: payment.IsConfirmed,
			ExpiryDate:  payment.ExpiryDate.UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now().UTC(),
	}
}

type delivery struct {
	url    string
	secret string
	event  Event
}

// Dispatcher owns webhook delivery. One queue and worker per link, queues
// are bounded and overflow drops the incoming event with a log.
type Dispatcher struct {
	fieldCrypt *crypto.FieldEncryptor
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger

	mu     sync.Mutex
	queues map[string]chan delivery
	wg     sync.WaitGroup
	closed bool
}

const queueDepth = 64

func NewDispatcher(fieldCrypt *crypto.FieldEncryptor, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		fieldCrypt: fieldCrypt,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		}),
		logger: logger,
		queues: make(map[string]chan delivery),
	}
}

// Dispatch queues an event for the link. Links without a webhook URL are
// skipped. Never blocks the caller.
func (d *Dispatcher) Dispatch(link *models.Link, event Event) {
	if link.WebhookURL == "" {
		return
	}

	secret := link.WebhookSecret
	if d.fieldCrypt != nil && secret != "" {
		plain, err := d.fieldCrypt.Decrypt(secret)
		if err != nil {
			d.logger.WithFields(logging.Fields{
				"link_id": link.ID,
				"error":   err.Error(),
			}).Error("Failed to decrypt webhook secret, dropping event")
			return
		}
		secret = plain
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	queue, ok := d.queues[link.ID]
	if !ok {
		queue = make(chan delivery, queueDepth)
		d.queues[link.ID] = queue
		d.wg.Add(1)
		go d.drain(link.ID, queue)
	}
	d.mu.Unlock()

	select {
	case queue <- delivery{url: link.WebhookURL, secret: secret, event: event}:
	default:
		d.logger.WithFields(logging.Fields{
			"link_id": link.ID,
			"type":    event.Type,
		}).Warn("Webhook queue full, dropping event")
	}
}

func (d *Dispatcher) drain(linkID string, queue chan delivery) {
	defer d.wg.Done()
	for del := range queue {
		if err := d.deliver(del); err != nil {
			d.logger.WithFields(logging.Fields{
				"link_id": linkID,
				"type":    del.event.Type,
				"error":   err.Error(),
			}).Error("Webhook delivery failed after retries, dropping")
		}
	}
}

func (d *Dispatcher) deliver(del delivery) error {
	body, err := json.Marshal(del.event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := Sign(del.secret, timestamp, body)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := clients.ExecuteHTTP(ctx, d.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Paylink-Timestamp", timestamp)
		req.Header.Set("X-Paylink-Signature", signature)
		return d.httpClient.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 over "{timestamp}.{body}" with the
// link's webhook secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close stops all workers after the queued deliveries drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

package payments

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/store"
	"paylink/internal/webhooks"
)

func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock, *webhooks.Dispatcher) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	logger := logrus.New()
	dispatcher := webhooks.NewDispatcher(nil, logger)
	return NewCoordinator(store.New(mockDB, logger), dispatcher, nil, logger), mock, dispatcher
}

func activeLink(webhookURL string) *models.Link {
	return &models.Link{
		ID:             "pl_1",
		MerchantID:     "m_1",
		Status:         models.LinkStatusActive,
		Currency:       "CHF",
		Rails:          []models.Rail{models.RailLightning},
		WebhookURL:     webhookURL,
		WebhookSecret:  "shh",
		PaymentTimeout: time.Hour,
	}
}

func paymentCols() []string {
	return []string{"id", "link_id", "external_id", "status", "mode", "amount", "currency",
		"memo", "tx_count", "is_confirmed", "device", "expiry_date", "created_at", "updated_at"}
}

func linkCols() []string {
	return []string{"id", "merchant_id", "external_id", "label", "status", "currency", "rails",
		"webhook_url", "webhook_secret", "payment_timeout_secs", "c2b_merchant_id", "c2b_sub_merchant_id",
		"created_at", "updated_at"}
}

func addPaymentRow(rows *sqlmock.Rows, id, status, mode string, txCount int) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "pl_1", "", status, mode, 100.0, "CHF", "", txCount, false, nil,
		now.Add(time.Hour), now, now)
}

func addLinkRow(rows *sqlmock.Rows, webhookURL string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow("pl_1", "m_1", "", "", "active", "CHF", "{Lightning}",
		webhookURL, "shh", int64(3600), "", "", now, now)
}

func TestCreatePaymentRejectsInactiveLink(t *testing.T) {
	coordinator, _, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	link := activeLink("")
	link.Status = models.LinkStatusInactive
	_, err := coordinator.CreatePayment(context.Background(), link, CreatePaymentRequest{Amount: 100})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreatePaymentDefaultsToSingleMode(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectExec("INSERT INTO paylink.payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payment, err := coordinator.CreatePayment(context.Background(), activeLink(""), CreatePaymentRequest{Amount: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Mode != models.PaymentModeSingle {
		t.Fatalf("expected single mode default, got %s", payment.Mode)
	}
	if payment.Currency != "CHF" {
		t.Fatalf("payment must inherit link currency, got %s", payment.Currency)
	}
	if !payment.ExpiryDate.After(time.Now()) {
		t.Fatal("expected future expiry")
	}
}

func TestCreatePaymentShorterTimeoutWins(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectExec("INSERT INTO paylink.payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payment, err := coordinator.CreatePayment(context.Background(), activeLink(""), CreatePaymentRequest{
		Amount:  100,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.ExpiryDate.After(time.Now().Add(11 * time.Minute)) {
		t.Fatalf("expected request timeout to cap expiry, got %s", payment.ExpiryDate)
	}
}

func TestOnActivationSettledCompletesSingleMode(t *testing.T) {
	var mu sync.Mutex
	var events []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event webhooks.Event
		json.Unmarshal(body, &event)
		mu.Lock()
		events = append(events, event.Type)
		mu.Unlock()
	}))
	defer server.Close()

	coordinator, mock, dispatcher := newTestCoordinator(t)

	mock.ExpectQuery("SELECT (.+) FROM paylink.payments WHERE id").
		WithArgs("plp_1").
		WillReturnRows(addPaymentRow(sqlmock.NewRows(paymentCols()), "plp_1", "pending", "single", 0))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_links WHERE id").
		WithArgs("pl_1").
		WillReturnRows(addLinkRow(sqlmock.NewRows(linkCols()), server.URL))
	mock.ExpectExec("UPDATE paylink.payments SET tx_count").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payments SET status").
		WithArgs("plp_1", models.PaymentStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("plp_1", "pla_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_quotes SET status").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Waiter woken by the settlement below.
	waitDone := make(chan struct{})
	go func() {
		<-coordinator.waits.channel("plp_1")
		close(waitDone)
	}()
	time.Sleep(10 * time.Millisecond)

	activation := &models.Activation{ID: "pla_1", PaymentID: "plp_1", Rail: models.RailLightning, Asset: "BTC", Amount: 0.001}
	if err := coordinator.OnActivationSettled(context.Background(), activation); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by completion")
	}

	dispatcher.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != webhooks.EventPaymentCompleted {
		t.Fatalf("expected a single completed event, got %v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOnActivationSettledAccumulatesInMultipleMode(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectQuery("SELECT (.+) FROM paylink.payments WHERE id").
		WithArgs("plp_1").
		WillReturnRows(addPaymentRow(sqlmock.NewRows(paymentCols()), "plp_1", "pending", "multiple", 1))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_links WHERE id").
		WithArgs("pl_1").
		WillReturnRows(addLinkRow(sqlmock.NewRows(linkCols()), ""))
	mock.ExpectExec("UPDATE paylink.payments SET tx_count").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	activation := &models.Activation{ID: "pla_2", PaymentID: "plp_1", Rail: models.RailLightning, Asset: "BTC", Amount: 0.001}
	if err := coordinator.OnActivationSettled(context.Background(), activation); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No status transition must have been attempted.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOnActivationSettledToleratesLateFunds(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectQuery("SELECT (.+) FROM paylink.payments WHERE id").
		WithArgs("plp_1").
		WillReturnRows(addPaymentRow(sqlmock.NewRows(paymentCols()), "plp_1", "expired", "single", 0))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_links WHERE id").
		WithArgs("pl_1").
		WillReturnRows(addLinkRow(sqlmock.NewRows(linkCols()), ""))
	mock.ExpectExec("UPDATE paylink.payments SET tx_count").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	activation := &models.Activation{ID: "pla_3", PaymentID: "plp_1"}
	if err := coordinator.OnActivationSettled(context.Background(), activation); err != nil {
		t.Fatalf("late funds must not error, got %v", err)
	}
}

func TestConfirmRefusedWithoutSettlements(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectExec("UPDATE paylink.payments SET status = 'completed'").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := coordinator.Confirm(context.Background(), "plp_1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCancelRefusedOnTerminalPayment(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectExec("UPDATE paylink.payments SET status").
		WithArgs("plp_1", models.PaymentStatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := coordinator.Cancel(context.Background(), "plp_1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestWaitForCompletionReturnsImmediatelyOnTerminalPayment(t *testing.T) {
	coordinator, mock, dispatcher := newTestCoordinator(t)
	defer dispatcher.Close()

	mock.ExpectQuery("SELECT (.+) FROM paylink.payments WHERE id").
		WithArgs("plp_1").
		WillReturnRows(addPaymentRow(sqlmock.NewRows(paymentCols()), "plp_1", "completed", "single", 1))

	payment, err := coordinator.WaitForCompletion(context.Background(), "plp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
}

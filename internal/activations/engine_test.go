package activations

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/payments"
	"paylink/internal/quotes"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/internal/webhooks"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	t.Setenv("DEPOSIT_ADDRESS", "0x1111111111111111111111111111111111111111")

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	s := store.New(mockDB, logger)
	registry := rails.NewRegistry()

	gateways := rails.NewGatewaySet(registry)
	evm, err := rails.NewEVMGateway(rails.EVMConfig{Registry: registry, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create EVM gateway: %v", err)
	}
	gateways.Register(models.RailClassEvm, evm)

	dispatcher := webhooks.NewDispatcher(nil, logger)
	t.Cleanup(dispatcher.Close)
	coordinator := payments.NewCoordinator(s, dispatcher, nil, logger)
	quoteEngine := quotes.NewEngine(s, registry, nil, logger)

	return NewEngine(s, quoteEngine, registry, gateways, nil, coordinator, logger), mock
}

func evmLink() *models.Link {
	return &models.Link{
		ID:             "pl_1",
		MerchantID:     "m_1",
		Status:         models.LinkStatusActive,
		Currency:       "USD",
		Rails:          []models.Rail{models.RailPolygon},
		PaymentTimeout: time.Hour,
	}
}

func usdPayment() *models.Payment {
	return &models.Payment{
		ID:         "plp_1",
		LinkID:     "pl_1",
		Status:     models.PaymentStatusPending,
		Mode:       models.PaymentModeSingle,
		Amount:     100,
		Currency:   "USD",
		ExpiryDate: time.Now().Add(time.Hour),
	}
}

func activationCols() []string {
	return []string{"id", "payment_id", "quote_id", "status", "rail", "asset", "amount",
		"payable_request", "correlation_id", "expiry_date", "created_at"}
}

const usdcMenu = `[{"method":"Polygon","minFee":0.005,"assets":[{"asset":"USDC","amount":100.502513}],"available":true}]`

func expectQuoteLookup(mock sqlmock.Sqlmock) {
	cols := []string{"id", "payment_id", "status", "transfer_menu", "expiry_date", "created_at"}
	mock.ExpectQuery("SELECT id, payment_id, status, transfer_menu").
		WithArgs("plq_1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("plq_1", "plp_1", "actual", []byte(usdcMenu), time.Now().Add(10*time.Minute), time.Now()))
}

func TestReserveCreatesActivationWithPayableRequest(t *testing.T) {
	engine, mock := newTestEngine(t)

	expectQuoteLookup(mock)
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs("plp_1", models.RailPolygon, "USDC", 100.502513).
		WillReturnRows(sqlmock.NewRows(activationCols()))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("plp_1", models.RailPolygon, "USDC", 100.502513).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO paylink.payment_activations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	activation, err := engine.Reserve(context.Background(), evmLink(), usdPayment(), "plq_1",
		models.RailPolygon, "USDC", 100.502513)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activation.PayableRequest == "" {
		t.Fatal("expected a payable request")
	}
	if activation.QuoteID != "plq_1" {
		t.Fatalf("expected quote binding, got %s", activation.QuoteID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveReusesOpenReservation(t *testing.T) {
	engine, mock := newTestEngine(t)

	expectQuoteLookup(mock)
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs("plp_1", models.RailPolygon, "USDC", 100.502513).
		WillReturnRows(sqlmock.NewRows(activationCols()).
			AddRow("pla_open", "plp_1", "plq_1", "pending", "Polygon", "USDC", 100.502513,
				"polygon:0x...", "", time.Now().Add(5*time.Minute), time.Now()))

	activation, err := engine.Reserve(context.Background(), evmLink(), usdPayment(), "plq_1",
		models.RailPolygon, "USDC", 100.502513)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activation.ID != "pla_open" {
		t.Fatalf("expected reuse of open reservation, got %s", activation.ID)
	}
}

func TestReserveConflictsWithForeignReservation(t *testing.T) {
	engine, mock := newTestEngine(t)

	expectQuoteLookup(mock)
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WillReturnRows(sqlmock.NewRows(activationCols()))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := engine.Reserve(context.Background(), evmLink(), usdPayment(), "plq_1",
		models.RailPolygon, "USDC", 100.502513)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReserveRejectsExpiredPayment(t *testing.T) {
	engine, _ := newTestEngine(t)

	payment := usdPayment()
	payment.ExpiryDate = time.Now().Add(-time.Minute)
	_, err := engine.Reserve(context.Background(), evmLink(), payment, "plq_1",
		models.RailPolygon, "USDC", 100.502513)
	if !apperr.Is(err, apperr.KindExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestReconcileSettlesOldestAndMarksDuplicates(t *testing.T) {
	engine, mock := newTestEngine(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs(models.RailPolygon, "USDC", 100.502513).
		WillReturnRows(sqlmock.NewRows(activationCols()).
			AddRow("pla_old", "plp_1", "plq_1", "pending", "Polygon", "USDC", 100.502513, "uri", "", now.Add(time.Minute), now.Add(-2*time.Minute)).
			AddRow("pla_new", "plp_1", "plq_2", "pending", "Polygon", "USDC", 100.502513, "uri", "", now.Add(time.Minute), now.Add(-time.Minute)))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_old", models.ActivationStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_new", models.ActivationStatusDuplicate).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Settlement bookkeeping on the winning activation's payment.
	paymentCols := []string{"id", "link_id", "external_id", "status", "mode", "amount", "currency",
		"memo", "tx_count", "is_confirmed", "device", "expiry_date", "created_at", "updated_at"}
	linkCols := []string{"id", "merchant_id", "external_id", "label", "status", "currency", "rails",
		"webhook_url", "webhook_secret", "payment_timeout_secs", "c2b_merchant_id", "c2b_sub_merchant_id",
		"created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM paylink.payments WHERE id").
		WithArgs("plp_1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("plp_1", "pl_1", "", "pending", "single", 100.0, "USD", "", 0, false, nil, now.Add(time.Hour), now, now))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_links WHERE id").
		WithArgs("pl_1").
		WillReturnRows(sqlmock.NewRows(linkCols).
			AddRow("pl_1", "m_1", "", "", "active", "USD", "{Polygon}", "", "", int64(3600), "", "", now, now))
	mock.ExpectExec("UPDATE paylink.payments SET tx_count").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payments SET status").
		WithArgs("plp_1", models.PaymentStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("plp_1", "pla_old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_quotes SET status").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := engine.Reconcile(context.Background(), models.ObservedPayment{
		Rail:   models.RailPolygon,
		Asset:  "USDC",
		Amount: 100.502513,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcileConcurrentRedeliverySettlesNothingFurther(t *testing.T) {
	engine, mock := newTestEngine(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs(models.RailPolygon, "USDC", 100.502513).
		WillReturnRows(sqlmock.NewRows(activationCols()).
			AddRow("pla_old", "plp_1", "plq_1", "pending", "Polygon", "USDC", 100.502513, "uri", "", now.Add(time.Minute), now.Add(-2*time.Minute)).
			AddRow("pla_new", "plp_1", "plq_2", "pending", "Polygon", "USDC", 100.502513, "uri", "", now.Add(time.Minute), now.Add(-time.Minute)))
	// A concurrent delivery already settled the oldest candidate. The lost
	// CAS must end the matter: no other candidate settles, no settlement is
	// recorded a second time.
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_old", models.ActivationStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := engine.Reconcile(context.Background(), models.ObservedPayment{
		Rail:   models.RailPolygon,
		Asset:  "USDC",
		Amount: 100.502513,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcileUnmatchedPaymentIsLoggedNotFailed(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WillReturnRows(sqlmock.NewRows(activationCols()))

	err := engine.Reconcile(context.Background(), models.ObservedPayment{
		Rail:   models.RailPolygon,
		Asset:  "USDC",
		Amount: 3.5,
	})
	if err != nil {
		t.Fatalf("unmatched payment must not error, got %v", err)
	}
}

func TestReconcileByCorrelationIsIdempotent(t *testing.T) {
	engine, mock := newTestEngine(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs(models.RailLightning, "hash-1").
		WillReturnRows(sqlmock.NewRows(activationCols()).
			AddRow("pla_1", "plp_1", "plq_1", "pending", "Lightning", "BTC", 0.001, "lnbc...", "hash-1", now.Add(time.Minute), now))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_1", models.ActivationStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Lost CAS means another callback settled it already; no settlement work.
	if err := engine.ReconcileByCorrelation(context.Background(), models.RailLightning, "hash-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

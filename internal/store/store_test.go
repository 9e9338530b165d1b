package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"paylink/internal/apperr"
	"paylink/internal/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(mockDB, logrus.New()), mock
}

func TestCreatePaymentMapsPendingConflict(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO paylink.payments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_one_pending_per_link"})

	err := store.CreatePayment(context.Background(), &models.Payment{
		ID:         "plp_1",
		LinkID:     "pl_1",
		Status:     models.PaymentStatusPending,
		Mode:       models.PaymentModeSingle,
		Amount:     100,
		Currency:   "CHF",
		ExpiryDate: time.Now().Add(time.Hour),
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreatePaymentMapsExternalIDConflict(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO paylink.payments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_link_external"})

	err := store.CreatePayment(context.Background(), &models.Payment{
		ID:         "plp_2",
		LinkID:     "pl_1",
		ExternalID: "order-7",
		Status:     models.PaymentStatusPending,
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestTransitionActivationReportsLostRace(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_1", models.ActivationStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.TransitionActivation(context.Background(), "pla_1", models.ActivationStatusCompleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Fatal("expected transition to report a lost race")
	}
}

func TestTransitionActivationWinsOnPendingRow(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("pla_1", models.ActivationStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := store.TransitionActivation(context.Background(), "pla_1", models.ActivationStatusCompleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatal("expected transition to win")
	}
}

func TestFindPendingActivationsOrdersOldestFirst(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	cols := []string{"id", "payment_id", "quote_id", "status", "rail", "asset", "amount",
		"payable_request", "correlation_id", "expiry_date", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_activations").
		WithArgs(models.RailLightning, "BTC", 0.00123456).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("pla_old", "plp_1", "plq_1", "pending", "Lightning", "BTC", 0.00123456,
				"lnbc1...", "hash-1", now.Add(time.Minute), now.Add(-2*time.Minute)).
			AddRow("pla_new", "plp_2", "plq_2", "pending", "Lightning", "BTC", 0.00123456,
				"lnbc2...", "hash-2", now.Add(time.Minute), now.Add(-time.Minute)))

	activations, err := store.FindPendingActivations(context.Background(), models.RailLightning, "BTC", 0.00123456)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(activations) != 2 {
		t.Fatalf("expected 2 activations, got %d", len(activations))
	}
	if activations[0].ID != "pla_old" {
		t.Fatalf("expected oldest activation first, got %s", activations[0].ID)
	}
}

func TestMarkProviderEventDeduplicates(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO paylink.provider_events").
		WithArgs("binance-pay", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	fresh, err := store.MarkProviderEvent(context.Background(), "binance-pay", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh {
		t.Fatal("expected repeated event to be reported as seen")
	}
}

func TestGetPendingPaymentReturnsNilWhenNone(t *testing.T) {
	store, mock := newTestStore(t)

	cols := []string{"id", "link_id", "external_id", "status", "mode", "amount", "currency",
		"memo", "tx_count", "is_confirmed", "device", "expiry_date", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM paylink.payments").
		WithArgs("pl_1").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := store.GetPendingPayment(context.Background(), "pl_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no pending payment, got %+v", p)
	}
}

func TestConfirmPaymentRequiresSettledTransfer(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE paylink.payments SET status = 'completed'").
		WithArgs("plp_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.ConfirmPayment(context.Background(), "plp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Fatal("expected confirm to be refused for a payment without settlements")
	}
}

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"paylink/internal/payments"
	"paylink/internal/store"
	"paylink/internal/webhooks"
)

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	s := store.New(mockDB, logger)
	dispatcher := webhooks.NewDispatcher(nil, logger)
	t.Cleanup(dispatcher.Close)
	coordinator := payments.NewCoordinator(s, dispatcher, nil, logger)
	return NewScheduler(s, coordinator, logger), mock
}

func lockRows(acquired bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(acquired)
}

func TestRunSweepsSkipsWhenLocksHeldElsewhere(t *testing.T) {
	scheduler, mock := newTestScheduler(t)

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT pg_try_advisory_lock").
			WillReturnRows(lockRows(false))
	}

	scheduler.runSweeps(context.Background())
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunSweepsExpiresOverdueRecords(t *testing.T) {
	scheduler, mock := newTestScheduler(t)

	paymentCols := []string{"id", "link_id", "external_id", "status", "mode", "amount", "currency",
		"memo", "tx_count", "is_confirmed", "device", "expiry_date", "created_at", "updated_at"}
	linkCols := []string{"id", "merchant_id", "external_id", "label", "status", "currency", "rails",
		"webhook_url", "webhook_secret", "payment_timeout_secs", "c2b_merchant_id", "c2b_sub_merchant_id",
		"created_at", "updated_at"}
	now := time.Now()

	// Payments sweep: one overdue payment gets expired with its open work closed.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payments").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("plp_due", "pl_1", "", "pending", "single", 50.0, "CHF", "", 0, false, nil,
				now.Add(-time.Minute), now.Add(-time.Hour), now.Add(-time.Hour)))
	mock.ExpectExec("UPDATE paylink.payments SET status").
		WithArgs("plp_due", "expired").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status").
		WithArgs("plp_due", "").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE paylink.payment_quotes SET status").
		WithArgs("plp_due").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM paylink.payment_links WHERE id").
		WithArgs("pl_1").
		WillReturnRows(sqlmock.NewRows(linkCols).
			AddRow("pl_1", "m_1", "", "", "active", "CHF", "{Lightning}", "", "", int64(3600), "", "", now, now))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Quote sweep.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectExec("UPDATE paylink.payment_quotes SET status = 'expired'").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Activation sweep.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectExec("UPDATE paylink.payment_activations SET status = 'expired'").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	scheduler.runSweeps(context.Background())
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	scheduler, _ := newTestScheduler(t)
	scheduler.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	scheduler.Stop()
}

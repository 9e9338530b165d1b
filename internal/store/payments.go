package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
)

const paymentColumns = `id, link_id, external_id, status, mode, amount, currency,
	memo, tx_count, is_confirmed, device, expiry_date, created_at, updated_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (*models.Payment, error) {
	var p models.Payment
	var device []byte
	var confirmed bool
	err := row.Scan(
		&p.ID, &p.LinkID, &p.ExternalID, &p.Status, &p.Mode, &p.Amount, &p.Currency,
		&p.Memo, &p.TxCount, &confirmed, &device, &p.ExpiryDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(device) > 0 {
		var binding models.DeviceBinding
		if err := json.Unmarshal(device, &binding); err == nil {
			p.Device = &binding
		}
	}
	p.IsConfirmed = confirmed
	return &p, nil
}

// CreatePayment inserts a pending payment. The partial unique indexes enforce
// at most one pending payment per link and unique external ids, so concurrent
// creates resolve on the database rather than with an up-front read.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	var device interface{}
	if p.Device != nil {
		raw, err := json.Marshal(p.Device)
		if err != nil {
			return fmt.Errorf("failed to encode device binding: %w", err)
		}
		device = raw
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paylink.payments (
			id, link_id, external_id, status, mode, amount, currency, memo, device, expiry_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.LinkID, p.ExternalID, p.Status, p.Mode, p.Amount, p.Currency, p.Memo, device, p.ExpiryDate)
	if isUniqueViolationOn(err, "payments_one_pending_per_link") {
		return apperr.Conflict("link already has a pending payment")
	}
	if isUniqueViolationOn(err, "payments_link_external") {
		return apperr.Conflict("payment with external id %q already exists", p.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM paylink.payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return p, nil
}

// GetPendingPayment returns the link's open payment, if any.
func (s *Store) GetPendingPayment(ctx context.Context, linkID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM paylink.payments
		WHERE link_id = $1 AND status = 'pending'`, linkID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payment: %w", err)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, linkID string, limit int) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM paylink.payments
		WHERE link_id = $1 ORDER BY created_at DESC LIMIT $2`, linkID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// TransitionPayment moves a pending payment to a terminal status. Returns
// false when the payment was not pending anymore, which callers treat as a
// lost race, not an error.
func (s *Store) TransitionPayment(ctx context.Context, id, toStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, toStatus)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// RecordSettlement increments the settled-transfer counter on a pending
// multiple-mode payment.
func (s *Store) RecordSettlement(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payments SET tx_count = tx_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to record settlement: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// ConfirmPayment completes a pending multiple-mode payment that has at least
// one settled transfer.
func (s *Store) ConfirmPayment(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payments SET status = 'completed', is_confirmed = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND mode = 'multiple' AND tx_count > 0`, id)
	if err != nil {
		return false, fmt.Errorf("failed to confirm payment: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// ListExpiredPayments returns pending payments whose expiry has passed.
func (s *Store) ListExpiredPayments(ctx context.Context, now time.Time) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM paylink.payments
		WHERE status = 'pending' AND expiry_date <= $1
		ORDER BY expiry_date ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

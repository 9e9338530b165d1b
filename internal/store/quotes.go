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

func scanQuote(row interface{ Scan(...interface{}) error }) (*models.Quote, error) {
	var q models.Quote
	var menu []byte
	err := row.Scan(&q.ID, &q.PaymentID, &q.Status, &menu, &q.ExpiryDate, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(menu, &q.Menu); err != nil {
		return nil, fmt.Errorf("failed to decode transfer menu: %w", err)
	}
	return &q, nil
}

func (s *Store) CreateQuote(ctx context.Context, q *models.Quote) error {
	menu, err := json.Marshal(q.Menu)
	if err != nil {
		return fmt.Errorf("failed to encode transfer menu: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO paylink.payment_quotes (id, payment_id, status, transfer_menu, expiry_date)
		VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.PaymentID, q.Status, menu, q.ExpiryDate)
	if err != nil {
		return fmt.Errorf("failed to create quote: %w", err)
	}
	return nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payment_id, status, transfer_menu, expiry_date, created_at
		FROM paylink.payment_quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("quote not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quote: %w", err)
	}
	return q, nil
}

// ListActualQuotes returns the payment's live quotes, newest first.
func (s *Store) ListActualQuotes(ctx context.Context, paymentID string) ([]*models.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, status, transfer_menu, expiry_date, created_at
		FROM paylink.payment_quotes
		WHERE payment_id = $1 AND status = 'actual'
		ORDER BY created_at DESC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	var quotes []*models.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// CancelQuotesForPayment invalidates all live quotes of a payment, typically
// when the payment reaches a terminal state.
func (s *Store) CancelQuotesForPayment(ctx context.Context, paymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_quotes SET status = 'cancelled', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'actual'`, paymentID)
	if err != nil {
		return fmt.Errorf("failed to cancel quotes: %w", err)
	}
	return nil
}

// ExpireQuotes marks overdue live quotes and returns how many were expired.
func (s *Store) ExpireQuotes(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_quotes SET status = 'expired', updated_at = NOW()
		WHERE status = 'actual' AND expiry_date <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire quotes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

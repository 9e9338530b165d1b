package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
)

const activationColumns = `id, payment_id, quote_id, status, rail, asset, amount,
	payable_request, correlation_id, expiry_date, created_at`

func scanActivation(row interface{ Scan(...interface{}) error }) (*models.Activation, error) {
	var a models.Activation
	err := row.Scan(
		&a.ID, &a.PaymentID, &a.QuoteID, &a.Status, &a.Rail, &a.Asset, &a.Amount,
		&a.PayableRequest, &a.CorrelationID, &a.ExpiryDate, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateActivation(ctx context.Context, a *models.Activation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paylink.payment_activations (
			id, payment_id, quote_id, status, rail, asset, amount,
			payable_request, correlation_id, expiry_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PaymentID, a.QuoteID, a.Status, a.Rail, a.Asset, a.Amount,
		a.PayableRequest, a.CorrelationID, a.ExpiryDate)
	if err != nil {
		return fmt.Errorf("failed to create activation: %w", err)
	}
	return nil
}

func (s *Store) GetActivation(ctx context.Context, id string) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM paylink.payment_activations WHERE id = $1`, id)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("activation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activation: %w", err)
	}
	return a, nil
}

// FindPendingActivations returns all pending activations matching the
// observed (rail, asset, amount), oldest first. Reconciliation settles the
// oldest and marks the remainder duplicate.
func (s *Store) FindPendingActivations(ctx context.Context, rail models.Rail, asset string, amount float64) ([]*models.Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activationColumns+` FROM paylink.payment_activations
		WHERE status = 'pending' AND rail = $1 AND asset = $2 AND amount = $3
		ORDER BY created_at ASC`, rail, asset, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to find activations: %w", err)
	}
	defer rows.Close()

	var activations []*models.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		activations = append(activations, a)
	}
	return activations, rows.Err()
}

// FindPendingActivationByCorrelation matches provider callbacks that carry a
// rail-specific correlation id instead of an (asset, amount) pair.
func (s *Store) FindPendingActivationByCorrelation(ctx context.Context, rail models.Rail, correlationID string) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM paylink.payment_activations
		WHERE status = 'pending' AND rail = $1 AND correlation_id = $2`, rail, correlationID)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activation: %w", err)
	}
	return a, nil
}

// FindReusableActivation returns the payment's existing pending activation
// for (rail, asset, amount), if one exists.
func (s *Store) FindReusableActivation(ctx context.Context, paymentID string, rail models.Rail, asset string, amount float64) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM paylink.payment_activations
		WHERE payment_id = $1 AND status = 'pending' AND rail = $2 AND asset = $3 AND amount = $4
		ORDER BY created_at ASC LIMIT 1`, paymentID, rail, asset, amount)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activation: %w", err)
	}
	return a, nil
}

// CountForeignPendingActivations counts pending activations on other payments
// for the same (rail, asset, amount).
func (s *Store) CountForeignPendingActivations(ctx context.Context, paymentID string, rail models.Rail, asset string, amount float64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM paylink.payment_activations
		WHERE payment_id != $1 AND status = 'pending' AND rail = $2 AND asset = $3 AND amount = $4`,
		paymentID, rail, asset, amount).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activations: %w", err)
	}
	return count, nil
}

// TransitionActivation moves a pending activation to a terminal status.
// Returns false when the activation was not pending anymore.
func (s *Store) TransitionActivation(ctx context.Context, id, toStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_activations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, toStatus)
	if err != nil {
		return false, fmt.Errorf("failed to transition activation: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// CloseActivationsForPayment expires all pending activations of a payment,
// optionally keeping one out of the sweep.
func (s *Store) CloseActivationsForPayment(ctx context.Context, paymentID, exceptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_activations SET status = 'expired', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'pending' AND id != $2`, paymentID, exceptID)
	if err != nil {
		return fmt.Errorf("failed to close activations: %w", err)
	}
	return nil
}

// ExpireActivations marks overdue pending activations and returns how many
// were expired.
func (s *Store) ExpireActivations(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_activations SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND expiry_date <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire activations: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// MarkProviderEvent records a provider event id for dedup. Returns false when
// the event was seen before.
func (s *Store) MarkProviderEvent(ctx context.Context, provider, eventID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO paylink.provider_events (provider, event_id) VALUES ($1, $2)
		ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to record provider event: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"paylink/internal/apperr"
	"paylink/internal/models"
)

const linkColumns = `id, merchant_id, external_id, label, status, currency, rails,
	webhook_url, webhook_secret, payment_timeout_secs, c2b_merchant_id, c2b_sub_merchant_id,
	created_at, updated_at`

func scanLink(row interface{ Scan(...interface{}) error }) (*models.Link, error) {
	var link models.Link
	var rails pq.StringArray
	var timeoutSecs int64
	err := row.Scan(
		&link.ID, &link.MerchantID, &link.ExternalID, &link.Label, &link.Status,
		&link.Currency, &rails, &link.WebhookURL, &link.WebhookSecret, &timeoutSecs,
		&link.C2BMerchantID, &link.C2BSubMerchantID, &link.CreatedAt, &link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	link.Rails = make([]models.Rail, len(rails))
	for i, r := range rails {
		link.Rails[i] = models.Rail(r)
	}
	link.PaymentTimeout = secondsToDuration(timeoutSecs)
	return &link, nil
}

func (s *Store) CreateLink(ctx context.Context, link *models.Link) error {
	rails := make([]string, len(link.Rails))
	for i, r := range link.Rails {
		rails[i] = string(r)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paylink.payment_links (
			id, merchant_id, external_id, label, status, currency, rails,
			webhook_url, webhook_secret, payment_timeout_secs, c2b_merchant_id, c2b_sub_merchant_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		link.ID, link.MerchantID, link.ExternalID, link.Label, link.Status,
		link.Currency, pq.Array(rails), link.WebhookURL, link.WebhookSecret,
		int64(link.PaymentTimeout.Seconds()), link.C2BMerchantID, link.C2BSubMerchantID,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("link with external id %q already exists", link.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment link: %w", err)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, id string) (*models.Link, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM paylink.payment_links WHERE id = $1`, id)
	link, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment link not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment link: %w", err)
	}
	return link, nil
}

func (s *Store) GetLinkByExternalID(ctx context.Context, merchantID, externalID string) (*models.Link, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM paylink.payment_links
		WHERE merchant_id = $1 AND external_id = $2`, merchantID, externalID)
	link, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment link not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment link: %w", err)
	}
	return link, nil
}

func (s *Store) ListLinks(ctx context.Context, merchantID string) ([]*models.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM paylink.payment_links
		WHERE merchant_id = $1 ORDER BY created_at DESC`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment links: %w", err)
	}
	defer rows.Close()

	var links []*models.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Store) UpdateLinkStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_links SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update link status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("payment link not found")
	}
	return nil
}

func (s *Store) UpdateLinkConfig(ctx context.Context, link *models.Link) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_links
		SET label = $2, webhook_url = $3, webhook_secret = $4, payment_timeout_secs = $5, updated_at = NOW()
		WHERE id = $1`,
		link.ID, link.Label, link.WebhookURL, link.WebhookSecret, int64(link.PaymentTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to update link config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("payment link not found")
	}
	return nil
}

// SetLinkEnrollment records the C2B provider merchant ids once enrollment
// succeeds.
func (s *Store) SetLinkEnrollment(ctx context.Context, id, merchantID, subMerchantID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paylink.payment_links
		SET c2b_merchant_id = $2, c2b_sub_merchant_id = $3, updated_at = NOW()
		WHERE id = $1`,
		id, merchantID, subMerchantID)
	if err != nil {
		return fmt.Errorf("failed to store enrollment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("payment link not found")
	}
	return nil
}

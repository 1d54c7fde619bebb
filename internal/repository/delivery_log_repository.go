package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type DeliveryLogRepositoryInterface interface {
	Append(ctx context.Context, e *model.DeliveryLogEntry) error
	ListRecent(ctx context.Context, limit int) ([]*model.DeliveryLogEntry, error)
	PurgeContent(ctx context.Context, olderThan time.Time) (int64, error)
}

type DeliveryLogRepository struct {
	DB *sqlx.DB
}

func NewDeliveryLogRepository(db *sqlx.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{DB: db}
}

func (r *DeliveryLogRepository) Append(ctx context.Context, e *model.DeliveryLogEntry) error {
	err := r.DB.QueryRowxContext(ctx, `
		INSERT INTO delivery_log (message_id, status, to_email, from_email, subject, html_body, text_body,
			headers, source, transport, attempts, error, campaign_id, subscriber_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at`,
		e.MessageID, e.Status, e.ToEmail, e.FromEmail, e.Subject, e.HTMLBody, e.TextBody,
		e.Headers, e.Source, e.Transport, e.Attempts, e.Error, e.CampaignID, e.SubscriberID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (r *DeliveryLogRepository) ListRecent(ctx context.Context, limit int) ([]*model.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []*model.DeliveryLogEntry{}
	err := r.DB.SelectContext(ctx, &entries, `
		SELECT id, message_id, status, to_email, from_email, subject, html_body, text_body, headers,
			source, transport, attempts, error, campaign_id, subscriber_id, created_at, purged_at
		FROM delivery_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivery log: %w", err)
	}
	return entries, nil
}

// PurgeContent nulls message content older than the cutoff and keeps the row.
func (r *DeliveryLogRepository) PurgeContent(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE delivery_log
		SET subject=NULL, html_body=NULL, text_body=NULL, headers=NULL, purged_at=NOW()
		WHERE created_at < $1 AND purged_at IS NULL`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge delivery log: %w", err)
	}
	return res.RowsAffected()
}

var _ DeliveryLogRepositoryInterface = (*DeliveryLogRepository)(nil)

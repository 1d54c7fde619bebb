package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type TrackingRepositoryInterface interface {
	// RecordOpen stores at most one open per (campaign, subscriber); false means it already existed.
	RecordOpen(ctx context.Context, e *model.TrackingEvent) (bool, error)
	Record(ctx context.Context, e *model.TrackingEvent) error
	CountByType(ctx context.Context, campaignID int64) (map[string]int, error)
	LinkClicks(ctx context.Context, campaignID int64) ([]model.LinkStat, error)
	Timeline(ctx context.Context, campaignID int64) ([]model.DailyStat, error)
}

type TrackingRepository struct {
	DB *sqlx.DB
	sb sq.StatementBuilderType
}

func NewTrackingRepository(db *sqlx.DB) *TrackingRepository {
	return &TrackingRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *TrackingRepository) RecordOpen(ctx context.Context, e *model.TrackingEvent) (bool, error) {
	e.EventType = model.EventOpen
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO tracking_events (campaign_id, subscriber_id, event_type, link_url, ip, user_agent)
		VALUES ($1, $2, 'open', $3, $4, $5)
		ON CONFLICT (campaign_id, subscriber_id) WHERE event_type = 'open' DO NOTHING`,
		e.CampaignID, e.SubscriberID, e.LinkURL, e.IP, e.UserAgent)
	if err != nil {
		return false, fmt.Errorf("record open: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *TrackingRepository) Record(ctx context.Context, e *model.TrackingEvent) error {
	if e.EventType == model.EventOpen {
		_, err := r.RecordOpen(ctx, e)
		return err
	}
	err := r.DB.QueryRowxContext(ctx, `
		INSERT INTO tracking_events (campaign_id, subscriber_id, event_type, link_url, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.CampaignID, e.SubscriberID, e.EventType, e.LinkURL, e.IP, e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.EventType, err)
	}
	return nil
}

func (r *TrackingRepository) CountByType(ctx context.Context, campaignID int64) (map[string]int, error) {
	query, args, err := r.sb.
		Select("event_type", "COUNT(*)").
		From("tracking_events").
		Where(sq.Eq{"campaign_id": campaignID}).
		GroupBy("event_type").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event counts: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

func (r *TrackingRepository) LinkClicks(ctx context.Context, campaignID int64) ([]model.LinkStat, error) {
	query, args, err := r.sb.
		Select("link_url", "COUNT(*) AS clicks").
		From("tracking_events").
		Where(sq.Eq{"campaign_id": campaignID, "event_type": model.EventClick}).
		GroupBy("link_url").
		OrderBy("clicks DESC", "link_url ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build link clicks: %w", err)
	}
	links := []model.LinkStat{}
	if err := r.DB.SelectContext(ctx, &links, query, args...); err != nil {
		return nil, fmt.Errorf("select link clicks: %w", err)
	}
	return links, nil
}

func (r *TrackingRepository) Timeline(ctx context.Context, campaignID int64) ([]model.DailyStat, error) {
	query, args, err := r.sb.
		Select("to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day", "event_type", "COUNT(*) AS count").
		From("tracking_events").
		Where(sq.Eq{"campaign_id": campaignID}).
		GroupBy("day", "event_type").
		OrderBy("day ASC", "event_type ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build timeline: %w", err)
	}
	days := []model.DailyStat{}
	if err := r.DB.SelectContext(ctx, &days, query, args...); err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	return days, nil
}

var _ TrackingRepositoryInterface = (*TrackingRepository)(nil)

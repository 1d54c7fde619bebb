package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type ListRepositoryInterface interface {
	Create(ctx context.Context, l *model.SubscriberList) error
	GetByID(ctx context.Context, id int64) (*model.SubscriberList, error)
	ListAll(ctx context.Context) ([]*model.SubscriberList, error)
	Delete(ctx context.Context, id int64) error
	AddMember(ctx context.Context, listID, subscriberID int64) error
	RemoveMember(ctx context.Context, listID, subscriberID int64) error

	// ActiveSubscribers returns sendable members of the list. When excludeCampaignID
	// is non-zero, members that already have a pending, processing or sent message
	// for that campaign are skipped.
	ActiveSubscribers(ctx context.Context, listID, excludeCampaignID int64) ([]*model.Subscriber, error)
}

type ListRepository struct {
	DB *sqlx.DB
	sb sq.StatementBuilderType
}

func NewListRepository(db *sqlx.DB) *ListRepository {
	return &ListRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *ListRepository) Create(ctx context.Context, l *model.SubscriberList) error {
	err := r.DB.QueryRowxContext(ctx,
		`INSERT INTO lists (name, double_opt_in) VALUES ($1, $2) RETURNING id, created_at`,
		l.Name, l.DoubleOptIn,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

func (r *ListRepository) GetByID(ctx context.Context, id int64) (*model.SubscriberList, error) {
	var l model.SubscriberList
	err := r.DB.GetContext(ctx, &l, `SELECT id, name, double_opt_in, created_at FROM lists WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("list", id)
		}
		return nil, fmt.Errorf("get list: %w", err)
	}
	return &l, nil
}

func (r *ListRepository) ListAll(ctx context.Context) ([]*model.SubscriberList, error) {
	lists := []*model.SubscriberList{}
	if err := r.DB.SelectContext(ctx, &lists, `SELECT id, name, double_opt_in, created_at FROM lists ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	return lists, nil
}

// Delete removes the list and its memberships; subscribers stay.
func (r *ListRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("list", id)
	}
	return nil
}

func (r *ListRepository) AddMember(ctx context.Context, listID, subscriberID int64) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO list_members (list_id, subscriber_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, listID, subscriberID)
	if err != nil {
		return fmt.Errorf("add list member: %w", err)
	}
	return nil
}

func (r *ListRepository) RemoveMember(ctx context.Context, listID, subscriberID int64) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM list_members WHERE list_id=$1 AND subscriber_id=$2`, listID, subscriberID)
	if err != nil {
		return fmt.Errorf("remove list member: %w", err)
	}
	return nil
}

func (r *ListRepository) ActiveSubscribers(ctx context.Context, listID, excludeCampaignID int64) ([]*model.Subscriber, error) {
	q := r.sb.
		Select("s.id", "s.email", "s.name", "s.status", "s.bounce_status", "s.bounce_count",
			"s.confirmation_token", "s.meta", "s.created_at", "s.updated_at").
		From("subscribers s").
		Join("list_members m ON m.subscriber_id = s.id").
		Where(sq.Eq{"m.list_id": listID, "s.status": model.SubscriberSubscribed}).
		Where(sq.NotEq{"s.bounce_status": model.BounceHard})
	if excludeCampaignID != 0 {
		q = q.Where(`NOT EXISTS (
			SELECT 1 FROM queued_messages q
			WHERE q.campaign_id = ? AND q.subscriber_id = s.id
			AND q.status IN ('pending', 'processing', 'sent'))`, excludeCampaignID)
	}
	query, args, err := q.OrderBy("s.id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active subscribers: %w", err)
	}

	subs := []*model.Subscriber{}
	if err := r.DB.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, fmt.Errorf("select active subscribers: %w", err)
	}
	return subs, nil
}

var _ ListRepositoryInterface = (*ListRepository)(nil)

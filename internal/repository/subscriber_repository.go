package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SubscriberRepositoryInterface defines methods used by services
type SubscriberRepositoryInterface interface {
	Create(ctx context.Context, s *model.Subscriber) error
	GetByID(ctx context.Context, id int64) (*model.Subscriber, error)
	GetByEmail(ctx context.Context, email string) (*model.Subscriber, error)
	List(ctx context.Context, offset, limit int, status string) ([]*model.Subscriber, int, error)
	Delete(ctx context.Context, id int64) error

	Confirm(ctx context.Context, token string) (*model.Subscriber, error)
	SetStatus(ctx context.Context, id int64, from []string, to string) (bool, error)
	RecordBounce(ctx context.Context, id int64, hard bool) (*model.Subscriber, error)
	RecordComplaint(ctx context.Context, id int64) (*model.Subscriber, error)
}

const subscriberColumns = `id, email, name, status, bounce_status, bounce_count, confirmation_token, meta, created_at, updated_at`

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sqlx.DB
	sb sq.StatementBuilderType
}

func NewSubscriberRepository(db *sqlx.DB) *SubscriberRepository {
	return &SubscriberRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *SubscriberRepository) Create(ctx context.Context, s *model.Subscriber) error {
	if s.Status == "" {
		s.Status = model.SubscriberPending
	}
	if s.BounceStatus == "" {
		s.BounceStatus = model.BounceNone
	}
	if s.Meta == nil {
		s.Meta = model.StringMap{}
	}
	err := r.DB.QueryRowxContext(ctx, `
		INSERT INTO subscribers (email, name, status, bounce_status, confirmation_token, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		s.Email, s.Name, s.Status, s.BounceStatus, s.ConfirmationToken, s.Meta,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return appErrors.NewStateConflict("subscriber %s already exists", s.Email)
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// GetByID fetches a subscriber by ID
func (r *SubscriberRepository) GetByID(ctx context.Context, id int64) (*model.Subscriber, error) {
	return r.getOne(ctx, "id", id)
}

func (r *SubscriberRepository) GetByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	return r.getOne(ctx, "email", email)
}

func (r *SubscriberRepository) getOne(ctx context.Context, column string, value any) (*model.Subscriber, error) {
	query, args, err := r.sb.Select(subscriberColumns).From("subscribers").Where(sq.Eq{column: value}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscriber lookup: %w", err)
	}
	var s model.Subscriber
	if err := r.DB.GetContext(ctx, &s, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("subscriber", value)
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &s, nil
}

func (r *SubscriberRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Subscriber, int, error) {
	base := r.sb.Select(subscriberColumns).From("subscribers")
	count := r.sb.Select("COUNT(*)").From("subscribers")
	if status != "" {
		base = base.Where(sq.Eq{"status": status})
		count = count.Where(sq.Eq{"status": status})
	}
	query, args, err := base.OrderBy("id ASC").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build subscriber list: %w", err)
	}
	subs := []*model.Subscriber{}
	if err := r.DB.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list subscribers: %w", err)
	}

	countQuery, countArgs, err := count.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build subscriber count: %w", err)
	}
	var total int
	if err := r.DB.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return subs, total, nil
}

// Delete removes the subscriber; list memberships cascade.
func (r *SubscriberRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscribers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("subscriber", id)
	}
	return nil
}

// Confirm moves a pending subscriber holding the token to subscribed and spends the token.
func (r *SubscriberRepository) Confirm(ctx context.Context, token string) (*model.Subscriber, error) {
	var s model.Subscriber
	err := r.DB.GetContext(ctx, &s, `
		UPDATE subscribers
		SET status='subscribed', confirmation_token=NULL, updated_at=NOW()
		WHERE confirmation_token=$1 AND status='pending'
		RETURNING `+subscriberColumns, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("confirmation token", token)
		}
		return nil, fmt.Errorf("confirm subscriber: %w", err)
	}
	return &s, nil
}

func (r *SubscriberRepository) SetStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE subscribers SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)`, id, to, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("set subscriber status: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordBounce counts a bounce. A hard bounce, or the SoftBounceLimit-th bounce,
// marks the subscriber bounced. A complaint is never downgraded to soft.
func (r *SubscriberRepository) RecordBounce(ctx context.Context, id int64, hard bool) (*model.Subscriber, error) {
	var s model.Subscriber
	err := r.DB.GetContext(ctx, &s, `
		UPDATE subscribers
		SET bounce_count = bounce_count + 1,
			bounce_status = CASE
				WHEN $2 THEN 'hard'
				WHEN bounce_status IN ('hard', 'complaint') THEN bounce_status
				ELSE 'soft' END,
			status = CASE
				WHEN $2 OR bounce_status = 'hard' OR bounce_count + 1 >= $3 THEN 'bounced'
				ELSE status END,
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+subscriberColumns, id, hard, model.SoftBounceLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("subscriber", id)
		}
		return nil, fmt.Errorf("record bounce: %w", err)
	}
	return &s, nil
}

func (r *SubscriberRepository) RecordComplaint(ctx context.Context, id int64) (*model.Subscriber, error) {
	var s model.Subscriber
	err := r.DB.GetContext(ctx, &s, `
		UPDATE subscribers
		SET bounce_status='complaint', status='unsubscribed', updated_at=NOW()
		WHERE id=$1
		RETURNING `+subscriberColumns, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("subscriber", id)
		}
		return nil, fmt.Errorf("record complaint: %w", err)
	}
	return &s, nil
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)

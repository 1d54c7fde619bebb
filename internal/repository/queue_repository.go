package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ErrStaleMessage means a conditional transition found the row in another state.
var ErrStaleMessage = errors.New("queued message is not in the expected state")

type QueueRepositoryInterface interface {
	Enqueue(ctx context.Context, msg *model.QueuedMessage) (int64, error)
	NextBatch(ctx context.Context, limit int) ([]*model.QueuedMessage, error)
	GetByID(ctx context.Context, id int64) (*model.QueuedMessage, error)

	// Conditional single-row transitions.
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, retryAt *time.Time) (string, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	Retry(ctx context.Context, id int64) error

	// Bulk maintenance.
	CancelAllPending(ctx context.Context) (int64, error)
	CancelPendingForCampaign(ctx context.Context, campaignID int64) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

const queueColumns = `id, to_email, to_name, from_email, from_name, subject, html_body, text_body,
	headers, attachments, status, priority, attempts, max_attempts, error_message, source,
	subscriber_id, campaign_id, scheduled_at, sent_at, created_at, updated_at`

type QueueRepository struct {
	DB *sqlx.DB
	sb sq.StatementBuilderType
}

func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// normalizeMessage fills enqueue defaults.
func normalizeMessage(msg *model.QueuedMessage) {
	msg.Status = model.MessagePending
	msg.Attempts = 0
	if msg.Priority <= 0 {
		msg.Priority = model.PriorityNormal
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = model.DefaultMaxAttempts
	}
	if msg.Headers == nil {
		msg.Headers = model.StringMap{}
	}
}

// insertMessages writes one multi-row INSERT; ext may be a transaction.
func insertMessages(ctx context.Context, ext sqlx.ExtContext, sb sq.StatementBuilderType, msgs []*model.QueuedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	q := sb.Insert("queued_messages").Columns(
		"to_email", "to_name", "from_email", "from_name", "subject", "html_body", "text_body",
		"headers", "attachments", "status", "priority", "attempts", "max_attempts", "source",
		"subscriber_id", "campaign_id", "scheduled_at",
	)
	for _, m := range msgs {
		normalizeMessage(m)
		q = q.Values(
			m.ToEmail, m.ToName, m.FromEmail, m.FromName, m.Subject, m.HTMLBody, m.TextBody,
			m.Headers, m.Attachments, m.Status, m.Priority, m.Attempts, m.MaxAttempts, m.Source,
			m.SubscriberID, m.CampaignID, m.ScheduledAt,
		)
	}
	q = q.Suffix("RETURNING id, created_at, updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build queue insert: %w", err)
	}
	rows, err := ext.QueryxContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert queued messages: %w", err)
	}
	defer rows.Close()

	// Postgres returns multi-row RETURNING in VALUES order.
	i := 0
	for rows.Next() {
		if i >= len(msgs) {
			break
		}
		if err := rows.Scan(&msgs[i].ID, &msgs[i].CreatedAt, &msgs[i].UpdatedAt); err != nil {
			return fmt.Errorf("scan queued message id: %w", err)
		}
		i++
	}
	return rows.Err()
}

func (r *QueueRepository) Enqueue(ctx context.Context, msg *model.QueuedMessage) (int64, error) {
	if err := insertMessages(ctx, r.DB, r.sb, []*model.QueuedMessage{msg}); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// NextBatch returns due pending rows by priority, then age.
func (r *QueueRepository) NextBatch(ctx context.Context, limit int) ([]*model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query, args, err := r.sb.
		Select(queueColumns).
		From("queued_messages").
		Where(sq.Eq{"status": model.MessagePending}).
		Where(sq.Or{sq.Eq{"scheduled_at": nil}, sq.Expr("scheduled_at <= NOW()")}).
		OrderBy("priority ASC", "created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build next batch: %w", err)
	}

	batch := []*model.QueuedMessage{}
	if err := r.DB.SelectContext(ctx, &batch, query, args...); err != nil {
		return nil, fmt.Errorf("select next batch: %w", err)
	}
	return batch, nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id int64) (*model.QueuedMessage, error) {
	var msg model.QueuedMessage
	err := r.DB.GetContext(ctx, &msg, `SELECT `+queueColumns+` FROM queued_messages WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("queued message", id)
		}
		return nil, fmt.Errorf("get queued message: %w", err)
	}
	return &msg, nil
}

// MarkProcessing claims a pending row. False means another run got there first.
func (r *QueueRepository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queued_messages
		SET status='processing', updated_at=NOW()
		WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *QueueRepository) MarkSent(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queued_messages
		SET status='sent', attempts=attempts+1, error_message='', sent_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='processing'`, id)
	if err != nil {
		return fmt.Errorf("mark message %d sent: %w", id, err)
	}
	return expectOne(res)
}

// MarkFailed counts the attempt and returns the row to pending, deferred to retryAt,
// or to failed once max_attempts is reached. It returns the resulting status.
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, errMsg string, retryAt *time.Time) (string, error) {
	var status string
	err := r.DB.QueryRowxContext(ctx, `
		UPDATE queued_messages
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at
				ELSE COALESCE($3::timestamptz, scheduled_at) END,
			error_message = $2,
			updated_at = NOW()
		WHERE id=$1 AND status='processing'
		RETURNING status`, id, errMsg, retryAt).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrStaleMessage
		}
		return "", fmt.Errorf("mark message %d failed: %w", id, err)
	}
	return status, nil
}

func (r *QueueRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queued_messages SET status='cancelled', updated_at=NOW()
		WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return false, fmt.Errorf("cancel message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Retry moves one failed row back to pending with a fresh attempt budget.
func (r *QueueRepository) Retry(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queued_messages
		SET status='pending', attempts=0, error_message='', scheduled_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='failed'`, id)
	if err != nil {
		return fmt.Errorf("retry message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return appErrors.NewStateConflict("message %d is %s, only failed messages can be retried", id, msg.Status)
}

func (r *QueueRepository) CancelAllPending(ctx context.Context) (int64, error) {
	return r.execCount(ctx, "cancel pending", `
		UPDATE queued_messages SET status='cancelled', updated_at=NOW()
		WHERE status='pending'`)
}

func (r *QueueRepository) CancelPendingForCampaign(ctx context.Context, campaignID int64) (int64, error) {
	return r.execCount(ctx, "cancel campaign pending", `
		UPDATE queued_messages SET status='cancelled', updated_at=NOW()
		WHERE campaign_id=$1 AND status='pending'`, campaignID)
}

// RetryFailed resets failed rows that still have attempt budget left.
func (r *QueueRepository) RetryFailed(ctx context.Context) (int64, error) {
	return r.execCount(ctx, "retry failed", `
		UPDATE queued_messages SET status='pending', error_message='', updated_at=NOW()
		WHERE status='failed' AND attempts < max_attempts`)
}

// RequeueStale returns rows stuck in processing since before the cutoff to pending.
func (r *QueueRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	return r.execCount(ctx, "requeue stale", `
		UPDATE queued_messages SET status='pending', updated_at=NOW()
		WHERE status='processing' AND updated_at < $1`, before)
}

func (r *QueueRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		model.MessagePending:    0,
		model.MessageProcessing: 0,
		model.MessageSent:       0,
		model.MessageFailed:     0,
		model.MessageCancelled:  0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *QueueRepository) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStaleMessage
	}
	return nil
}

var _ QueueRepositoryInterface = (*QueueRepository)(nil)

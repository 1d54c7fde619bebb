package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	Delete(ctx context.Context, id int64) error

	// Lifecycle
	Schedule(ctx context.Context, id int64, at time.Time) error
	TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error)
	BeginSend(ctx context.Context, id int64, from []string, msgs []*model.QueuedMessage) (bool, error)
	IncrementSentCount(ctx context.Context, id int64) (bool, error)
	CompleteIfDrained(ctx context.Context, id int64) (bool, error)
	ListByStatus(ctx context.Context, status string) ([]*model.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error)
}

const campaignColumns = `id, name, subject, html_body, text_body, from_email, from_name, list_id,
	status, total_recipients, sent_count, scheduled_at, started_at, finished_at, created_at, updated_at`

type CampaignRepository struct {
	DB *sqlx.DB
	sb sq.StatementBuilderType
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
		INSERT INTO campaigns (name, subject, html_body, text_body, from_email, from_name, list_id, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	err := r.DB.QueryRowxContext(ctx, query,
		c.Name, c.Subject, c.HTMLBody, c.TextBody, c.FromEmail, c.FromName, c.ListID, c.Status, c.ScheduledAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// Update rewrites content and target; only editable campaigns change.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
		UPDATE campaigns
		SET name=$1, subject=$2, html_body=$3, text_body=$4, from_email=$5, from_name=$6, list_id=$7, updated_at=NOW()
		WHERE id=$8 AND status = ANY($9)`
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.Subject, c.HTMLBody, c.TextBody, c.FromEmail, c.FromName, c.ListID, c.ID,
		pq.Array(model.EditableCampaignStatuses),
	)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	return r.guarded(ctx, res, c.ID, "edited")
}

func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM campaigns WHERE id=$1 AND status = ANY($2)`,
		id, pq.Array(model.EditableCampaignStatuses),
	)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return r.guarded(ctx, res, id, "deleted")
}

// guarded turns a zero-row conditional write into not-found or a state conflict.
func (r *CampaignRepository) guarded(ctx context.Context, res sql.Result, id int64, verb string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return appErrors.NewStateConflict("campaign %d is %s and cannot be %s", id, c.Status, verb)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	base := r.sb.Select(campaignColumns).From("campaigns")
	count := r.sb.Select("COUNT(*)").From("campaigns")
	if status != "" {
		base = base.Where(sq.Eq{"status": status})
		count = count.Where(sq.Eq{"status": status})
	}

	query, args, err := base.OrderBy("id DESC").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build campaign list: %w", err)
	}
	campaigns := []*model.Campaign{}
	if err := r.DB.SelectContext(ctx, &campaigns, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}

	// Count total
	countQuery, countArgs, err := count.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build campaign count: %w", err)
	}
	var total int
	if err := r.DB.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	return campaigns, total, nil
}

// ====================== Lifecycle ======================

func (r *CampaignRepository) Schedule(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status='scheduled', scheduled_at=$2, updated_at=NOW()
		WHERE id=$1 AND status IN ('draft', 'scheduled')`, id, at)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	return r.guarded(ctx, res, id, "scheduled")
}

// TransitionStatus moves the campaign to `to` only when it is currently in one of `from`.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns
		SET status=$2,
			finished_at = CASE WHEN $2 = 'sent' THEN NOW() ELSE finished_at END,
			updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)`, id, to, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("transition campaign %d to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// BeginSend moves the campaign to sending and enqueues its messages in one
// transaction, so the completion scan never sees a sending campaign without them.
// A resumed campaign keeps its sent_count; total_recipients also counts the
// messages still in flight from before the pause, since they can still succeed.
func (r *CampaignRepository) BeginSend(ctx context.Context, id int64, from []string, msgs []*model.QueuedMessage) (bool, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin send tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = CASE WHEN status='paused' THEN sent_count ELSE 0 END,
			total_recipients = CASE WHEN status='paused' THEN sent_count + (
				SELECT COUNT(*) FROM queued_messages
				WHERE campaign_id=$1 AND status IN ('pending', 'processing')
			) ELSE 0 END + $2,
			started_at = CASE WHEN status='paused' AND started_at IS NOT NULL THEN started_at ELSE NOW() END,
			status='sending',
			finished_at=NULL,
			updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)`, id, len(msgs), pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("start sending campaign %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, err
	}
	if err := insertMessages(ctx, tx, r.sb, msgs); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit send tx: %w", err)
	}
	return true, nil
}

// IncrementSentCount never lets sent_count pass total_recipients.
func (r *CampaignRepository) IncrementSentCount(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1
		WHERE id=$1 AND sent_count < total_recipients`, id)
	if err != nil {
		return false, fmt.Errorf("increment sent count: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteIfDrained marks a sending campaign sent when none of its messages is pending or processing.
func (r *CampaignRepository) CompleteIfDrained(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status='sent', finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='sending'
		AND NOT EXISTS (
			SELECT 1 FROM queued_messages
			WHERE campaign_id=$1 AND status IN ('pending', 'processing')
		)`, id)
	if err != nil {
		return false, fmt.Errorf("complete campaign %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status string) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.DB.SelectContext(ctx, &campaigns,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s campaigns: %w", status, err)
	}
	return campaigns, nil
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.DB.SelectContext(ctx, &campaigns, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status='scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	return campaigns, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

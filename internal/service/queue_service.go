package service

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/cache"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// QueueService exposes the operator actions on the message queue.
type QueueService struct {
	QueueRepo     repository.QueueRepositoryInterface
	DeliveryLog   repository.DeliveryLogRepositoryInterface
	Runs          cache.RunRecorder
	Queue         queue.Queue
	RetentionDays int
	MaxAttempts   int
	Logger        *observability.Logger
}

// EnqueueInput is an ad hoc message submitted through the API.
type EnqueueInput struct {
	ToEmail     string                `json:"to_email" validate:"required,email"`
	ToName      string                `json:"to_name"`
	FromEmail   string                `json:"from_email" validate:"required,email"`
	FromName    string                `json:"from_name"`
	Subject     string                `json:"subject" validate:"required,max=998"`
	HTMLBody    string                `json:"html_body"`
	TextBody    string                `json:"text_body"`
	Headers     map[string]string     `json:"headers"`
	Attachments []model.AttachmentRef `json:"attachments"`
	Priority    int                   `json:"priority" validate:"gte=0,lte=10"`
	Source      string                `json:"source"`
	ScheduledAt *time.Time            `json:"scheduled_at"`
}

// QueueStats is the admin view of the queue.
type QueueStats struct {
	Counts map[string]int `json:"counts"`
	Runs   cache.RunInfo  `json:"processor"`
}

func (s *QueueService) logger() *observability.Logger {
	if s.Logger == nil {
		return observability.NewNopLogger()
	}
	return s.Logger
}

func (s *QueueService) Enqueue(ctx context.Context, in EnqueueInput) (*model.QueuedMessage, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.HTMLBody == "" && in.TextBody == "" {
		return nil, appErrors.NewValidation("body", "message body is required (html or text)")
	}
	for k := range in.Headers {
		if !mailer.ValidHeaderName(k) {
			return nil, appErrors.NewValidation("headers", fmt.Sprintf("invalid header name %q", k))
		}
	}
	source := in.Source
	if source == "" {
		source = model.SourceAPI
	}
	msg := &model.QueuedMessage{
		ToEmail:     normalizeEmail(in.ToEmail),
		ToName:      in.ToName,
		FromEmail:   in.FromEmail,
		FromName:    in.FromName,
		Subject:     in.Subject,
		HTMLBody:    in.HTMLBody,
		TextBody:    in.TextBody,
		Headers:     model.StringMap(in.Headers),
		Attachments: model.AttachmentList(in.Attachments),
		Priority:    in.Priority,
		MaxAttempts: s.MaxAttempts,
		Source:      source,
		ScheduledAt: in.ScheduledAt,
	}
	if _, err := s.QueueRepo.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	metrics.AddEnqueued(source, 1)
	if s.Queue != nil {
		if err := s.Queue.Publish(queue.TopicProcess, queue.Nudge{Source: source, Count: 1}); err != nil {
			s.logger().Debug(ctx, "process nudge not delivered: "+err.Error())
		}
	}
	return msg, nil
}

func (s *QueueService) Get(ctx context.Context, id int64) (*model.QueuedMessage, error) {
	return s.QueueRepo.GetByID(ctx, id)
}

func (s *QueueService) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.QueueRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(counts)
	st := &QueueStats{Counts: counts}
	if s.Runs != nil {
		info, err := s.Runs.LastRun(ctx)
		if err != nil {
			s.logger().WarnWithError(ctx, "could not read processor run info", err)
		}
		st.Runs = info
	}
	return st, nil
}

// Retry puts one failed message back to pending with its attempts reset.
func (s *QueueService) Retry(ctx context.Context, id int64) error {
	return s.QueueRepo.Retry(ctx, id)
}

// Cancel stops a pending message. It returns false when the message was not pending.
func (s *QueueService) Cancel(ctx context.Context, id int64) (bool, error) {
	return s.QueueRepo.Cancel(ctx, id)
}

func (s *QueueService) CancelAll(ctx context.Context) (int64, error) {
	n, err := s.QueueRepo.CancelAllPending(ctx)
	if err == nil && n > 0 {
		s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "cancelled", Value: n}), "pending messages cancelled")
	}
	return n, err
}

// RetryFailed requeues failed messages that still have attempts left.
func (s *QueueService) RetryFailed(ctx context.Context) (int64, error) {
	return s.QueueRepo.RetryFailed(ctx)
}

// RequeueStale returns messages stuck in processing since before olderThan to pending.
func (s *QueueService) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.QueueRepo.RequeueStale(ctx, olderThan)
	if err == nil && n > 0 {
		s.logger().Warn(observability.WithFields(ctx, observability.Field{Key: "requeued", Value: n}), "stale processing messages requeued")
	}
	return n, err
}

// PurgeLogs clears delivery log content older than the retention window.
func (s *QueueService) PurgeLogs(ctx context.Context, now time.Time) (int64, error) {
	days := s.RetentionDays
	if days <= 0 {
		days = 30
	}
	return s.DeliveryLog.PurgeContent(ctx, now.AddDate(0, 0, -days))
}

func (s *QueueService) RecentLog(ctx context.Context, limit int) ([]*model.DeliveryLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.DeliveryLog.ListRecent(ctx, limit)
}

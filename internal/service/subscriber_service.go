package service

import (
	"context"
	"html"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

// SubscriberService owns list membership and the opt-in and opt-out flows.
type SubscriberService struct {
	SubscriberRepo repository.SubscriberRepositoryInterface
	ListRepo       repository.ListRepositoryInterface
	QueueRepo      repository.QueueRepositoryInterface
	Queue          queue.Queue
	Signer         *tracking.Signer
	BaseURL        string
	FromEmail      string
	FromName       string
	Logger         *observability.Logger
}

type SubscribeInput struct {
	Email string            `json:"email" validate:"required,email"`
	Name  string            `json:"name" validate:"max=255"`
	Meta  map[string]string `json:"meta"`
}

type ListInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	DoubleOptIn bool   `json:"double_opt_in"`
}

func (s *SubscriberService) logger() *observability.Logger {
	if s.Logger == nil {
		return observability.NewNopLogger()
	}
	return s.Logger
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscribe adds an address to a list. New addresses on a double opt-in list
// start pending and receive a confirmation email. An address that had simply
// unsubscribed is re-subscribed; bounced and complained addresses keep their
// status and only gain the membership.
func (s *SubscriberService) Subscribe(ctx context.Context, listID int64, in SubscribeInput) (*model.Subscriber, error) {
	in.Email = normalizeEmail(in.Email)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	list, err := s.ListRepo.GetByID(ctx, listID)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "list_id", Value: listID})

	sub, err := s.SubscriberRepo.GetByEmail(ctx, in.Email)
	switch {
	case err == nil:
		if sub.Status == model.SubscriberUnsubscribed && sub.BounceStatus != model.BounceComplaint {
			if _, err := s.SubscriberRepo.SetStatus(ctx, sub.ID,
				[]string{model.SubscriberUnsubscribed}, model.SubscriberSubscribed); err != nil {
				return nil, err
			}
			sub.Status = model.SubscriberSubscribed
		}
	case appErrors.IsNotFound(err):
		sub = &model.Subscriber{
			Email:  in.Email,
			Name:   strings.TrimSpace(in.Name),
			Meta:   model.StringMap(in.Meta),
			Status: model.SubscriberSubscribed,
		}
		if list.DoubleOptIn {
			token := strings.ReplaceAll(uuid.NewString(), "-", "")
			sub.Status = model.SubscriberPending
			sub.ConfirmationToken = &token
		}
		if err := s.SubscriberRepo.Create(ctx, sub); err != nil {
			return nil, err
		}
		if sub.Status == model.SubscriberPending {
			if err := s.sendConfirmation(ctx, list, sub); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	if err := s.ListRepo.AddMember(ctx, listID, sub.ID); err != nil {
		return nil, err
	}
	s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "subscriber_id", Value: sub.ID}), "subscriber added to list")
	return sub, nil
}

func (s *SubscriberService) sendConfirmation(ctx context.Context, list *model.SubscriberList, sub *model.Subscriber) error {
	link := s.BaseURL + "/confirm/" + *sub.ConfirmationToken
	subscriberID := sub.ID
	msg := &model.QueuedMessage{
		ToEmail:   sub.Email,
		ToName:    sub.Name,
		FromEmail: s.FromEmail,
		FromName:  s.FromName,
		Subject:   "Please confirm your subscription to " + list.Name,
		HTMLBody: `<p>Please confirm your subscription to <strong>` + html.EscapeString(list.Name) + `</strong>.</p>` +
			`<p><a href="` + html.EscapeString(link) + `">Confirm subscription</a></p>` +
			`<p>If you did not ask to subscribe, ignore this email.</p>`,
		TextBody: "Please confirm your subscription to " + list.Name + ":\n\n" + link +
			"\n\nIf you did not ask to subscribe, ignore this email.",
		Priority:     model.PriorityHigh,
		Source:       model.SourceConfirmation,
		SubscriberID: &subscriberID,
	}
	if _, err := s.QueueRepo.Enqueue(ctx, msg); err != nil {
		return err
	}
	metrics.AddEnqueued(model.SourceConfirmation, 1)
	if s.Queue != nil {
		if err := s.Queue.Publish(queue.TopicProcess, queue.Nudge{Source: model.SourceConfirmation, Count: 1}); err != nil {
			s.logger().Debug(ctx, "process nudge not delivered: "+err.Error())
		}
	}
	return nil
}

// Confirm completes a double opt-in.
func (s *SubscriberService) Confirm(ctx context.Context, token string) (*model.Subscriber, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, appErrors.NewValidation("token", "confirmation token is required")
	}
	return s.SubscriberRepo.Confirm(ctx, token)
}

// Unsubscribe checks the per-address token before opting the address out.
// Repeating it is harmless.
func (s *SubscriberService) Unsubscribe(ctx context.Context, email, token string) error {
	email = normalizeEmail(email)
	if email == "" || !s.Signer.Verify(email, token) {
		return appErrors.NewValidation("token", "invalid unsubscribe link")
	}
	sub, err := s.SubscriberRepo.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	changed, err := s.SubscriberRepo.SetStatus(ctx, sub.ID,
		[]string{model.SubscriberSubscribed, model.SubscriberPending}, model.SubscriberUnsubscribed)
	if err != nil {
		return err
	}
	if changed {
		metrics.IncTrackingEvent(model.EventUnsubscribe)
		s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "subscriber_id", Value: sub.ID}), "subscriber unsubscribed")
	}
	return nil
}

func (s *SubscriberService) Get(ctx context.Context, id int64) (*model.Subscriber, error) {
	return s.SubscriberRepo.GetByID(ctx, id)
}

func (s *SubscriberService) List(ctx context.Context, page, pageSize int, status string) ([]*model.Subscriber, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return s.SubscriberRepo.List(ctx, (page-1)*pageSize, pageSize, status)
}

// Delete removes the subscriber and its memberships.
func (s *SubscriberService) Delete(ctx context.Context, id int64) error {
	return s.SubscriberRepo.Delete(ctx, id)
}

// ====================== Lists ======================

func (s *SubscriberService) CreateList(ctx context.Context, in ListInput) (*model.SubscriberList, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	l := &model.SubscriberList{Name: strings.TrimSpace(in.Name), DoubleOptIn: in.DoubleOptIn}
	if err := s.ListRepo.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SubscriberService) GetList(ctx context.Context, id int64) (*model.SubscriberList, error) {
	return s.ListRepo.GetByID(ctx, id)
}

func (s *SubscriberService) Lists(ctx context.Context) ([]*model.SubscriberList, error) {
	return s.ListRepo.ListAll(ctx)
}

// DeleteList drops the list and its memberships; subscribers are kept.
func (s *SubscriberService) DeleteList(ctx context.Context, id int64) error {
	return s.ListRepo.Delete(ctx, id)
}

func (s *SubscriberService) AddMember(ctx context.Context, listID, subscriberID int64) error {
	return s.ListRepo.AddMember(ctx, listID, subscriberID)
}

func (s *SubscriberService) RemoveMember(ctx context.Context, listID, subscriberID int64) error {
	return s.ListRepo.RemoveMember(ctx, listID, subscriberID)
}

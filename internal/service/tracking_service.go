package service

import (
	"context"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

// TrackingService records opens and clicks and reconciles provider callbacks
// with subscriber state. Public inputs that do not decode are dropped silently.
type TrackingService struct {
	TrackingRepo   repository.TrackingRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	FallbackURL    string
	Logger         *observability.Logger
}

// Visitor carries request metadata stored with an event.
type Visitor struct {
	IP        string
	UserAgent string
}

func (s *TrackingService) logger() *observability.Logger {
	if s.Logger == nil {
		return observability.NewNopLogger()
	}
	return s.Logger
}

// RecordOpen stores the first open for the encoded pair. It never fails.
func (s *TrackingService) RecordOpen(ctx context.Context, segment string, v Visitor) {
	p, err := tracking.Decode(segment)
	if err != nil {
		s.logger().Debug(ctx, "ignoring undecodable open token")
		return
	}
	s.open(ctx, p.CampaignID, p.SubscriberID, v)
}

// RecordClick stores a click, backfills the open, and returns where to redirect.
func (s *TrackingService) RecordClick(ctx context.Context, segment string, v Visitor) string {
	p, err := tracking.Decode(segment)
	if err != nil {
		s.logger().Debug(ctx, "ignoring undecodable click token")
		return s.fallback()
	}
	s.click(ctx, p.CampaignID, p.SubscriberID, p.URL, v)
	return tracking.SafeRedirect(p.URL, s.fallback())
}

func (s *TrackingService) fallback() string {
	if s.FallbackURL == "" {
		return "/"
	}
	return s.FallbackURL
}

func (s *TrackingService) open(ctx context.Context, campaignID, subscriberID int64, v Visitor) {
	created, err := s.TrackingRepo.RecordOpen(ctx, &model.TrackingEvent{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		EventType:    model.EventOpen,
		IP:           v.IP,
		UserAgent:    v.UserAgent,
	})
	if err != nil {
		s.logger().Error(ctx, "could not record open", err)
		return
	}
	if created {
		metrics.IncTrackingEvent(model.EventOpen)
	}
}

func (s *TrackingService) click(ctx context.Context, campaignID, subscriberID int64, url string, v Visitor) {
	err := s.TrackingRepo.Record(ctx, &model.TrackingEvent{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		EventType:    model.EventClick,
		LinkURL:      url,
		IP:           v.IP,
		UserAgent:    v.UserAgent,
	})
	if err != nil {
		s.logger().Error(ctx, "could not record click", err)
		return
	}
	metrics.IncTrackingEvent(model.EventClick)
	s.open(ctx, campaignID, subscriberID, v)
}

// ApplyWebhookEvents reconciles each event and returns how many were processed.
// Unknown recipients count as processed no-ops.
func (s *TrackingService) ApplyWebhookEvents(ctx context.Context, provider string, events []webhook.Event) (int, error) {
	processed := 0
	for _, e := range events {
		ectx := observability.WithFields(ctx,
			observability.Field{Key: "provider", Value: provider},
			observability.Field{Key: "kind", Value: e.Kind},
		)
		if err := s.ApplyEvent(ectx, e); err != nil {
			return processed, err
		}
		metrics.IncWebhookEvent(provider, e.Kind)
		processed++
	}
	return processed, nil
}

// ApplyEvent folds one provider event into subscriber and tracking state.
func (s *TrackingService) ApplyEvent(ctx context.Context, e webhook.Event) error {
	sub, err := s.SubscriberRepo.GetByEmail(ctx, normalizeEmail(e.Email))
	if err != nil {
		if appErrors.IsNotFound(err) {
			s.logger().Debug(ctx, "webhook for unknown recipient ignored")
			return nil
		}
		return err
	}

	switch e.Kind {
	case webhook.KindBounced, webhook.KindFailed:
		updated, err := s.SubscriberRepo.RecordBounce(ctx, sub.ID, e.Hard)
		if err != nil {
			return err
		}
		s.recordHint(ctx, e, sub.ID, model.EventBounce)
		if updated.Status == model.SubscriberBounced && sub.Status != model.SubscriberBounced {
			s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "subscriber_id", Value: sub.ID}), "subscriber marked bounced")
		}
	case webhook.KindComplained:
		if _, err := s.SubscriberRepo.RecordComplaint(ctx, sub.ID); err != nil {
			return err
		}
		s.recordHint(ctx, e, sub.ID, model.EventUnsubscribe)
	case webhook.KindUnsubscribed:
		changed, err := s.SubscriberRepo.SetStatus(ctx, sub.ID,
			[]string{model.SubscriberSubscribed, model.SubscriberPending}, model.SubscriberUnsubscribed)
		if err != nil {
			return err
		}
		if changed {
			s.recordHint(ctx, e, sub.ID, model.EventUnsubscribe)
		}
	case webhook.KindOpened:
		if e.CampaignID > 0 {
			s.open(ctx, e.CampaignID, sub.ID, Visitor{})
		}
	case webhook.KindClicked:
		if e.CampaignID > 0 {
			s.click(ctx, e.CampaignID, sub.ID, e.URL, Visitor{})
		}
	case webhook.KindDelivered:
	}
	return nil
}

// recordHint stores an event when the provider told us which campaign it belongs to.
func (s *TrackingService) recordHint(ctx context.Context, e webhook.Event, subscriberID int64, eventType string) {
	if e.CampaignID <= 0 {
		return
	}
	err := s.TrackingRepo.Record(ctx, &model.TrackingEvent{
		CampaignID:   e.CampaignID,
		SubscriberID: subscriberID,
		EventType:    eventType,
	})
	if err != nil {
		s.logger().Error(ctx, "could not record "+eventType+" event", err)
		return
	}
	metrics.IncTrackingEvent(eventType)
}

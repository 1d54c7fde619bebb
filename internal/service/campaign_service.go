// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"regexp"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

// CampaignOptions are the deployment settings that shape every outgoing campaign message.
type CampaignOptions struct {
	FromEmail           string
	FromName            string
	TrackOpens          bool
	TrackClicks         bool
	OneClickUnsubscribe bool
	MaxAttempts         int
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	ListRepo       repository.ListRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	QueueRepo      repository.QueueRepositoryInterface
	TrackingRepo   repository.TrackingRepositoryInterface
	Queue          queue.Queue
	Tracker        tracking.Tracker
	Signer         *tracking.Signer
	Options        CampaignOptions
	Logger         *observability.Logger
}

// CampaignInput is the editable part of a campaign.
type CampaignInput struct {
	Name        string     `json:"name" validate:"required,max=255"`
	Subject     string     `json:"subject" validate:"max=998"`
	HTMLBody    string     `json:"html_body"`
	TextBody    string     `json:"text_body"`
	FromEmail   string     `json:"from_email" validate:"omitempty,email"`
	FromName    string     `json:"from_name" validate:"max=255"`
	ListID      *int64     `json:"list_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// Preview is a campaign rendered for one subscriber.
type Preview struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

var sendableFrom = []string{model.CampaignDraft, model.CampaignScheduled, model.CampaignPaused}

var unsubscribePlaceholder = regexp.MustCompile(`\{\{\s*unsubscribe_url\s*\}\}|\{unsubscribe_url\}`)

func (s *CampaignService) logger() *observability.Logger {
	if s.Logger == nil {
		return observability.NewNopLogger()
	}
	return s.Logger
}

// ====================== CRUD ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, in CampaignInput) (*model.Campaign, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	c := &model.Campaign{Status: model.CampaignDraft}
	applyInput(c, in)
	if in.ScheduledAt != nil {
		c.Status = model.CampaignScheduled
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: c.ID}), "campaign created")
	return c, nil
}

// UpdateCampaign rewrites content and target. Only draft, scheduled and paused campaigns change.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id int64, in CampaignInput) (*model.Campaign, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyInput(c, in)
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	if in.ScheduledAt != nil && c.Status != model.CampaignPaused {
		if err := s.CampaignRepo.Schedule(ctx, id, *in.ScheduledAt); err != nil {
			return nil, err
		}
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

func applyInput(c *model.Campaign, in CampaignInput) {
	c.Name = strings.TrimSpace(in.Name)
	c.Subject = in.Subject
	c.HTMLBody = in.HTMLBody
	c.TextBody = in.TextBody
	c.FromEmail = in.FromEmail
	c.FromName = in.FromName
	c.ListID = in.ListID
	c.ScheduledAt = in.ScheduledAt
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id int64) error {
	return s.CampaignRepo.Delete(ctx, id)
}

// GetCampaignDetails fetches a campaign by ID
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// ====================== Lifecycle ======================

// ValidateForSending reports every missing piece of content with its own message.
func (s *CampaignService) ValidateForSending(ctx context.Context, c *model.Campaign) error {
	var errs []error
	if strings.TrimSpace(c.Subject) == "" {
		errs = append(errs, appErrors.NewValidation("subject", "campaign subject is required"))
	}
	if strings.TrimSpace(c.HTMLBody) == "" && strings.TrimSpace(c.TextBody) == "" {
		errs = append(errs, appErrors.NewValidation("body", "campaign body is required (html or text)"))
	}
	switch {
	case c.ListID == nil:
		errs = append(errs, appErrors.NewValidation("list_id", "campaign target list is required"))
	default:
		if _, err := s.ListRepo.GetByID(ctx, *c.ListID); err != nil {
			if !appErrors.IsNotFound(err) {
				return err
			}
			errs = append(errs, appErrors.NewValidation("list_id", fmt.Sprintf("campaign target list %d does not exist", *c.ListID)))
		}
	}
	if from := s.fromEmail(c); from == "" {
		errs = append(errs, appErrors.NewValidation("from_email", "campaign sender address is required"))
	}
	return errors.Join(errs...)
}

func (s *CampaignService) Schedule(ctx context.Context, id int64, at time.Time) (*model.Campaign, error) {
	if at.IsZero() {
		return nil, appErrors.NewValidation("scheduled_at", "scheduled_at is required")
	}
	if err := s.CampaignRepo.Schedule(ctx, id, at); err != nil {
		return nil, err
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

// Send expands a draft, scheduled or paused campaign into one queued message per
// active list member and returns how many were enqueued.
func (s *CampaignService) Send(ctx context.Context, id int64) (int, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.expand(ctx, c)
}

// Resume re-runs the send expansion for a paused campaign. Members who already
// have a pending, processing or sent message are skipped; members added to the
// list since the original send are targeted.
func (s *CampaignService) Resume(ctx context.Context, id int64) (int, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != model.CampaignPaused {
		return 0, appErrors.NewStateConflict("campaign %d is %s; only paused campaigns can be resumed", id, c.Status)
	}
	return s.expand(ctx, c)
}

func (s *CampaignService) expand(ctx context.Context, c *model.Campaign) (int, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: c.ID})
	if !containsStatus(sendableFrom, c.Status) {
		return 0, appErrors.NewStateConflict("campaign %d is %s and cannot be sent", c.ID, c.Status)
	}
	if err := s.ValidateForSending(ctx, c); err != nil {
		return 0, err
	}

	var exclude int64
	if c.Status == model.CampaignPaused {
		exclude = c.ID
	}
	subs, err := s.ListRepo.ActiveSubscribers(ctx, *c.ListID, exclude)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 && c.Status != model.CampaignPaused {
		return 0, appErrors.NewValidation("list_id", "no active subscribers")
	}

	msgs := make([]*model.QueuedMessage, 0, len(subs))
	for _, sub := range subs {
		msgs = append(msgs, s.personalize(c, sub, true))
	}

	ok, err := s.CampaignRepo.BeginSend(ctx, c.ID, sendableFrom, msgs)
	if err != nil {
		return 0, err
	}
	if !ok {
		cur, err := s.CampaignRepo.GetByID(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		return 0, appErrors.NewStateConflict("campaign %d is %s and cannot be sent", c.ID, cur.Status)
	}
	metrics.AddEnqueued(model.SourceCampaign, len(msgs))

	if len(msgs) == 0 {
		// A resumed campaign with nobody left to target finishes right away.
		if _, err := s.CampaignRepo.CompleteIfDrained(ctx, c.ID); err != nil {
			return 0, err
		}
		s.logger().Info(ctx, "campaign resumed with no remaining recipients")
		return 0, nil
	}

	s.nudge(ctx, queue.Nudge{Source: model.SourceCampaign, CampaignID: c.ID, Count: len(msgs)})
	s.logger().Info(observability.WithFields(ctx, observability.Field{Key: "enqueued", Value: len(msgs)}), "campaign sending")
	return len(msgs), nil
}

// Pause stops a sending campaign and cancels its pending messages. Messages
// already being processed are allowed to finish.
func (s *CampaignService) Pause(ctx context.Context, id int64) (int64, error) {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, []string{model.CampaignSending}, model.CampaignPaused)
	if err != nil {
		return 0, err
	}
	if !ok {
		c, err := s.CampaignRepo.GetByID(ctx, id)
		if err != nil {
			return 0, err
		}
		return 0, appErrors.NewStateConflict("campaign %d is %s; only sending campaigns can be paused", id, c.Status)
	}
	cancelled, err := s.QueueRepo.CancelPendingForCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	s.logger().Info(observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: id},
		observability.Field{Key: "cancelled", Value: cancelled},
	), "campaign paused")
	return cancelled, nil
}

// SendTest renders the campaign for one address and enqueues it at critical
// priority. Tracking is off and the campaign itself is untouched.
func (s *CampaignService) SendTest(ctx context.Context, id int64, email string) (*model.QueuedMessage, error) {
	if err := validateEmail("email", email); err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.HTMLBody) == "" && strings.TrimSpace(c.TextBody) == "" {
		return nil, appErrors.NewValidation("body", "campaign body is required (html or text)")
	}

	fake := &model.Subscriber{Email: email, Name: "Test Recipient", Status: model.SubscriberSubscribed}
	msg := s.personalize(c, fake, false)
	msg.Subject = "[TEST] " + msg.Subject
	msg.Priority = model.PriorityCritical
	msg.Source = model.SourceCampaignTest
	msg.CampaignID = nil
	msg.SubscriberID = nil

	if _, err := s.QueueRepo.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	metrics.AddEnqueued(model.SourceCampaignTest, 1)
	s.nudge(ctx, queue.Nudge{Source: model.SourceCampaignTest, Count: 1})
	return msg, nil
}

// StartDueScheduled sends every scheduled campaign whose time has come. A
// campaign that fails validation stays scheduled and is retried next tick.
func (s *CampaignService) StartDueScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := s.CampaignRepo.ListDueScheduled(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, c := range due {
		cctx := observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: c.ID})
		if _, err := s.expand(cctx, c); err != nil {
			s.logger().WarnWithError(cctx, "scheduled campaign could not start", err)
			continue
		}
		started++
	}
	return started, nil
}

// ====================== Rendering ======================

// PersonalizedPreview renders a campaign for one subscriber, optionally with
// an override HTML template. Tracking is not applied.
func (s *CampaignService) PersonalizedPreview(ctx context.Context, campaignID, subscriberID int64, overrideTemplate *string) (*Preview, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	sub, err := s.SubscriberRepo.GetByID(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		c.HTMLBody = *overrideTemplate
	}
	if strings.TrimSpace(c.HTMLBody) == "" && strings.TrimSpace(c.TextBody) == "" {
		return nil, appErrors.NewValidation("body", "template cannot be empty")
	}
	msg := s.personalize(c, sub, false)
	return &Preview{Subject: msg.Subject, HTML: msg.HTMLBody, Text: msg.TextBody}, nil
}

// personalize merges subscriber fields, adds the unsubscribe link and headers,
// and applies tracking when track is set.
func (s *CampaignService) personalize(c *model.Campaign, sub *model.Subscriber, track bool) *model.QueuedMessage {
	unsubURL := s.Signer.UnsubscribeURL(s.Tracker.BaseURL, sub.Email)
	data := MergeData(sub)
	data["unsubscribe_url"] = unsubURL

	htmlBody := RenderHTMLTemplate(c.HTMLBody, data)
	textBody := RenderTemplate(c.TextBody, data)

	if htmlBody != "" {
		if !unsubscribePlaceholder.MatchString(c.HTMLBody) {
			htmlBody = tracking.InsertBeforeBodyEnd(htmlBody,
				`<p style="font-size:12px;color:#888888"><a href="`+html.EscapeString(unsubURL)+`">Unsubscribe</a></p>`)
		}
		if track && s.Options.TrackClicks {
			htmlBody = s.Tracker.RewriteLinks(htmlBody, c.ID, sub.ID)
		}
		if track && s.Options.TrackOpens {
			htmlBody = tracking.InjectPixel(htmlBody, s.Tracker.OpenURL(c.ID, sub.ID))
		}
	}
	if textBody != "" && !unsubscribePlaceholder.MatchString(c.TextBody) {
		textBody += "\n\nUnsubscribe: " + unsubURL
	}

	headers := model.StringMap{"List-Unsubscribe": "<" + unsubURL + ">"}
	if s.Options.OneClickUnsubscribe {
		headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}

	msg := &model.QueuedMessage{
		ToEmail:     sub.Email,
		ToName:      sub.Name,
		FromEmail:   s.fromEmail(c),
		FromName:    s.fromName(c),
		Subject:     RenderTemplate(c.Subject, data),
		HTMLBody:    htmlBody,
		TextBody:    textBody,
		Headers:     headers,
		Priority:    model.PriorityBulk,
		MaxAttempts: s.Options.MaxAttempts,
		Source:      model.SourceCampaign,
	}
	if c.ID != 0 {
		campaignID := c.ID
		msg.CampaignID = &campaignID
	}
	if sub.ID != 0 {
		subscriberID := sub.ID
		msg.SubscriberID = &subscriberID
	}
	return msg
}

func (s *CampaignService) fromEmail(c *model.Campaign) string {
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return s.Options.FromEmail
}

func (s *CampaignService) fromName(c *model.Campaign) string {
	if c.FromName != "" {
		return c.FromName
	}
	return s.Options.FromName
}

func (s *CampaignService) nudge(ctx context.Context, n queue.Nudge) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.Publish(queue.TopicProcess, n); err != nil {
		s.logger().Debug(ctx, "process nudge not delivered: "+err.Error())
	}
}

// ====================== Stats ======================

// Stats summarizes engagement. Rates are percentages of sent messages.
func (s *CampaignService) Stats(ctx context.Context, id int64) (*model.CampaignStats, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	counts, err := s.TrackingRepo.CountByType(ctx, id)
	if err != nil {
		return nil, err
	}
	links, err := s.TrackingRepo.LinkClicks(ctx, id)
	if err != nil {
		return nil, err
	}
	timeline, err := s.TrackingRepo.Timeline(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &model.CampaignStats{
		CampaignID:   id,
		Sent:         counts[model.EventSent],
		Opens:        counts[model.EventOpen],
		Clicks:       counts[model.EventClick],
		Bounces:      counts[model.EventBounce],
		Unsubscribes: counts[model.EventUnsubscribe],
		Links:        links,
		Timeline:     timeline,
	}
	st.OpenRate = percent(st.Opens, st.Sent)
	st.ClickRate = percent(st.Clicks, st.Sent)
	return st, nil
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(of)*10000) / 100
}

func containsStatus(set []string, status string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/cache"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository/memory"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

// fakeTransport records what it sends and fails for chosen recipients.
type fakeTransport struct {
	mu   sync.Mutex
	sent []*mailer.Message
	fail map[string]bool

	// beforeSend runs outside the lock so it can drive the services mid-send.
	beforeSend func(email string)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg *mailer.Message) error {
	if f.beforeSend != nil {
		f.beforeSend(msg.To[0].Email)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, to := range msg.To {
		if f.fail[to.Email] {
			return errors.New("550 mailbox unavailable")
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) sentTo(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.To[0].Email == email {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *memory.Store
	now       time.Time
	transport *fakeTransport
	campaigns *service.CampaignService
	processor *service.Processor
	subs      *service.SubscriberService
	tracking  *service.TrackingService
	queue     *service.QueueService
	runs      *cache.MemoryRunRecorder
	listID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStore(),
		now:       time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		transport: &fakeTransport{fail: map[string]bool{}},
		runs:      cache.NewMemoryRunRecorder(),
	}
	f.store.Now = func() time.Time { return f.now }

	tracker := tracking.Tracker{BaseURL: "https://mail.example.com"}
	signer := tracking.NewSigner("test-secret")

	f.campaigns = &service.CampaignService{
		CampaignRepo:   f.store.Campaigns(),
		ListRepo:       f.store.Lists(),
		SubscriberRepo: f.store.Subscribers(),
		QueueRepo:      f.store.Queue(),
		TrackingRepo:   f.store.Tracking(),
		Tracker:        tracker,
		Signer:         signer,
		Options: service.CampaignOptions{
			FromEmail:           "news@example.com",
			FromName:            "News",
			TrackOpens:          true,
			TrackClicks:         true,
			OneClickUnsubscribe: true,
			MaxAttempts:         3,
		},
	}
	f.processor = &service.Processor{
		QueueRepo:    f.store.Queue(),
		CampaignRepo: f.store.Campaigns(),
		DeliveryLog:  f.store.DeliveryLog(),
		TrackingRepo: f.store.Tracking(),
		Transport:    f.transport,
		Runs:         f.runs,
		BatchSize:    50,
		Now:          func() time.Time { return f.now },
	}
	f.subs = &service.SubscriberService{
		SubscriberRepo: f.store.Subscribers(),
		ListRepo:       f.store.Lists(),
		QueueRepo:      f.store.Queue(),
		Signer:         signer,
		BaseURL:        "https://mail.example.com",
		FromEmail:      "news@example.com",
	}
	f.tracking = &service.TrackingService{
		TrackingRepo:   f.store.Tracking(),
		SubscriberRepo: f.store.Subscribers(),
		FallbackURL:    "https://example.com",
	}
	f.queue = &service.QueueService{
		QueueRepo:   f.store.Queue(),
		DeliveryLog: f.store.DeliveryLog(),
		Runs:        f.runs,
	}

	list, err := f.subs.CreateList(context.Background(), service.ListInput{Name: "Newsletter"})
	require.NoError(t, err)
	f.listID = list.ID
	return f
}

func (f *fixture) subscribe(t *testing.T, email, name string) *model.Subscriber {
	t.Helper()
	sub, err := f.subs.Subscribe(context.Background(), f.listID, service.SubscribeInput{Email: email, Name: name})
	require.NoError(t, err)
	return sub
}

func (f *fixture) campaign(t *testing.T, in service.CampaignInput) *model.Campaign {
	t.Helper()
	if in.Name == "" {
		in.Name = "Spring sale"
	}
	if in.ListID == nil {
		in.ListID = &f.listID
	}
	c, err := f.campaigns.CreateCampaign(context.Background(), in)
	require.NoError(t, err)
	return c
}

func (f *fixture) reload(t *testing.T, id int64) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.GetCampaignDetails(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) pending(t *testing.T) []*model.QueuedMessage {
	t.Helper()
	msgs, err := f.store.Queue().NextBatch(context.Background(), 200)
	require.NoError(t, err)
	return msgs
}

func TestSendValidationGateLeavesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice@example.com", "Alice")
	c := f.campaign(t, service.CampaignInput{Subject: "Hello"})

	_, err := f.campaigns.Send(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, appErrors.IsValidation(err))
	assert.Contains(t, err.Error(), "body")
	assert.NotContains(t, err.Error(), "subject")

	assert.Equal(t, model.CampaignDraft, f.reload(t, c.ID).Status)
	assert.Empty(t, f.pending(t))
}

func TestValidateForSendingNamesEachMissingField(t *testing.T) {
	f := newFixture(t)
	missing := int64(999)
	err := f.campaigns.ValidateForSending(context.Background(), &model.Campaign{ListID: &missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject is required")
	assert.Contains(t, err.Error(), "body is required")
	assert.Contains(t, err.Error(), "list 999 does not exist")
}

func TestSendWithNoActiveSubscribersDoesNotTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gone := f.subscribe(t, "gone@example.com", "Gone")
	require.NoError(t, f.subs.Unsubscribe(ctx, gone.Email, tracking.NewSigner("test-secret").Token(gone.Email)))

	c := f.campaign(t, service.CampaignInput{Subject: "Hi", HTMLBody: "<p>hi</p>"})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active subscribers")
	assert.Equal(t, model.CampaignDraft, f.reload(t, c.ID).Status)
}

func TestSendPersonalizesAndTracks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.subscribe(t, "alice@example.com", "Alice Smith")
	c := f.campaign(t, service.CampaignInput{
		Subject:  "Hi {{first_name}}",
		HTMLBody: `<html><body><p>Hello {name}, see <a href="https://shop.example.com/sale">the sale</a>.</p></body></html>`,
	})

	n, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSending, got.Status)
	assert.Equal(t, 1, got.TotalRecipients)
	assert.Equal(t, 0, got.SentCount)
	assert.NotNil(t, got.StartedAt)

	msgs := f.pending(t)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "Hi Alice", m.Subject)
	assert.Equal(t, model.PriorityBulk, m.Priority)
	assert.Equal(t, model.SourceCampaign, m.Source)
	require.NotNil(t, m.CampaignID)
	require.NotNil(t, m.SubscriberID)
	assert.Equal(t, c.ID, *m.CampaignID)
	assert.Equal(t, alice.ID, *m.SubscriberID)
	assert.Contains(t, m.HTMLBody, "Hello Alice Smith")
	assert.Contains(t, m.HTMLBody, "https://mail.example.com/track/click/")
	assert.Contains(t, m.HTMLBody, "https://mail.example.com/track/open/")
	assert.NotContains(t, m.HTMLBody, `href="https://shop.example.com/sale"`)
	assert.Contains(t, m.HTMLBody, "/unsubscribe?email=alice%40example.com")
	assert.True(t, strings.HasPrefix(m.Headers["List-Unsubscribe"], "<https://mail.example.com/unsubscribe?"))
	assert.Equal(t, "List-Unsubscribe=One-Click", m.Headers["List-Unsubscribe-Post"])
}

func TestSubscriberFieldsCannotInjectMarkup(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "mallory@example.com", `<a href="https://evil.example/x">Click</a>`)
	c := f.campaign(t, service.CampaignInput{
		Subject:  "Hi {{name}}",
		HTMLBody: `<p>Hello {{name}}</p>`,
		TextBody: "Hello {{name}}",
	})
	_, err := f.campaigns.Send(context.Background(), c.ID)
	require.NoError(t, err)

	m := f.pending(t)[0]
	assert.Contains(t, m.HTMLBody, "Hello &lt;a href=&#34;https://evil.example/x&#34;&gt;Click&lt;/a&gt;")
	assert.NotContains(t, m.HTMLBody, "evil.example/x\"")
	assert.Equal(t, 0, strings.Count(m.HTMLBody, "/track/click/"), "escaped text is not a link")
	assert.Contains(t, m.TextBody, `Hello <a href="https://evil.example/x">Click</a>`)
}

func TestUnsubscribePlaceholderIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alice@example.com", "Alice")
	c := f.campaign(t, service.CampaignInput{
		Subject:  "Hi",
		HTMLBody: `<p>Bye? <a href="{{unsubscribe_url}}">Leave</a></p>`,
		TextBody: "Leave: {unsubscribe_url}",
	})
	_, err := f.campaigns.Send(context.Background(), c.ID)
	require.NoError(t, err)

	m := f.pending(t)[0]
	assert.Equal(t, 1, strings.Count(m.HTMLBody, "/unsubscribe?"))
	assert.Equal(t, 1, strings.Count(m.TextBody, "/unsubscribe?"))
	assert.NotContains(t, m.HTMLBody, "{{unsubscribe_url}}")
}

func TestCampaignCompletionConvergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "a@example.com", "A")
	f.subscribe(t, "b@example.com", "B")
	f.subscribe(t, "broken@example.com", "Broken")
	f.transport.fail["broken@example.com"] = true

	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "hello"})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)

	res, err := f.processor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Retrying)
	assert.Empty(t, res.Completed)
	assert.Equal(t, model.CampaignSending, f.reload(t, c.ID).Status)

	// Two more failing attempts exhaust the retry budget.
	for i := 0; i < 2; i++ {
		res, err = f.processor.Run(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{c.ID}, res.Completed)

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 2, got.SentCount, "sent_count counts delivered messages, not recipients")
	assert.Equal(t, 3, got.TotalRecipients)
	assert.NotNil(t, got.FinishedAt)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Counts[model.MessageSent])
	assert.Equal(t, 1, stats.Counts[model.MessageFailed])
	assert.Equal(t, int64(3), stats.Runs.Runs)

	logs, err := f.queue.RecentLog(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 5, "two sends plus three failed attempts")
}

func TestPauseCancelsPendingAndResumeRetargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "a@example.com", "A")
	f.subscribe(t, "b@example.com", "B")
	f.processor.BatchSize = 1

	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "hello"})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.processor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.sentTo("a@example.com"))

	cancelled, err := f.campaigns.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)
	assert.Equal(t, model.CampaignPaused, f.reload(t, c.ID).Status)

	_, err = f.campaigns.Pause(ctx, c.ID)
	assert.True(t, appErrors.IsStateConflict(err))

	// Resume re-expands from the list: the cancelled recipient is targeted again
	// and so is a member who joined after the original send. Already-sent
	// members are skipped.
	f.subscribe(t, "late@example.com", "Late")
	n, err := f.campaigns.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSending, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 3, got.TotalRecipients)

	for i := 0; i < 3; i++ {
		_, err = f.processor.Run(ctx)
		require.NoError(t, err)
	}
	got = f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 3, got.SentCount)
	for _, email := range []string{"a@example.com", "b@example.com", "late@example.com"} {
		assert.Equal(t, 1, f.transport.sentTo(email), email)
	}
}

func TestPauseAndResumeWhileMessageInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "a@example.com", "A")
	f.subscribe(t, "b@example.com", "B")
	f.processor.BatchSize = 1

	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "hello"})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)

	var resumed int
	f.transport.beforeSend = func(email string) {
		if email != "a@example.com" || resumed > 0 {
			return
		}
		_, err := f.campaigns.Pause(ctx, c.ID)
		require.NoError(t, err)
		resumed, err = f.campaigns.Resume(ctx, c.ID)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		_, err = f.processor.Run(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, resumed, "only b is queued again, a is still processing")

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 2, got.TotalRecipients)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, f.transport.sentTo("a@example.com"))
	assert.Equal(t, 1, f.transport.sentTo("b@example.com"))
}

func TestResumeRequiresPaused(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "x"})
	_, err := f.campaigns.Resume(context.Background(), c.ID)
	assert.True(t, appErrors.IsStateConflict(err))
}

func TestSendRejectsNonSendableState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "a@example.com", "A")
	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "x"})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.campaigns.Send(ctx, c.ID)
	assert.True(t, appErrors.IsStateConflict(err))
	assert.Len(t, f.pending(t), 1)

	_, err = f.campaigns.Send(ctx, 12345)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestSendTestLeavesCampaignUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.campaign(t, service.CampaignInput{Subject: "Hi {first_name}", HTMLBody: `<a href="https://x.example.com">x</a>`})

	_, err := f.campaigns.SendTest(ctx, c.ID, "not-an-email")
	assert.True(t, appErrors.IsValidation(err))

	msg, err := f.campaigns.SendTest(ctx, c.ID, "qa@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityCritical, msg.Priority)
	assert.Equal(t, model.SourceCampaignTest, msg.Source)
	assert.Nil(t, msg.CampaignID)
	assert.Equal(t, "[TEST] Hi Test", msg.Subject)
	assert.NotContains(t, msg.HTMLBody, "/track/")

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignDraft, got.Status)
	assert.Zero(t, got.TotalRecipients)
}

func TestStartDueScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "a@example.com", "A")
	due := f.campaign(t, service.CampaignInput{Subject: "Due", TextBody: "x"})
	later := f.campaign(t, service.CampaignInput{Subject: "Later", TextBody: "x"})

	_, err := f.campaigns.Schedule(ctx, due.ID, f.now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = f.campaigns.Schedule(ctx, later.ID, f.now.Add(time.Hour))
	require.NoError(t, err)

	started, err := f.campaigns.StartDueScheduled(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, model.CampaignSending, f.reload(t, due.ID).Status)
	assert.Equal(t, model.CampaignScheduled, f.reload(t, later.ID).Status)
}

func TestPersonalizedPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, "alice@example.com", "Alice Smith")
	c := f.campaign(t, service.CampaignInput{Subject: "For {{ first_name }}", HTMLBody: "<p>Hi {first_name} {last_name}</p>"})

	p, err := f.campaigns.PersonalizedPreview(ctx, c.ID, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "For Alice", p.Subject)
	assert.Contains(t, p.HTML, "Hi Alice Smith")
	assert.NotContains(t, p.HTML, "/track/open/")

	override := "<p>Override for {email}</p>"
	p, err = f.campaigns.PersonalizedPreview(ctx, c.ID, sub.ID, &override)
	require.NoError(t, err)
	assert.Contains(t, p.HTML, "Override for alice@example.com")
}

func TestCampaignStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.subscribe(t, "a@example.com", "A")
	f.subscribe(t, "b@example.com", "B")
	c := f.campaign(t, service.CampaignInput{Subject: "Hi", HTMLBody: `<a href="https://x.example.com/p">p</a>`})
	_, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.processor.Run(ctx)
	require.NoError(t, err)

	seg := tracking.Encode(tracking.Payload{CampaignID: c.ID, SubscriberID: a.ID, URL: "https://x.example.com/p"})
	f.tracking.RecordOpen(ctx, seg, service.Visitor{})
	f.tracking.RecordClick(ctx, seg, service.Visitor{})

	st, err := f.campaigns.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 1, st.Opens)
	assert.Equal(t, 1, st.Clicks)
	assert.Equal(t, 50.0, st.OpenRate)
	assert.Equal(t, 50.0, st.ClickRate)
	require.Len(t, st.Links, 1)
	assert.Equal(t, "https://x.example.com/p", st.Links[0].URL)
}

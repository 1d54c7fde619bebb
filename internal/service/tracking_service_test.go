package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

func TestRecordOpenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seg := tracking.Encode(tracking.Payload{CampaignID: 7, SubscriberID: 9})

	f.tracking.RecordOpen(ctx, seg, service.Visitor{IP: "10.0.0.1", UserAgent: "Mail"})
	f.tracking.RecordOpen(ctx, seg, service.Visitor{IP: "10.0.0.1", UserAgent: "Mail"})
	f.tracking.RecordOpen(ctx, "%%%not-a-token", service.Visitor{})

	counts, err := f.store.Tracking().CountByType(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.EventOpen])
}

func TestRecordClickRedirects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seg := tracking.Encode(tracking.Payload{CampaignID: 7, SubscriberID: 9, URL: "https://shop.example.com/a?b=c"})
	assert.Equal(t, "https://shop.example.com/a?b=c", f.tracking.RecordClick(ctx, seg, service.Visitor{}))
	assert.Equal(t, "https://shop.example.com/a?b=c", f.tracking.RecordClick(ctx, seg, service.Visitor{}))

	counts, err := f.store.Tracking().CountByType(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.EventClick], "every click counts")
	assert.Equal(t, 1, counts[model.EventOpen], "a click implies one open")

	assert.Equal(t, "https://example.com", f.tracking.RecordClick(ctx, "garbage!", service.Visitor{}))

	unsafe := tracking.Encode(tracking.Payload{CampaignID: 7, SubscriberID: 9, URL: "javascript:alert(1)"})
	assert.Equal(t, "https://example.com", f.tracking.RecordClick(ctx, unsafe, service.Visitor{}))
}

func TestWebhookSoftBouncesEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, "soft@example.com", "Soft")

	soft := webhook.Event{Kind: webhook.KindBounced, Email: "SOFT@example.com", CampaignID: 3}
	for i := 0; i < model.SoftBounceLimit-1; i++ {
		_, err := f.tracking.ApplyWebhookEvents(ctx, "generic", []webhook.Event{soft})
		require.NoError(t, err)
	}
	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberSubscribed, got.Status)
	assert.Equal(t, model.BounceSoft, got.BounceStatus)

	n, err := f.tracking.ApplyWebhookEvents(ctx, "generic", []webhook.Event{soft})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberBounced, got.Status)
	assert.Equal(t, model.SoftBounceLimit, got.BounceCount)

	counts, err := f.store.Tracking().CountByType(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.SoftBounceLimit, counts[model.EventBounce])
}

func TestWebhookHardBounceComplaintAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hard := f.subscribe(t, "hard@example.com", "Hard")
	angry := f.subscribe(t, "angry@example.com", "Angry")

	n, err := f.tracking.ApplyWebhookEvents(ctx, "generic", []webhook.Event{
		{Kind: webhook.KindBounced, Email: "hard@example.com", Hard: true},
		{Kind: webhook.KindComplained, Email: "angry@example.com"},
		{Kind: webhook.KindBounced, Email: "stranger@example.com", Hard: true},
		{Kind: webhook.KindDelivered, Email: "hard@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := f.subs.Get(ctx, hard.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberBounced, got.Status)
	assert.Equal(t, model.BounceHard, got.BounceStatus)

	got, err = f.subs.Get(ctx, angry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberUnsubscribed, got.Status)
	assert.Equal(t, model.BounceComplaint, got.BounceStatus)

	// Complainers are not silently re-subscribed.
	again, err := f.subs.Subscribe(ctx, f.listID, service.SubscribeInput{Email: "angry@example.com"})
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberUnsubscribed, again.Status)
}

func TestBouncedSubscribersAreNotTargeted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "ok@example.com", "Ok")
	f.subscribe(t, "dead@example.com", "Dead")
	_, err := f.tracking.ApplyWebhookEvents(ctx, "generic", []webhook.Event{
		{Kind: webhook.KindBounced, Email: "dead@example.com", Hard: true},
	})
	require.NoError(t, err)

	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "x"})
	n, err := f.campaigns.Send(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

func TestDoubleOptInConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list, err := f.subs.CreateList(ctx, service.ListInput{Name: "Beta", DoubleOptIn: true})
	require.NoError(t, err)

	sub, err := f.subs.Subscribe(ctx, list.ID, service.SubscribeInput{Email: " New@Example.com ", Name: "New"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", sub.Email)
	assert.Equal(t, model.SubscriberPending, sub.Status)
	require.NotNil(t, sub.ConfirmationToken)

	msgs := f.pending(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.SourceConfirmation, msgs[0].Source)
	assert.Equal(t, model.PriorityHigh, msgs[0].Priority)
	assert.Contains(t, msgs[0].TextBody, "https://mail.example.com/confirm/"+*sub.ConfirmationToken)

	// Pending members are not campaign recipients.
	c, err := f.campaigns.CreateCampaign(ctx, service.CampaignInput{Name: "Beta news", Subject: "Hi", TextBody: "x", ListID: &list.ID})
	require.NoError(t, err)
	_, err = f.campaigns.Send(ctx, c.ID)
	assert.True(t, appErrors.IsValidation(err))

	confirmed, err := f.subs.Confirm(ctx, *sub.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberSubscribed, confirmed.Status)

	_, err = f.subs.Confirm(ctx, *sub.ConfirmationToken)
	assert.True(t, appErrors.IsNotFound(err), "tokens are single use")

	_, err = f.subs.Confirm(ctx, "  ")
	assert.True(t, appErrors.IsValidation(err))
}

func TestSingleOptInSubscribesImmediately(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, "a@example.com", "A")
	assert.Equal(t, model.SubscriberSubscribed, sub.Status)
	assert.Nil(t, sub.ConfirmationToken)
	assert.Empty(t, f.pending(t))

	_, err := f.subs.Subscribe(context.Background(), f.listID, service.SubscribeInput{Email: "nope"})
	assert.True(t, appErrors.IsValidation(err))

	_, err = f.subs.Subscribe(context.Background(), 999, service.SubscribeInput{Email: "b@example.com"})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestUnsubscribeToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, "a@example.com", "A")
	token := tracking.NewSigner("test-secret").Token("a@example.com")

	err := f.subs.Unsubscribe(ctx, "a@example.com", "forged")
	assert.True(t, appErrors.IsValidation(err))

	err = f.subs.Unsubscribe(ctx, "a@example.com", tracking.NewSigner("other").Token("a@example.com"))
	assert.True(t, appErrors.IsValidation(err))

	require.NoError(t, f.subs.Unsubscribe(ctx, "A@Example.com", token))
	require.NoError(t, f.subs.Unsubscribe(ctx, "a@example.com", token), "repeat is harmless")

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberUnsubscribed, got.Status)

	// Plain unsubscribes may opt back in.
	again := f.subscribe(t, "a@example.com", "A")
	assert.Equal(t, model.SubscriberSubscribed, again.Status)
}

func TestListMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, "a@example.com", "A")

	other, err := f.subs.CreateList(ctx, service.ListInput{Name: "Other"})
	require.NoError(t, err)
	require.NoError(t, f.subs.AddMember(ctx, other.ID, sub.ID))

	lists, err := f.subs.Lists(ctx)
	require.NoError(t, err)
	assert.Len(t, lists, 2)

	require.NoError(t, f.subs.RemoveMember(ctx, f.listID, sub.ID))
	c := f.campaign(t, service.CampaignInput{Subject: "Hi", TextBody: "x"})
	_, err = f.campaigns.Send(ctx, c.ID)
	assert.True(t, appErrors.IsValidation(err), "list has no members left")

	_, err = f.subs.CreateList(ctx, service.ListInput{})
	assert.True(t, appErrors.IsValidation(err))
}

package webhook

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGenericSingleAndArray(t *testing.T) {
	events, err := Parse("generic", []byte(`{"event":"bounce","email":"a@x.com","campaign_id":"4","severity":"soft"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: KindBounced, Email: "a@x.com", CampaignID: 4, Hard: false}, events[0])

	events, err = Parse("generic", []byte(`[
		{"event":"bounced","email":"a@x.com"},
		{"event":"spam","email":"b@x.com"},
		{"event":"click","email":"c@x.com","campaign_id":2,"subscriber_id":3,"url":"https://x"},
		{"event":"mystery","email":"d@x.com"},
		{"event":"open"}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Hard, "bounce without severity is hard")
	assert.Equal(t, KindComplained, events[1].Kind)
	assert.Equal(t, Event{Kind: KindClicked, Email: "c@x.com", CampaignID: 2, SubscriberID: 3, URL: "https://x"}, events[2])
}

func TestParseResend(t *testing.T) {
	body := []byte(`{"type":"email.bounced","created_at":"2026-01-01T00:00:00Z","data":{
		"email_id":"abc","to":["a@x.com"],"bounce":{"type":"Permanent"},
		"tags":[{"name":"campaign_id","value":"9"},{"name":"subscriber_id","value":"12"}]}}`)
	events, err := Parse("resend", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: KindBounced, Email: "a@x.com", CampaignID: 9, SubscriberID: 12, Hard: true}, events[0])

	events, err = Parse("resend", []byte(`{"type":"email.bounced","data":{"to":"b@x.com","bounce":{"type":"Transient"}}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Hard)

	events, err = Parse("resend", []byte(`{"type":"email.sent","data":{"to":["a@x.com"]}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = Parse("generic", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"open"}`)
	sig := hex.EncodeToString(Sign("s3cret", body))

	assert.NoError(t, Verify("s3cret", body, sig))
	assert.NoError(t, Verify("s3cret", body, "sha256="+sig))
	assert.ErrorIs(t, Verify("s3cret", body, "deadbeef"), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", body, ""), ErrBadSignature)
	assert.ErrorIs(t, Verify("other", body, sig), ErrBadSignature)
	assert.NoError(t, Verify("", body, ""), "no secret configured")
}

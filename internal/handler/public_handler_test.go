package handler_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository/memory"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

type publicEnv struct {
	store  *memory.Store
	router http.Handler
	subs   *service.SubscriberService
	signer *tracking.Signer
	listID int64
}

func newPublicEnv(t *testing.T) *publicEnv {
	t.Helper()
	store := memory.NewStore()
	signer := tracking.NewSigner("secret")
	subs := &service.SubscriberService{
		SubscriberRepo: store.Subscribers(),
		ListRepo:       store.Lists(),
		QueueRepo:      store.Queue(),
		Signer:         signer,
		BaseURL:        "https://t.example.com",
		FromEmail:      "news@example.com",
	}
	trk := &service.TrackingService{
		TrackingRepo:   store.Tracking(),
		SubscriberRepo: store.Subscribers(),
		FallbackURL:    "https://example.com",
	}
	h := handler.NewPublicHandler(trk, subs, map[string]string{"resend": "whsec"}, nil)
	r := chi.NewRouter()
	h.Routes(r)

	list, err := subs.CreateList(context.Background(), service.ListInput{Name: "News"})
	require.NoError(t, err)
	return &publicEnv{store: store, router: r, subs: subs, signer: signer, listID: list.ID}
}

func (e *publicEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestTrackOpenAlwaysServesPixel(t *testing.T) {
	e := newPublicEnv(t)
	seg := tracking.Encode(tracking.Payload{CampaignID: 4, SubscriberID: 2})

	for _, path := range []string{"/track/open/" + seg, "/track/open/" + seg, "/track/open/!!garbage"} {
		w := e.serve(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
		assert.Equal(t, tracking.Pixel, w.Body.Bytes())
	}

	counts, err := e.store.Tracking().CountByType(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.EventOpen])
}

func TestTrackClickRedirects(t *testing.T) {
	e := newPublicEnv(t)
	seg := tracking.Encode(tracking.Payload{CampaignID: 4, SubscriberID: 2, URL: "https://shop.example.com/x"})

	w := e.serve(httptest.NewRequest(http.MethodGet, "/track/click/"+seg, nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://shop.example.com/x", w.Header().Get("Location"))

	w = e.serve(httptest.NewRequest(http.MethodGet, "/track/click/not-a-token", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Location"))
}

func TestUnsubscribeLinkAndOneClick(t *testing.T) {
	e := newPublicEnv(t)
	ctx := context.Background()
	sub, err := e.subs.Subscribe(ctx, e.listID, service.SubscribeInput{Email: "a@example.com"})
	require.NoError(t, err)

	w := e.serve(httptest.NewRequest(http.MethodGet, "/unsubscribe?email=a%40example.com&token=bad", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	link, err := url.Parse(e.signer.UnsubscribeURL("https://t.example.com", "a@example.com"))
	require.NoError(t, err)

	// RFC 8058 one-click: POST to the List-Unsubscribe URL with a form body.
	req := httptest.NewRequest(http.MethodPost, link.RequestURI(), strings.NewReader("List-Unsubscribe=One-Click"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = e.serve(req)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := e.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberUnsubscribed, got.Status)

	w = e.serve(httptest.NewRequest(http.MethodGet, link.RequestURI(), nil))
	assert.Equal(t, http.StatusOK, w.Code, "repeat is harmless")

	// A valid token for an unknown address does not reveal anything.
	unknown, err := url.Parse(e.signer.UnsubscribeURL("https://t.example.com", "ghost@example.com"))
	require.NoError(t, err)
	w = e.serve(httptest.NewRequest(http.MethodGet, unknown.RequestURI(), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfirmHandler(t *testing.T) {
	e := newPublicEnv(t)
	ctx := context.Background()
	list, err := e.subs.CreateList(ctx, service.ListInput{Name: "Beta", DoubleOptIn: true})
	require.NoError(t, err)
	sub, err := e.subs.Subscribe(ctx, list.ID, service.SubscribeInput{Email: "b@example.com"})
	require.NoError(t, err)

	w := e.serve(httptest.NewRequest(http.MethodGet, "/confirm/"+*sub.ConfirmationToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Subscription confirmed")

	w = e.serve(httptest.NewRequest(http.MethodGet, "/confirm/"+*sub.ConfirmationToken, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenericWebhook(t *testing.T) {
	e := newPublicEnv(t)
	ctx := context.Background()
	sub, err := e.subs.Subscribe(ctx, e.listID, service.SubscribeInput{Email: "c@example.com"})
	require.NoError(t, err)

	body := `[{"event":"bounce","email":"c@example.com","severity":"permanent"},{"event":"delivered","email":"nobody@example.com"}]`
	w := e.serve(httptest.NewRequest(http.MethodPost, "/webhooks/generic", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, float64(2), res["processed"])

	got, err := e.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberBounced, got.Status)

	w = e.serve(httptest.NewRequest(http.MethodPost, "/webhooks/generic", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.serve(httptest.NewRequest(http.MethodPost, "/webhooks/unknown", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResendWebhookSignature(t *testing.T) {
	e := newPublicEnv(t)
	ctx := context.Background()
	sub, err := e.subs.Subscribe(ctx, e.listID, service.SubscribeInput{Email: "d@example.com"})
	require.NoError(t, err)

	body := []byte(`{"type":"email.complained","data":{"to":["d@example.com"]}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/resend", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, "sha256=deadbeef")
	w := e.serve(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	got, err := e.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberSubscribed, got.Status, "rejected webhooks change nothing")

	req = httptest.NewRequest(http.MethodPost, "/webhooks/resend", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, hex.EncodeToString(webhook.Sign("whsec", body)))
	w = e.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err = e.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberUnsubscribed, got.Status)
	assert.Equal(t, model.BounceComplaint, got.BounceStatus)
}

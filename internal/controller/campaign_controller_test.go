package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository/memory"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

type okTransport struct{}

func (okTransport) Name() string { return "ok" }
func (okTransport) Send(ctx context.Context, msg *mailer.Message) error {
	return nil
}

type env struct {
	store  *memory.Store
	router http.Handler
	listID int64
	subs   *service.SubscriberService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	signer := tracking.NewSigner("secret")

	campaigns := &service.CampaignService{
		CampaignRepo:   store.Campaigns(),
		ListRepo:       store.Lists(),
		SubscriberRepo: store.Subscribers(),
		QueueRepo:      store.Queue(),
		TrackingRepo:   store.Tracking(),
		Tracker:        tracking.Tracker{BaseURL: "https://t.example.com"},
		Signer:         signer,
		Options:        service.CampaignOptions{FromEmail: "news@example.com", TrackOpens: true, TrackClicks: true},
	}
	subs := &service.SubscriberService{
		SubscriberRepo: store.Subscribers(),
		ListRepo:       store.Lists(),
		QueueRepo:      store.Queue(),
		Signer:         signer,
		BaseURL:        "https://t.example.com",
		FromEmail:      "news@example.com",
	}
	queueSvc := &service.QueueService{QueueRepo: store.Queue(), DeliveryLog: store.DeliveryLog()}
	processor := &service.Processor{
		QueueRepo:    store.Queue(),
		CampaignRepo: store.Campaigns(),
		DeliveryLog:  store.DeliveryLog(),
		TrackingRepo: store.Tracking(),
		Transport:    okTransport{},
	}

	router := controller.AdminRouter(
		&controller.CampaignController{CampaignService: campaigns},
		&controller.SubscriberController{SubscriberService: subs},
		&controller.QueueController{QueueService: queueSvc, Processor: processor},
	)

	list, err := subs.CreateList(context.Background(), service.ListInput{Name: "Customers"})
	require.NoError(t, err)
	return &env{store: store, router: router, listID: list.ID, subs: subs}
}

func (e *env) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var res map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	}
	return w, res
}

func (e *env) createCampaign(t *testing.T, body map[string]any) int64 {
	t.Helper()
	if _, ok := body["list_id"]; !ok {
		body["list_id"] = e.listID
	}
	w, res := e.do(t, http.MethodPost, "/campaigns", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	campaign := res["campaign"].(map[string]any)
	return int64(campaign["id"].(float64))
}

func TestPersonalizedPreviewHandler(t *testing.T) {
	e := newEnv(t)
	sub, err := e.subs.Subscribe(context.Background(), e.listID, service.SubscribeInput{
		Email: "alice@example.com",
		Name:  "Alice Smith",
		Meta:  map[string]string{"preferred_product": "Shoes"},
	})
	require.NoError(t, err)
	id := e.createCampaign(t, map[string]any{
		"name":      "Promo",
		"subject":   "Hi {first_name}",
		"html_body": "<p>Hi {first_name} {last_name}, check out {preferred_product}!</p>",
	})

	w, res := e.do(t, http.MethodPost, "/campaigns/"+strconv.FormatInt(id, 10)+"/personalized-preview",
		map[string]any{"subscriber_id": sub.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	html, ok := res["html"].(string)
	require.True(t, ok, "html not found or not a string")
	assert.Contains(t, html, "Hi Alice Smith, check out Shoes!")
	assert.Equal(t, "Hi Alice", res["subject"])
}

func TestListCampaignsPagination(t *testing.T) {
	e := newEnv(t)
	totalCampaigns := 25
	for i := 1; i <= totalCampaigns; i++ {
		e.createCampaign(t, map[string]any{"name": "Campaign " + strconv.Itoa(i)})
	}

	pageSize := 10
	seen := map[int64]bool{}
	totalPages := (totalCampaigns + pageSize - 1) / pageSize

	for page := 1; page <= totalPages; page++ {
		req := httptest.NewRequest(http.MethodGet,
			"/campaigns?page="+strconv.Itoa(page)+"&page_size="+strconv.Itoa(pageSize)+"&status=draft", nil)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
			} `json:"pagination"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

		assert.Equal(t, page, res.Pagination.Page)
		assert.Equal(t, pageSize, res.Pagination.PageSize)
		assert.Equal(t, totalCampaigns, res.Pagination.TotalCount)

		for _, c := range res.Data {
			assert.False(t, seen[c.ID], "duplicate campaign ID %d across pages", c.ID)
			seen[c.ID] = true
			assert.Equal(t, model.CampaignDraft, c.Status)
		}
	}
	assert.Len(t, seen, totalCampaigns)
}

func TestSendCampaignErrorMapping(t *testing.T) {
	e := newEnv(t)

	w, res := e.do(t, http.MethodPost, "/campaigns/999/send", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, res["success"])

	w, _ = e.do(t, http.MethodPost, "/campaigns/abc/send", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	id := e.createCampaign(t, map[string]any{"name": "Empty", "subject": "Hi"})
	path := "/campaigns/" + strconv.FormatInt(id, 10)

	w, res = e.do(t, http.MethodPost, path+"/send", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, res["message"], "body is required")

	w, _ = e.do(t, http.MethodPost, path+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendPauseResumeFlow(t *testing.T) {
	e := newEnv(t)
	_, err := e.subs.Subscribe(context.Background(), e.listID, service.SubscribeInput{Email: "a@example.com"})
	require.NoError(t, err)
	id := e.createCampaign(t, map[string]any{"name": "Flow", "subject": "Hi", "text_body": "hello"})
	path := "/campaigns/" + strconv.FormatInt(id, 10)

	w, res := e.do(t, http.MethodPost, path+"/send", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, res["success"])
	assert.Equal(t, float64(1), res["messages_queued"])
	assert.Equal(t, model.CampaignSending, res["campaign"].(map[string]any)["status"])

	w, res = e.do(t, http.MethodPost, path+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), res["cancelled"])

	w, res = e.do(t, http.MethodPost, path+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(res["message"].(string), "campaign resumed"))

	w, res = e.do(t, http.MethodPost, "/queue/process", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := res["result"].(map[string]any)
	assert.Equal(t, float64(1), result["sent"])

	w, res = e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.CampaignSent, res["campaign"].(map[string]any)["status"])

	w, res = e.do(t, http.MethodGet, path+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), res["sent"])
}

func TestQueueEndpoints(t *testing.T) {
	e := newEnv(t)

	w, _ := e.do(t, http.MethodPost, "/queue", map[string]any{"to_email": "bad", "subject": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, res := e.do(t, http.MethodPost, "/queue", map[string]any{
		"to_email":   "a@example.com",
		"from_email": "ops@example.com",
		"subject":    "Receipt",
		"text_body":  "thanks",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := strconv.FormatInt(int64(res["message_id"].(float64)), 10)

	w, _ = e.do(t, http.MethodPost, "/queue/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "only failed messages can be retried")

	w, _ = e.do(t, http.MethodPost, "/queue/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(t, http.MethodPost, "/queue/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, res = e.do(t, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	counts := res["counts"].(map[string]any)
	assert.Equal(t, float64(1), counts[model.MessageCancelled])
}

func TestListAndSubscriberEndpoints(t *testing.T) {
	e := newEnv(t)
	listPath := "/lists/" + strconv.FormatInt(e.listID, 10)

	w, res := e.do(t, http.MethodPost, listPath+"/subscribers", map[string]any{"email": "New@Example.com", "name": "New"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := res["subscriber"].(map[string]any)
	assert.Equal(t, "new@example.com", sub["email"])
	subPath := "/subscribers/" + strconv.FormatInt(int64(sub["id"].(float64)), 10)

	w, _ = e.do(t, http.MethodPost, listPath+"/subscribers", map[string]any{"email": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = e.do(t, http.MethodGet, subPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(t, http.MethodDelete, subPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(t, http.MethodGet, subPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

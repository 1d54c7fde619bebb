package controller

import (
	"net/http"

	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// SubscriberController serves the admin list and subscriber endpoints.
type SubscriberController struct {
	SubscriberService *service.SubscriberService
	Logger            *observability.Logger
}

func (c *SubscriberController) CreateList(w http.ResponseWriter, r *http.Request) {
	var body service.ListInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	list, err := c.SubscriberService.CreateList(r.Context(), body)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusCreated, "list created", map[string]any{"list": list})
}

func (c *SubscriberController) ListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := c.SubscriberService.Lists(r.Context())
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": lists})
}

func (c *SubscriberController) GetList(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	list, err := c.SubscriberService.GetList(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "ok", map[string]any{"list": list})
}

func (c *SubscriberController) DeleteList(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.SubscriberService.DeleteList(r.Context(), id); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "list deleted", nil)
}

// Subscribe handles POST /lists/{id}/subscribers.
func (c *SubscriberController) Subscribe(w http.ResponseWriter, r *http.Request) {
	listID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	var body service.SubscribeInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	sub, err := c.SubscriberService.Subscribe(r.Context(), listID, body)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusCreated, "subscriber added", map[string]any{"subscriber": sub})
}

// AddMember handles PUT /lists/{id}/subscribers/{subscriberID}.
func (c *SubscriberController) AddMember(w http.ResponseWriter, r *http.Request) {
	listID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	subscriberID, err := pathID(r, "subscriberID")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.SubscriberService.AddMember(r.Context(), listID, subscriberID); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "member added", nil)
}

func (c *SubscriberController) RemoveMember(w http.ResponseWriter, r *http.Request) {
	listID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	subscriberID, err := pathID(r, "subscriberID")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.SubscriberService.RemoveMember(r.Context(), listID, subscriberID); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "member removed", nil)
}

func (c *SubscriberController) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	subs, total, err := c.SubscriberService.List(r.Context(), page, pageSize, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        subs,
		"total_count": total,
	})
}

func (c *SubscriberController) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	sub, err := c.SubscriberService.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "ok", map[string]any{"subscriber": sub})
}

func (c *SubscriberController) DeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.SubscriberService.Delete(r.Context(), id); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "subscriber deleted", nil)
}

// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"fmt"
	"net/http"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *observability.Logger
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	var body struct {
		SubscriberID     int64   `json:"subscriber_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	preview, err := c.CampaignService.PersonalizedPreview(r.Context(), campaignID, body.SubscriberID, body.OverrideTemplate)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject":       preview.Subject,
		"html":          preview.HTML,
		"text":          preview.Text,
		"used_template": body.OverrideTemplate,
		"subscriber_id": body.SubscriberID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	writeResult(w, http.StatusCreated, "campaign created", map[string]any{"campaign": campaign})
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	var body service.CampaignInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), id, body)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "campaign updated", map[string]any{"campaign": campaign})
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "campaign deleted", nil)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	writeResult(w, http.StatusOK, "ok", map[string]any{"campaign": campaign})
}

func (c *CampaignController) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	stats, err := c.CampaignService.Stats(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.Schedule(r.Context(), id, body.ScheduledAt)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "campaign scheduled", map[string]any{"campaign": campaign})
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	c.expand(w, r, c.CampaignService.Send, "queued")
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.expand(w, r, c.CampaignService.Resume, "resumed")
}

// expand runs a send or resume and answers with the refreshed campaign.
func (c *CampaignController) expand(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, id int64) (int, error), verb string) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	queued, err := run(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("campaign %s: %d messages queued", verb, queued), map[string]any{
		"campaign":        campaign,
		"messages_queued": queued,
	})
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	cancelled, err := c.CampaignService.Pause(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	campaign, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("campaign paused: %d pending messages cancelled", cancelled), map[string]any{
		"campaign":  campaign,
		"cancelled": cancelled,
	})
}

func (c *CampaignController) SendTest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if body.Email == "" {
		writeError(w, r, c.Logger, appErrors.NewValidation("email", "email is required"))
		return
	}

	msg, err := c.CampaignService.SendTest(r.Context(), id, body.Email)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "test message queued", map[string]any{"message_id": msg.ID})
}

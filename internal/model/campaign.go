// internal/model/campaign.go
package model

import "time"

const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignPaused    = "paused"
)

// EditableCampaignStatuses are the states in which content and target may change,
// and from which a campaign may be sent or deleted.
var EditableCampaignStatuses = []string{CampaignDraft, CampaignScheduled, CampaignPaused}

type Campaign struct {
	ID              int64      `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Subject         string     `db:"subject" json:"subject"`
	HTMLBody        string     `db:"html_body" json:"html_body"`
	TextBody        string     `db:"text_body" json:"text_body"`
	FromEmail       string     `db:"from_email" json:"from_email"`
	FromName        string     `db:"from_name" json:"from_name"`
	ListID          *int64     `db:"list_id" json:"list_id,omitempty"`
	Status          string     `db:"status" json:"status"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

func (c *Campaign) Editable() bool {
	for _, s := range EditableCampaignStatuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// CampaignStats is the engagement summary for one campaign.
type CampaignStats struct {
	CampaignID   int64       `json:"campaign_id"`
	Sent         int         `json:"sent"`
	Opens        int         `json:"opens"`
	Clicks       int         `json:"clicks"`
	Bounces      int         `json:"bounces"`
	Unsubscribes int         `json:"unsubscribes"`
	OpenRate     float64     `json:"open_rate"`
	ClickRate    float64     `json:"click_rate"`
	Links        []LinkStat  `json:"links"`
	Timeline     []DailyStat `json:"timeline"`
}

type LinkStat struct {
	URL    string `db:"link_url" json:"url"`
	Clicks int    `db:"clicks" json:"clicks"`
}

type DailyStat struct {
	Day       string `db:"day" json:"day"`
	EventType string `db:"event_type" json:"event_type"`
	Count     int    `db:"count" json:"count"`
}

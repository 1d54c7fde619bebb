// internal/model/events.go
package model

import "time"

const (
	EventSent        = "sent"
	EventOpen        = "open"
	EventClick       = "click"
	EventBounce      = "bounce"
	EventUnsubscribe = "unsubscribe"
)

type TrackingEvent struct {
	ID           int64     `db:"id" json:"id"`
	CampaignID   int64     `db:"campaign_id" json:"campaign_id"`
	SubscriberID int64     `db:"subscriber_id" json:"subscriber_id"`
	EventType    string    `db:"event_type" json:"event_type"`
	LinkURL      string    `db:"link_url" json:"link_url,omitempty"`
	IP           string    `db:"ip" json:"ip,omitempty"`
	UserAgent    string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DeliveryLogEntry is the append-only record of a terminal send attempt.
// Content fields are nil once the retention window has passed.
type DeliveryLogEntry struct {
	ID           int64      `db:"id" json:"id"`
	MessageID    int64      `db:"message_id" json:"message_id"`
	Status       string     `db:"status" json:"status"` // sent, failed
	ToEmail      string     `db:"to_email" json:"to_email"`
	FromEmail    string     `db:"from_email" json:"from_email"`
	Subject      *string    `db:"subject" json:"subject,omitempty"`
	HTMLBody     *string    `db:"html_body" json:"html_body,omitempty"`
	TextBody     *string    `db:"text_body" json:"text_body,omitempty"`
	Headers      *StringMap `db:"headers" json:"headers,omitempty"`
	Source       string     `db:"source" json:"source"`
	Transport    string     `db:"transport" json:"transport"`
	Attempts     int        `db:"attempts" json:"attempts"`
	Error        string     `db:"error" json:"error,omitempty"`
	CampaignID   *int64     `db:"campaign_id" json:"campaign_id,omitempty"`
	SubscriberID *int64     `db:"subscriber_id" json:"subscriber_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	PurgedAt     *time.Time `db:"purged_at" json:"purged_at,omitempty"`
}

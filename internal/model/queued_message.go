// internal/model/queued_message.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	MessagePending    = "pending"
	MessageProcessing = "processing"
	MessageSent       = "sent"
	MessageFailed     = "failed"
	MessageCancelled  = "cancelled"
)

// Priority levels; lower is more urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 3
	PriorityNormal   = 5
	PriorityBulk     = 10
)

const DefaultMaxAttempts = 3

// Source tags passed by callers at enqueue time.
const (
	SourceCampaign     = "campaign"
	SourceCampaignTest = "campaign_test"
	SourceConfirmation = "confirmation"
	SourceAPI          = "api"
)

type QueuedMessage struct {
	ID           int64          `db:"id" json:"id"`
	ToEmail      string         `db:"to_email" json:"to_email"`
	ToName       string         `db:"to_name" json:"to_name"`
	FromEmail    string         `db:"from_email" json:"from_email"`
	FromName     string         `db:"from_name" json:"from_name"`
	Subject      string         `db:"subject" json:"subject"`
	HTMLBody     string         `db:"html_body" json:"html_body"`
	TextBody     string         `db:"text_body" json:"text_body"`
	Headers      StringMap      `db:"headers" json:"headers,omitempty"`
	Attachments  AttachmentList `db:"attachments" json:"attachments,omitempty"`
	Status       string         `db:"status" json:"status"` // pending, processing, sent, failed, cancelled
	Priority     int            `db:"priority" json:"priority"`
	Attempts     int            `db:"attempts" json:"attempts"`
	MaxAttempts  int            `db:"max_attempts" json:"max_attempts"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
	Source       string         `db:"source" json:"source"`
	SubscriberID *int64         `db:"subscriber_id" json:"subscriber_id,omitempty"`
	CampaignID   *int64         `db:"campaign_id" json:"campaign_id,omitempty"`
	ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt       *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the row can no longer change.
func (m *QueuedMessage) Terminal() bool {
	return m.Status == MessageSent || m.Status == MessageCancelled || m.Status == MessageFailed
}

// AttachmentRef points at attachment content; the transport loads it at send time.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path"`
}

type AttachmentList []AttachmentRef

func (l AttachmentList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *AttachmentList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("attachment list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

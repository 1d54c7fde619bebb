// internal/model/subscriber.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	SubscriberPending      = "pending"
	SubscriberSubscribed   = "subscribed"
	SubscriberUnsubscribed = "unsubscribed"
	SubscriberBounced      = "bounced"
)

const (
	BounceNone      = "none"
	BounceSoft      = "soft"
	BounceHard      = "hard"
	BounceComplaint = "complaint"
)

// SoftBounceLimit is the cumulative bounce count at which a subscriber is marked bounced.
const SoftBounceLimit = 3

type Subscriber struct {
	ID                int64     `db:"id" json:"id"`
	Email             string    `db:"email" json:"email"`
	Name              string    `db:"name" json:"name"`
	Status            string    `db:"status" json:"status"`
	BounceStatus      string    `db:"bounce_status" json:"bounce_status"`
	BounceCount       int       `db:"bounce_count" json:"bounce_count"`
	ConfirmationToken *string   `db:"confirmation_token" json:"-"`
	Meta              StringMap `db:"meta" json:"meta,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Sendable reports whether campaign mail may go to this subscriber.
func (s *Subscriber) Sendable() bool {
	return s.Status == SubscriberSubscribed && s.BounceStatus != BounceHard
}

type SubscriberList struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DoubleOptIn bool      `db:"double_opt_in" json:"double_opt_in"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// StringMap is a string map persisted as a JSON column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("string map: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

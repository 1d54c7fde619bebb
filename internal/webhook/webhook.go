// Package webhook turns provider callbacks into normalized delivery events.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const SignatureHeader = "X-Webhook-Signature"

// Event kinds.
const (
	KindBounced      = "bounced"
	KindFailed       = "failed"
	KindComplained   = "complained"
	KindUnsubscribed = "unsubscribed"
	KindDelivered    = "delivered"
	KindOpened       = "opened"
	KindClicked      = "clicked"
)

var (
	ErrBadSignature    = errors.New("webhook signature could not be verified")
	ErrUnknownProvider = errors.New("unknown webhook provider")
	ErrMalformed       = errors.New("malformed webhook body")
)

// Event is one provider callback in provider-neutral form.
type Event struct {
	Kind         string
	Email        string
	CampaignID   int64
	SubscriberID int64
	URL          string
	Hard         bool
}

// Parser decodes a provider body into events. Unrecognized event types are skipped.
type Parser func(body []byte) ([]Event, error)

var parsers = map[string]Parser{
	"generic": ParseGeneric,
	"resend":  ParseResend,
}

// Parse dispatches to the named provider's parser.
func Parse(provider string, body []byte) ([]Event, error) {
	p, ok := parsers[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return p(body)
}

// Verify checks the hex HMAC-SHA256 of body. An empty secret accepts everything.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

type genericEvent struct {
	Event        string  `json:"event"`
	Email        string  `json:"email"`
	CampaignID   flexInt `json:"campaign_id"`
	SubscriberID flexInt `json:"subscriber_id"`
	URL          string  `json:"url"`
	Severity     string  `json:"severity"`
}

// ParseGeneric accepts one event object or an array of them.
func ParseGeneric(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)
	var raw []genericEvent
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var one genericEvent
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = []genericEvent{one}
	}

	out := make([]Event, 0, len(raw))
	for _, g := range raw {
		kind := normalizeKind(g.Event)
		if kind == "" || g.Email == "" {
			continue
		}
		out = append(out, Event{
			Kind:         kind,
			Email:        strings.TrimSpace(g.Email),
			CampaignID:   int64(g.CampaignID),
			SubscriberID: int64(g.SubscriberID),
			URL:          g.URL,
			Hard:         isHard(kind, g.Severity),
		})
	}
	return out, nil
}

type resendEnvelope struct {
	Type string `json:"type"`
	Data struct {
		To     flexStrings     `json:"to"`
		Tags   json.RawMessage `json:"tags"`
		Bounce struct {
			Type string `json:"type"`
		} `json:"bounce"`
		Click struct {
			Link string `json:"link"`
		} `json:"click"`
	} `json:"data"`
}

var resendKinds = map[string]string{
	"email.bounced":    KindBounced,
	"email.complained": KindComplained,
	"email.delivered":  KindDelivered,
	"email.opened":     KindOpened,
	"email.clicked":    KindClicked,
	"email.failed":     KindFailed,
}

// ParseResend reads Resend's {"type":"email.*","data":{...}} envelope.
// Campaign and subscriber hints come from the campaign_id and subscriber_id tags.
func ParseResend(body []byte) ([]Event, error) {
	var env resendEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := resendKinds[env.Type]
	if kind == "" {
		return nil, nil
	}
	tags := parseTags(env.Data.Tags)
	campaignID, _ := strconv.ParseInt(tags["campaign_id"], 10, 64)
	subscriberID, _ := strconv.ParseInt(tags["subscriber_id"], 10, 64)
	hard := kind == KindBounced && !strings.EqualFold(env.Data.Bounce.Type, "transient")

	out := make([]Event, 0, len(env.Data.To))
	for _, to := range env.Data.To {
		out = append(out, Event{
			Kind:         kind,
			Email:        to,
			CampaignID:   campaignID,
			SubscriberID: subscriberID,
			URL:          env.Data.Click.Link,
			Hard:         hard,
		})
	}
	return out, nil
}

func normalizeKind(event string) string {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "bounce", "bounced":
		return KindBounced
	case "fail", "failed", "dropped":
		return KindFailed
	case "complaint", "complained", "spam", "spamreport":
		return KindComplained
	case "unsubscribe", "unsubscribed":
		return KindUnsubscribed
	case "delivered", "delivery":
		return KindDelivered
	case "open", "opened":
		return KindOpened
	case "click", "clicked":
		return KindClicked
	}
	return ""
}

// isHard decides bounce severity. A bounce without a severity is hard; a
// failure without one is soft.
func isHard(kind, severity string) bool {
	switch strings.ToLower(severity) {
	case "hard", "permanent":
		return true
	case "soft", "transient", "temporary":
		return false
	}
	return kind == KindBounced
}

// parseTags accepts {"k":"v"} or [{"name":"k","value":"v"}].
func parseTags(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	var list []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, t := range list {
			out[t.Name] = t.Value
		}
	}
	return out
}

// flexInt decodes a JSON number or numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexStrings decodes a string or an array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*f = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

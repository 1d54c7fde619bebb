package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// ErrBadToken is returned for any tracking segment that does not decode.
var ErrBadToken = errors.New("invalid tracking token")

// Payload identifies who a tracking URL belongs to, plus the original link for clicks.
type Payload struct {
	CampaignID   int64  `json:"c"`
	SubscriberID int64  `json:"s"`
	URL          string `json:"u,omitempty"`
}

// Encode serializes p into a URL-safe, unpadded base64 path segment.
func Encode(p Payload) string {
	b, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode reverses Encode. Padding is optional.
func Decode(segment string) (Payload, error) {
	var p Payload
	segment = strings.TrimRight(strings.TrimSpace(segment), "=")
	if segment == "" {
		return p, ErrBadToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return p, ErrBadToken
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrBadToken
	}
	if p.CampaignID <= 0 || p.SubscriberID <= 0 {
		return p, ErrBadToken
	}
	return p, nil
}

// Signer derives per-address unsubscribe tokens. They are unrelated to
// confirmation tokens and need no storage.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Token(email string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("unsubscribe:" + strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func (s *Signer) Verify(email, token string) bool {
	return hmac.Equal([]byte(s.Token(email)), []byte(strings.ToLower(token)))
}

// UnsubscribeURL is the public link for one address.
func (s *Signer) UnsubscribeURL(baseURL, email string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", s.Token(email))
	return baseURL + "/unsubscribe?" + q.Encode()
}

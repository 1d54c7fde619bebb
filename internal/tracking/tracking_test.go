package tracking

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Payload{CampaignID: 5, SubscriberID: 42, URL: "https://x"}
	seg := Encode(in)
	assert.NotContains(t, seg, "=")
	assert.NotContains(t, seg, "+")
	assert.NotContains(t, seg, "/")

	out, err := Decode(seg)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeToleratesPadding(t *testing.T) {
	raw := []byte(`{"c":1,"s":2}`)
	padded := base64.URLEncoding.EncodeToString(raw)
	require.True(t, strings.HasSuffix(padded, "="))

	out, err := Decode(padded)
	require.NoError(t, err)
	assert.Equal(t, Payload{CampaignID: 1, SubscriberID: 2}, out)
}

func TestDecodeGarbage(t *testing.T) {
	for _, seg := range []string{
		"",
		"!!!not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"c":0,"s":1}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"c":"x","s":1}`)),
	} {
		_, err := Decode(seg)
		assert.ErrorIs(t, err, ErrBadToken, "segment %q", seg)
	}
}

func TestRewriteLinks(t *testing.T) {
	tr := Tracker{BaseURL: "https://mail.example.com"}
	body := `<a href="https://shop.example.com/?a=1&amp;b=2">shop</a>
<a href='http://blog.example.com'>blog</a>
<a href="#top">top</a>
<a href="mailto:hi@example.com">mail</a>
<a href="tel:+123">call</a>
<a href="https://mail.example.com/unsubscribe?email=a&token=b">unsubscribe</a>`

	out := tr.RewriteLinks(body, 3, 9)

	assert.Contains(t, out, `href="#top"`)
	assert.Contains(t, out, `href="mailto:hi@example.com"`)
	assert.Contains(t, out, `href="tel:+123"`)
	assert.Contains(t, out, `href="https://mail.example.com/unsubscribe?email=a&token=b"`)
	assert.NotContains(t, out, "shop.example.com/?a=1")
	assert.Equal(t, 2, strings.Count(out, "https://mail.example.com/track/click/"))

	seg := strings.SplitN(strings.SplitN(out, "/track/click/", 2)[1], `"`, 2)[0]
	p, err := Decode(seg)
	require.NoError(t, err)
	assert.Equal(t, Payload{CampaignID: 3, SubscriberID: 9, URL: "https://shop.example.com/?a=1&b=2"}, p)
}

func TestInjectPixel(t *testing.T) {
	out := InjectPixel("<html><body><p>hi</p></BODY></html>", "https://t/p")
	assert.Contains(t, out, `<img src="https://t/p"`)
	assert.True(t, strings.Index(out, "<img") < strings.Index(out, "</BODY>"))

	appended := InjectPixel("<p>fragment</p>", "https://t/p")
	assert.True(t, strings.HasSuffix(appended, `border:0" />`))
}

func TestSignerVerify(t *testing.T) {
	s := NewSigner("secret")
	tok := s.Token("Alice@Example.com")
	assert.True(t, s.Verify("alice@example.com", tok), "case-insensitive address")
	assert.False(t, s.Verify("bob@example.com", tok))
	assert.False(t, NewSigner("other").Verify("alice@example.com", tok))

	u := s.UnsubscribeURL("https://m.example.com", "alice@example.com")
	assert.True(t, IsUnsubscribeLink(u))
}

func TestSafeRedirect(t *testing.T) {
	assert.Equal(t, "https://x.example.com/a", SafeRedirect("https://x.example.com/a", "/"))
	assert.Equal(t, "/", SafeRedirect("javascript:alert(1)", "/"))
	assert.Equal(t, "/", SafeRedirect("", "/"))
	assert.Equal(t, "/", SafeRedirect("//evil", "/"))
}

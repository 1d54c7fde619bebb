package tracking

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Pixel is a 1x1 transparent GIF.
var Pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Tracker builds tracking URLs under BaseURL and rewrites HTML bodies.
type Tracker struct {
	BaseURL string
}

func (t Tracker) OpenURL(campaignID, subscriberID int64) string {
	return t.BaseURL + "/track/open/" + Encode(Payload{CampaignID: campaignID, SubscriberID: subscriberID})
}

func (t Tracker) ClickURL(campaignID, subscriberID int64, target string) string {
	return t.BaseURL + "/track/click/" + Encode(Payload{CampaignID: campaignID, SubscriberID: subscriberID, URL: target})
}

var (
	reHrefDouble = regexp.MustCompile(`(?i)(href\s*=\s*")([^"]*)(")`)
	reHrefSingle = regexp.MustCompile(`(?i)(href\s*=\s*')([^']*)(')`)
	reBodyClose  = regexp.MustCompile(`(?i)</body\s*>`)
)

// RewriteLinks routes every trackable http(s) link through the click endpoint.
// Anchors, mailto:, tel:, unsubscribe links and links already pointing at the
// tracker are left alone.
func (t Tracker) RewriteLinks(body string, campaignID, subscriberID int64) string {
	rewrite := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			parts := re.FindStringSubmatch(m)
			target := html.UnescapeString(strings.TrimSpace(parts[2]))
			if !t.trackable(target) {
				return m
			}
			return parts[1] + html.EscapeString(t.ClickURL(campaignID, subscriberID, target)) + parts[3]
		})
	}
	body = rewrite(reHrefDouble, body)
	return rewrite(reHrefSingle, body)
}

func (t Tracker) trackable(target string) bool {
	lower := strings.ToLower(target)
	switch {
	case target == "", strings.HasPrefix(target, "#"):
		return false
	case strings.HasPrefix(lower, "mailto:"), strings.HasPrefix(lower, "tel:"):
		return false
	case IsUnsubscribeLink(lower):
		return false
	case t.BaseURL != "" && strings.HasPrefix(target, t.BaseURL+"/track/"):
		return false
	}
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// IsUnsubscribeLink reports whether a link is an unsubscribe link.
func IsUnsubscribeLink(link string) bool {
	lower := strings.ToLower(link)
	return strings.Contains(lower, "/unsubscribe") || strings.Contains(lower, "unsubscribe=")
}

// InjectPixel inserts an open-tracking image before </body>, or appends it.
func InjectPixel(body, pixelURL string) string {
	img := `<img src="` + html.EscapeString(pixelURL) + `" width="1" height="1" alt="" style="display:none;border:0" />`
	return InsertBeforeBodyEnd(body, img)
}

// InsertBeforeBodyEnd places snippet before the last </body>, or at the end.
func InsertBeforeBodyEnd(body, snippet string) string {
	locs := reBodyClose.FindAllStringIndex(body, -1)
	if len(locs) == 0 {
		return body + snippet
	}
	at := locs[len(locs)-1][0]
	return body[:at] + snippet + body[at:]
}

// SafeRedirect returns target when it is an absolute http(s) URL, else fallback.
func SafeRedirect(target, fallback string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fallback
	}
	return u.String()
}

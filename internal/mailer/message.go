package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type Address struct {
	Name  string
	Email string
}

// Message is one outbound email as handed to a Transport.
type Message struct {
	From        Address
	To          []Address
	Subject     string
	HTML        string
	Text        string
	Headers     map[string]string
	Attachments []model.AttachmentRef
}

// FromQueued converts a queue row into a transport message.
func FromQueued(m *model.QueuedMessage) *Message {
	return &Message{
		From:        Address{Name: m.FromName, Email: m.FromEmail},
		To:          []Address{{Name: m.ToName, Email: m.ToEmail}},
		Subject:     m.Subject,
		HTML:        m.HTMLBody,
		Text:        m.TextBody,
		Headers:     m.Headers,
		Attachments: m.Attachments,
	}
}

func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, a := range m.To {
		out = append(out, a.Email)
	}
	return out
}

// Attachment is loaded attachment content.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// headers the builder owns; callers cannot override them
var reservedHeaders = map[string]bool{
	"from": true, "to": true, "subject": true, "date": true, "message-id": true,
	"mime-version": true, "content-type": true, "content-transfer-encoding": true,
}

// Build renders the message in RFC 5322 form with CRLF line endings:
// multipart/alternative for text+HTML, wrapped in multipart/mixed when
// attachments are present.
func Build(msg *Message, attachments []Attachment, domain string) ([]byte, error) {
	if msg.From.Email == "" {
		return nil, fmt.Errorf("build message: missing from address")
	}
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("build message: no recipients")
	}
	text := msg.Text
	if text == "" && msg.HTML != "" {
		text = HTMLToText(msg.HTML)
	}
	if domain == "" {
		domain = domainOf(msg.From.Email)
	}

	var b bytes.Buffer
	writeHeader(&b, "From", formatAddress(msg.From))
	to := make([]string, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, formatAddress(a))
	}
	writeHeader(&b, "To", strings.Join(to, ", "))
	writeHeader(&b, "Subject", encodeHeader(msg.Subject))
	writeHeader(&b, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&b, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	writeHeader(&b, "MIME-Version", "1.0")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if !ValidHeaderName(k) {
			return nil, fmt.Errorf("build message: invalid header name %q", k)
		}
		if !reservedHeaders[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&b, k, encodeHeader(msg.Headers[k]))
	}

	if len(attachments) == 0 {
		if err := writeBody(&b, text, msg.HTML); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}

	mixed := boundary("mixed")
	writeHeader(&b, "Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mixed))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s\r\n", mixed)
	if err := writeBody(&b, text, msg.HTML); err != nil {
		return nil, err
	}
	for _, att := range attachments {
		fmt.Fprintf(&b, "--%s\r\n", mixed)
		writeAttachment(&b, att)
	}
	fmt.Fprintf(&b, "--%s--\r\n", mixed)
	return b.Bytes(), nil
}

// writeBody emits the Content-Type header and the body for text and/or HTML.
func writeBody(b *bytes.Buffer, text, htmlBody string) error {
	if text != "" && htmlBody != "" {
		alt := boundary("alt")
		writeHeader(b, "Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, alt))
		b.WriteString("\r\n")
		fmt.Fprintf(b, "--%s\r\n", alt)
		if err := writeTextPart(b, "text/plain", text); err != nil {
			return err
		}
		fmt.Fprintf(b, "--%s\r\n", alt)
		if err := writeTextPart(b, "text/html", htmlBody); err != nil {
			return err
		}
		fmt.Fprintf(b, "--%s--\r\n", alt)
		return nil
	}
	if htmlBody != "" {
		return writeTextPart(b, "text/html", htmlBody)
	}
	return writeTextPart(b, "text/plain", text)
}

func writeTextPart(b *bytes.Buffer, contentType, body string) error {
	writeHeader(b, "Content-Type", contentType+"; charset=UTF-8")
	writeHeader(b, "Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")
	qp := quotedprintable.NewWriter(b)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode %s part: %w", contentType, err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("encode %s part: %w", contentType, err)
	}
	b.WriteString("\r\n")
	return nil
}

func writeAttachment(b *bytes.Buffer, att Attachment) {
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	name := encodeHeader(att.Filename)
	writeHeader(b, "Content-Type", fmt.Sprintf(`%s; name="%s"`, ct, name))
	writeHeader(b, "Content-Transfer-Encoding", "base64")
	writeHeader(b, "Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	b.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString(att.Data)
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if encoded != "" {
		b.WriteString(encoded)
		b.WriteString("\r\n")
	}
}

// ValidHeaderName reports whether k is an RFC 5322 field name: printable
// ASCII without spaces or colons.
func ValidHeaderName(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		if c := k[i]; c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(stripCRLF(value))
	b.WriteString("\r\n")
}

// encodeHeader B-encodes values that are not plain ASCII.
func encodeHeader(v string) string {
	v = stripCRLF(v)
	if isASCII(v) {
		return v
	}
	return bEncode(v)
}

// bEncode produces =?UTF-8?B?...?= encoded words.
func bEncode(v string) string {
	return strings.ReplaceAll(mime.BEncoding.Encode("UTF-8", v), "=?UTF-8?b?", "=?UTF-8?B?")
}

func formatAddress(a Address) string {
	if a.Name == "" {
		return a.Email
	}
	if isASCII(a.Name) {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}
	return fmt.Sprintf("%s <%s>", bEncode(a.Name), a.Email)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func stripCRLF(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

func boundary(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}

var (
	reHiddenBlocks = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	reLineBreaks   = regexp.MustCompile(`(?i)<br\s*/?>|</p\s*>|</div\s*>|</h[1-6]\s*>|</li\s*>|</tr\s*>`)
	reTags         = regexp.MustCompile(`<[^>]*>`)
	reBlankRuns    = regexp.MustCompile(`\n{3,}`)
	reTrailingWS   = regexp.MustCompile(`[ \t]+\n`)
)

// HTMLToText derives a plain-text alternative from an HTML body.
func HTMLToText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reHiddenBlocks.ReplaceAllString(s, "")
	s = reLineBreaks.ReplaceAllString(s, "\n")
	s = reTags.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = reTrailingWS.ReplaceAllString(s, "\n")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

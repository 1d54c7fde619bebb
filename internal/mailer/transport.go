package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/resendlabs/resend-go"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

const maxAttachmentBytes = 10 << 20

// Transport delivers one message. A returned error is a failed attempt.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// SMTPTransport builds the MIME message and hands it to the raw SMTP client.
type SMTPTransport struct {
	client     *SMTPClient
	domain     string
	httpClient *http.Client
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		client:     NewSMTPClient(cfg),
		domain:     cfg.HeloName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	atts, err := LoadAttachments(ctx, t.httpClient, msg.Attachments)
	if err != nil {
		return err
	}
	raw, err := Build(msg, atts, t.domain)
	if err != nil {
		return err
	}
	return t.client.Send(ctx, msg.From.Email, msg.Recipients(), raw)
}

// LoadAttachments reads each reference: a local path, a data: URI, or an http(s) URL.
func LoadAttachments(ctx context.Context, hc *http.Client, refs []model.AttachmentRef) ([]Attachment, error) {
	out := make([]Attachment, 0, len(refs))
	for _, ref := range refs {
		data, ct, err := loadAttachment(ctx, hc, ref.Path)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", ref.Filename, err)
		}
		name := ref.Filename
		if name == "" {
			name = filepath.Base(ref.Path)
		}
		if ref.ContentType != "" {
			ct = ref.ContentType
		}
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(name))
		}
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		out = append(out, Attachment{Filename: name, ContentType: ct, Data: data})
	}
	return out, nil
}

func loadAttachment(ctx context.Context, hc *http.Client, path string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(path, "data:"):
		return decodeDataURI(path)
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
		if err != nil {
			return nil, "", err
		}
		if len(data) > maxAttachmentBytes {
			return nil, "", fmt.Errorf("larger than %d bytes", maxAttachmentBytes)
		}
		return data, resp.Header.Get("Content-Type"), nil
	default:
		data, err := os.ReadFile(path)
		return data, "", err
	}
}

func decodeDataURI(uri string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	ct := strings.TrimSuffix(meta, ";base64")
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		return data, ct, err
	}
	return []byte(payload), ct, nil
}

// ResendTransport sends through the Resend HTTP API.
type ResendTransport struct {
	client *resend.Client
}

// ResendOption adjusts the underlying client.
type ResendOption func(*resend.Client) error

// WithResendBaseURL points the client at another API root, such as a test server.
func WithResendBaseURL(raw string) ResendOption {
	return func(c *resend.Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid resend base url: %w", err)
		}
		c.BaseURL = u
		return nil
	}
}

func NewResendTransport(apiKey string, opts ...ResendOption) (*ResendTransport, error) {
	client := resend.NewClient(apiKey)
	if client == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return &ResendTransport{client: client}, nil
}

func (t *ResendTransport) Name() string { return "resend" }

func (t *ResendTransport) Send(ctx context.Context, msg *Message) error {
	if len(msg.Attachments) > 0 {
		return fmt.Errorf("resend transport: attachments are not supported")
	}
	to := make([]string, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, formatAddress(a))
	}
	text := msg.Text
	if text == "" && msg.HTML != "" {
		text = HTMLToText(msg.HTML)
	}
	params := &resend.SendEmailRequest{
		From:    formatAddress(msg.From),
		To:      to,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    text,
		Headers: msg.Headers,
	}

	// The client call is blocking; ctx is honoured before the request starts.
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := t.client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	if res.Id == "" {
		return fmt.Errorf("resend: empty response id")
	}
	return nil
}

var (
	_ Transport = (*SMTPTransport)(nil)
	_ Transport = (*ResendTransport)(nil)
)

// internal/handler/public_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/webhook"
)

const maxWebhookBytes = 1 << 20

// PublicHandler serves the unauthenticated endpoints that recipients and
// providers reach: tracking, opt-in and opt-out, and webhooks. None of them
// reveal whether an address or token exists.
type PublicHandler struct {
	Tracking       *service.TrackingService
	Subscribers    *service.SubscriberService
	WebhookSecrets map[string]string
	Logger         *observability.Logger
}

// NewPublicHandler creates a PublicHandler with the given services
func NewPublicHandler(tracking *service.TrackingService, subscribers *service.SubscriberService, secrets map[string]string, logger *observability.Logger) *PublicHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PublicHandler{
		Tracking:       tracking,
		Subscribers:    subscribers,
		WebhookSecrets: secrets,
		Logger:         logger,
	}
}

// Routes mounts the public endpoints on r.
func (h *PublicHandler) Routes(r chi.Router) {
	r.Get("/track/open/{data}", h.TrackOpenHandler)
	r.Get("/track/click/{data}", h.TrackClickHandler)
	r.Get("/unsubscribe", h.UnsubscribeHandler)
	r.Post("/unsubscribe", h.UnsubscribeHandler)
	r.Get("/confirm/{token}", h.ConfirmHandler)
	r.Post("/webhooks/{provider}", h.WebhookHandler)
}

func visitor(r *http.Request) service.Visitor {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.Visitor{IP: ip, UserAgent: r.UserAgent()}
}

// TrackOpenHandler always answers with the pixel.
func (h *PublicHandler) TrackOpenHandler(w http.ResponseWriter, r *http.Request) {
	h.Tracking.RecordOpen(r.Context(), chi.URLParam(r, "data"), visitor(r))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(tracking.Pixel)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(tracking.Pixel)
}

// TrackClickHandler records the click and redirects to the original link.
func (h *PublicHandler) TrackClickHandler(w http.ResponseWriter, r *http.Request) {
	target := h.Tracking.RecordClick(r.Context(), chi.URLParam(r, "data"), visitor(r))
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// UnsubscribeHandler serves both the footer link (GET) and RFC 8058 one-click
// requests (POST). Parameters may come from the query string or a form body.
func (h *PublicHandler) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	email := r.Form.Get("email")
	token := r.Form.Get("token")

	err := h.Subscribers.Unsubscribe(r.Context(), email, token)
	switch {
	case err == nil, appErrors.IsNotFound(err):
		// Unknown addresses with a valid token look the same as a success.
		h.page(w, http.StatusOK, "Unsubscribed", "You will no longer receive these emails.")
	case appErrors.IsValidation(err):
		h.page(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is not valid.")
	default:
		h.Logger.Error(r.Context(), "unsubscribe failed", err)
		h.page(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.")
	}
}

// ConfirmHandler completes a double opt-in.
func (h *PublicHandler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	_, err := h.Subscribers.Confirm(r.Context(), chi.URLParam(r, "token"))
	switch {
	case err == nil:
		h.page(w, http.StatusOK, "Subscription confirmed", "Thanks for confirming your subscription.")
	case appErrors.IsNotFound(err), appErrors.IsValidation(err):
		h.page(w, http.StatusNotFound, "Link expired", "This confirmation link is invalid or was already used.")
	default:
		h.Logger.Error(r.Context(), "confirmation failed", err)
		h.page(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.")
	}
}

// WebhookHandler verifies, parses and applies a provider callback.
func (h *PublicHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	ctx := observability.WithFields(r.Context(), observability.Field{Key: "provider", Value: provider})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read body"})
		return
	}

	if err := webhook.Verify(h.WebhookSecrets[provider], body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		h.Logger.Warn(ctx, "webhook signature rejected")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	events, err := webhook.Parse(provider, body)
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	processed, err := h.Tracking.ApplyWebhookEvents(ctx, provider, events)
	if err != nil {
		h.Logger.Error(ctx, "webhook processing failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error", "processed": processed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;max-width:32rem;margin:4rem auto;text-align:center">
<h1>{{.Title}}</h1><p>{{.Body}}</p>
</body></html>`))

func (h *PublicHandler) page(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	pageTemplate.Execute(w, struct{ Title, Body string }{title, body})
}

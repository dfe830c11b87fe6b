package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	custommw "github.com/gatehouse-io/gatehouse/internal/api/middleware"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

// WebhookHandler manages subscriber registrations. Every route is
// owner-scoped: a caller only ever sees their own webhooks.
type WebhookHandler struct {
	srv *Server
}

type webhookView struct {
	ID                  uuid.UUID `json:"id"`
	URL                 string    `json:"url"`
	Events              []string  `json:"events"`
	Active              bool      `json:"active"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func viewOf(w *store.Webhook) webhookView {
	return webhookView{
		ID:                  w.ID,
		URL:                 w.URL,
		Events:              w.Events,
		Active:              w.Active,
		SuccessCount:        w.SuccessCount,
		FailureCount:        w.FailureCount,
		ConsecutiveFailures: w.ConsecutiveFailures,
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func validateSubscription(rawURL string, patterns []string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "url must be a valid http(s) endpoint"
	}
	if len(patterns) == 0 {
		return "at least one event pattern is required"
	}
	for _, p := range patterns {
		if p == "" {
			return "empty event pattern"
		}
	}
	return ""
}

// Create registers a webhook. The signing secret is generated here and
// returned exactly once.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateSubscription(req.URL, req.Events); msg != "" {
		helpers.RespondError(w, http.StatusBadRequest, msg)
		return
	}

	secret, err := secure.GenerateSecureToken(32)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}

	claims := custommw.MustGetClaims(r.Context())
	now := time.Now()
	wh := &store.Webhook{
		ID:        uuid.New(),
		OwnerID:   claims.UserID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.srv.Webhooks.Create(r.Context(), wh); err != nil {
		h.srv.Logger.Error("webhook_create_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	h.srv.Bus.TryPublish(r.Context(), events.WebhookRegistered, &claims.UserID,
		middleware.GetReqID(r.Context()), map[string]any{"webhook_id": wh.ID})

	body := map[string]any{"webhook": viewOf(wh), "secret": secret}
	helpers.RespondJSON(w, http.StatusCreated, body)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	hooks, err := h.srv.Webhooks.ListByOwner(r.Context(), claims.UserID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	views := make([]webhookView, 0, len(hooks))
	for i := range hooks {
		views = append(views, viewOf(&hooks[i]))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"webhooks": views})
}

// ownedWebhook loads the webhook and enforces ownership.
func (h *WebhookHandler) ownedWebhook(w http.ResponseWriter, r *http.Request) *store.Webhook {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid webhook id")
		return nil
	}
	wh, err := h.srv.Webhooks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrWebhookNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "webhook not found")
		} else {
			helpers.RespondError(w, http.StatusInternalServerError, "failed to load webhook")
		}
		return nil
	}
	claims := custommw.MustGetClaims(r.Context())
	if wh.OwnerID != claims.UserID {
		// Hide existence from non-owners.
		helpers.RespondError(w, http.StatusNotFound, "webhook not found")
		return nil
	}
	return wh
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	wh := h.ownedWebhook(w, r)
	if wh == nil {
		return
	}
	helpers.RespondJSON(w, http.StatusOK, viewOf(wh))
}

type updateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	wh := h.ownedWebhook(w, r)
	if wh == nil {
		return
	}
	var req updateWebhookRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateSubscription(req.URL, req.Events); msg != "" {
		helpers.RespondError(w, http.StatusBadRequest, msg)
		return
	}
	if err := h.srv.Webhooks.Update(r.Context(), wh.ID, req.URL, req.Events, req.Active); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	claims := custommw.MustGetClaims(r.Context())
	h.srv.Bus.TryPublish(r.Context(), events.WebhookUpdated, &claims.UserID,
		middleware.GetReqID(r.Context()), map[string]any{"webhook_id": wh.ID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	wh := h.ownedWebhook(w, r)
	if wh == nil {
		return
	}
	if err := h.srv.Webhooks.Delete(r.Context(), wh.ID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	claims := custommw.MustGetClaims(r.Context())
	h.srv.Bus.TryPublish(r.Context(), events.WebhookDeleted, &claims.UserID,
		middleware.GetReqID(r.Context()), map[string]any{"webhook_id": wh.ID})
	w.WriteHeader(http.StatusNoContent)
}

// RotateSecret issues a fresh signing secret, returned exactly once.
func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	wh := h.ownedWebhook(w, r)
	if wh == nil {
		return
	}
	secret, err := secure.GenerateSecureToken(32)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	if err := h.srv.Webhooks.RotateSecret(r.Context(), wh.ID, secret); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	wh := h.ownedWebhook(w, r)
	if wh == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := h.srv.Webhooks.ListAttempts(r.Context(), wh.ID, limit)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"deliveries": attempts})
}

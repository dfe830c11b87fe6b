package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/oauth"
)

// OAuthHandler runs the federated login flow.
type OAuthHandler struct {
	srv *Server
}

// Begin redirects the client to the provider's authorization page.
func (h *OAuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	authURL, _, err := h.srv.OAuth.Begin(provider)
	if err != nil {
		helpers.RespondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback finishes the code exchange and hands the verified identity to
// the auth pipeline; risk and MFA gating still apply.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		helpers.RespondError(w, http.StatusBadRequest, "missing state or code")
		return
	}

	identity, err := h.srv.OAuth.Complete(r.Context(), provider, state, code)
	if err != nil {
		if errors.Is(err, oauth.ErrStateMismatch) {
			helpers.RespondAuthError(w, auth.ErrKind(auth.KindOAuthStateMismatch))
			return
		}
		h.srv.Logger.Error("oauth_callback_failed", "provider", provider, "error", err)
		helpers.RespondError(w, http.StatusBadGateway, "provider exchange failed")
		return
	}
	if !identity.Verified {
		helpers.RespondAuthError(w, auth.ErrKind(auth.KindAccountNotVerified))
		return
	}

	res := h.srv.Auth.Authenticate(r.Context(), auth.Credentials{
		Kind:              auth.CredOAuthCallback,
		Email:             identity.Email,
		Provider:          identity.Provider,
		DeviceFingerprint: r.URL.Query().Get("device_fingerprint"),
		IP:                helpers.GetRealIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     middleware.GetReqID(r.Context()),
	})

	switch res.Status {
	case auth.StatusSuccess:
		helpers.RespondJSON(w, http.StatusOK, tokensOf(res))
	case auth.StatusMFARequired:
		helpers.RespondJSON(w, http.StatusAccepted, map[string]any{
			"status":    "mfa_required",
			"challenge": res.Challenge,
		})
	default:
		helpers.RespondAuthError(w, res.Err)
	}
}

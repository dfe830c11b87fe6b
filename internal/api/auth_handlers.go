package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// AuthHandler serves the credential endpoints.
type AuthHandler struct {
	srv *Server
}

type loginRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresAt        int64  `json:"expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	SessionID        string `json:"session_id"`
	RiskScore        int    `json:"risk_score"`
}

func tokensOf(res auth.Result) tokenResponse {
	return tokenResponse{
		AccessToken:      res.Tokens.AccessToken,
		RefreshToken:     res.Tokens.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        res.Tokens.AccessExpiresAt.Unix(),
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt.Unix(),
		SessionID:        res.Session.ID.String(),
		RiskScore:        res.Risk.OverallScore,
	}
}

// respondResult maps an authentication result onto the wire.
func (h *AuthHandler) respondResult(w http.ResponseWriter, res auth.Result) {
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

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.srv.Auth.Authenticate(r.Context(), auth.Credentials{
		Kind:              auth.CredPassword,
		Email:             req.Email,
		Password:          req.Password,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                helpers.GetRealIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     middleware.GetReqID(r.Context()),
	})

	ip := helpers.GetRealIP(r)
	if res.Status == auth.StatusSuccess {
		h.srv.Limiter.RecordSuccess(ip)
	} else if res.Status == auth.StatusFailure {
		h.srv.Limiter.RecordFailure(ip)
	}
	h.respondResult(w, res)
}

type mfaVerifyRequest struct {
	ChallengeID       string `json:"challenge_id"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}

	res := h.srv.Auth.Authenticate(r.Context(), auth.Credentials{
		Kind:              auth.CredMFAContinuation,
		ChallengeID:       challengeID,
		Response:          req.Code,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                helpers.GetRealIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     middleware.GetReqID(r.Context()),
	})
	h.respondResult(w, res)
}

type magicLinkRequest struct {
	Email string `json:"email"`
}

// RequestMagicLink always answers 202: the response is identical whether
// or not the address has an account.
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, authErr := h.srv.Auth.RequestMagicLink(r.Context(), req.Email, middleware.GetReqID(r.Context()))
	if authErr != nil && authErr.Kind == auth.KindInvalidEmail {
		helpers.RespondAuthError(w, authErr)
		return
	}

	body := map[string]any{"status": "sent"}
	if ch != nil {
		body["challenge_id"] = ch.ID
	}
	helpers.RespondJSON(w, http.StatusAccepted, body)
}

type magicLinkVerifyRequest struct {
	ChallengeID       string `json:"challenge_id"`
	Token             string `json:"token"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}

	res := h.srv.Auth.Authenticate(r.Context(), auth.Credentials{
		Kind:              auth.CredPasswordless,
		ChallengeID:       challengeID,
		Response:          req.Token,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                helpers.GetRealIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     middleware.GetReqID(r.Context()),
	})
	h.respondResult(w, res)
}

type refreshRequest struct {
	RefreshToken      string `json:"refresh_token"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.srv.Auth.Refresh(r.Context(), auth.RefreshInput{
		RefreshToken:      req.RefreshToken,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                helpers.GetRealIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     middleware.GetReqID(r.Context()),
	})
	h.respondResult(w, res)
}

type logoutRequest struct {
	AccessToken string `json:"access_token"`
}

// Logout terminates the presented token's session. Always 204: logout
// of a dead session is still a logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if authErr := h.srv.Auth.Logout(r.Context(), req.AccessToken, middleware.GetReqID(r.Context())); authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.srv.Cfg.AllowRegistration {
		helpers.RespondError(w, http.StatusForbidden, "registration is disabled")
		return
	}
	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, _, authErr := h.srv.Auth.Register(r.Context(), auth.RegisterInput{
		Email:         req.Email,
		Password:      req.Password,
		IP:            helpers.GetRealIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: middleware.GetReqID(r.Context()),
	})
	if authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	// The verification token travels out-of-band; only the account shape
	// is returned here.
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
	})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if authErr := h.srv.Auth.VerifyEmail(r.Context(), req.Token, middleware.GetReqID(r.Context())); authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

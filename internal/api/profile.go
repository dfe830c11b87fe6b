package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	custommw "github.com/gatehouse-io/gatehouse/internal/api/middleware"
	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// ProfileHandler serves the authenticated user's self-service routes.
type ProfileHandler struct {
	srv *Server
}

func (h *ProfileHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":     claims.UserID,
		"session_id":  claims.SessionID,
		"roles":       claims.Roles,
		"permissions": claims.Permissions,
		"risk_score":  claims.RiskScore,
	})
}

type sessionView struct {
	ID           uuid.UUID `json:"id"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    int64     `json:"created_at"`
	LastActivity int64     `json:"last_activity"`
	Current      bool      `json:"current"`
	Active       bool      `json:"active"`
}

func (h *ProfileHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	sessions, err := h.srv.SessionList.ListByUser(r.Context(), claims.UserID, 50)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:           s.ID,
			IP:           s.IP,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt.Unix(),
			LastActivity: s.LastActivity.Unix(),
			Current:      s.ID == claims.SessionID,
			Active:       s.Active,
		})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// RevokeSession terminates one of the caller's sessions. Unknown or
// foreign ids 404 without revealing which.
func (h *ProfileHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.srv.Sessions.GetByID(r.Context(), id)
	if err != nil || sess.UserID != claims.UserID {
		helpers.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.srv.Sessions.Terminate(r.Context(), id); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *ProfileHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	var req changePasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	keep := claims.SessionID
	if authErr := h.srv.Auth.ChangePassword(r.Context(), auth.ChangePasswordInput{
		UserID:          claims.UserID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		KeepSessionID:   &keep,
		CorrelationID:   middleware.GetReqID(r.Context()),
	}); authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

func (h *ProfileHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	url, backupCodes, authErr := h.srv.Auth.EnrollTOTP(r.Context(), claims.UserID, h.srv.Cfg.Issuer, middleware.GetReqID(r.Context()))
	if authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	// The backup codes are shown exactly once; only hashes survive.
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"otpauth_url":  url,
		"backup_codes": backupCodes,
	})
}

// BeginWebAuthn hands out the credential creation options. The response
// body is the go-webauthn options JSON, passed through untouched.
func (h *ProfileHandler) BeginWebAuthn(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	options, authErr := h.srv.Auth.BeginWebAuthnEnrollment(r.Context(), claims.UserID, middleware.GetReqID(r.Context()))
	if authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(options)
}

// FinishWebAuthn takes the raw attestation response produced by
// navigator.credentials.create and completes the enrollment.
func (h *ProfileHandler) FinishWebAuthn(w http.ResponseWriter, r *http.Request) {
	claims := custommw.MustGetClaims(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil || len(body) == 0 {
		helpers.RespondError(w, http.StatusBadRequest, "attestation response required")
		return
	}
	if authErr := h.srv.Auth.FinishWebAuthnEnrollment(r.Context(), claims.UserID, string(body), middleware.GetReqID(r.Context())); authErr != nil {
		helpers.RespondAuthError(w, authErr)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "webauthn_enrolled"})
}

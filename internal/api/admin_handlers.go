package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	custommw "github.com/gatehouse-io/gatehouse/internal/api/middleware"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// AdminHandler serves role management and the audit views. The whole
// group sits behind the admin role gate.
type AdminHandler struct {
	srv *Server
}

func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.srv.Roles.List(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, http.StatusBadRequest, "role name is required")
		return
	}

	role := &store.Role{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	if err := h.srv.Roles.Create(r.Context(), role); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to create role")
		return
	}
	h.publishAdminAction(r, "role_created", map[string]any{"role": role.Name})
	helpers.RespondJSON(w, http.StatusCreated, role)
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (h *AdminHandler) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	var req setPermissionsRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.srv.Roles.SetPermissions(r.Context(), id, req.Permissions); err != nil {
		helpers.RespondError(w, http.StatusNotFound, "role not found")
		return
	}
	h.publishAdminAction(r, "role_permissions_set", map[string]any{"role_id": id})
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req assignRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The role must exist; assigning a phantom role would silently grant
	// nothing.
	if _, err := h.srv.Roles.GetByName(r.Context(), req.Role); err != nil {
		helpers.RespondError(w, http.StatusNotFound, "role not found")
		return
	}
	if err := h.srv.Roles.AssignRole(r.Context(), userID, req.Role); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to assign role")
		return
	}
	h.publishAdminAction(r, "role_assigned", map[string]any{"user_id": userID, "role": req.Role})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	role := chi.URLParam(r, "role")
	if err := h.srv.Roles.RevokeRole(r.Context(), userID, role); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to revoke role")
		return
	}
	h.publishAdminAction(r, "role_revoked", map[string]any{"user_id": userID, "role": role})
	w.WriteHeader(http.StatusNoContent)
}

// RecentAudit returns the newest in-memory audit records.
func (h *AdminHandler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 || n > 500 {
		n = 100
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"records": h.srv.Audit.Recent(n)})
}

func (h *AdminHandler) UserAttempts(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := h.srv.Attempts.ListRecent(r.Context(), userID, limit)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (h *AdminHandler) publishAdminAction(r *http.Request, action string, details map[string]any) {
	claims := custommw.MustGetClaims(r.Context())
	payload := map[string]any{"action": action, "admin_id": claims.UserID}
	for k, v := range details {
		payload[k] = v
	}
	h.srv.Bus.TryPublish(r.Context(), events.AdminAction, &claims.UserID,
		middleware.GetReqID(r.Context()), payload)
}

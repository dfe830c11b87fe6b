package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// AuthMiddleware validates the bearer token and its backing session,
// then injects the claims into the request context.
func AuthMiddleware(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				helpers.RespondError(w, http.StatusUnauthorized, "authorization header required")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				helpers.RespondError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			claims, authErr := svc.ValidateAccess(r.Context(), parts[1])
			if authErr != nil {
				slog.Warn("token_validation_failed", "reason", authErr.Kind, "ip", r.RemoteAddr)
				helpers.RespondAuthError(w, authErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole gates a route group on a role claim.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := MustGetClaims(r.Context())
			for _, have := range claims.Roles {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			helpers.RespondError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

// RequirePermission gates a route group on a permission claim.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := MustGetClaims(r.Context())
			for _, have := range claims.Permissions {
				if have == permission {
					next.ServeHTTP(w, r)
					return
				}
			}
			helpers.RespondError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

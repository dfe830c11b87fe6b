// Package api is the HTTP surface: routing, middleware chain and the
// request handlers. Handlers translate between the wire and the
// services; policy lives below them.
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	custommw "github.com/gatehouse-io/gatehouse/internal/api/middleware"
	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/config"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/oauth"
	"github.com/gatehouse-io/gatehouse/internal/ratelimit"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Server bundles the HTTP surface and its collaborators.
type Server struct {
	Router   *chi.Mux
	Auth     *auth.Service
	Sessions *session.Store
	// SessionList is the read-side repository behind the profile's
	// active-sessions view; the dual-tier store has no list surface.
	SessionList *store.SessionRepo
	Webhooks    *store.WebhookRepo
	Roles       *store.RoleRepo
	Attempts    *store.AttemptRepo
	Bus         *events.Bus
	Audit       *audit.Recorder
	OAuth       *oauth.Manager
	Limiter     *ratelimit.Limiter
	Pool        *pgxpool.Pool
	Logger      *slog.Logger
	Cfg         config.Config
}

// NewServer wires the middleware chain and routes.
func NewServer(s *Server) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Sentry before recovery so panics are captured with request scope.
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(custommw.RequestLogger)
	r.Use(custommw.PanicRecovery)

	edge := custommw.NewIPRateLimiter(25, 50)
	r.Use(edge.Middleware)

	requireAuth := custommw.AuthMiddleware(s.Auth)
	adaptive := custommw.AdaptiveRateLimit(s.Limiter)

	authHandler := &AuthHandler{srv: s}
	oauthHandler := &OAuthHandler{srv: s}
	webhookHandler := &WebhookHandler{srv: s}
	adminHandler := &AdminHandler{srv: s}
	profileHandler := &ProfileHandler{srv: s}
	eventsHandler := &EventsHandler{srv: s}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	r.Route("/api/v1", func(r chi.Router) {
		// Credential endpoints sit behind the risk-aware limiter.
		r.Group(func(r chi.Router) {
			r.Use(adaptive)
			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/mfa/verify", authHandler.VerifyMFA)
			r.Post("/auth/magic-link", authHandler.RequestMagicLink)
			r.Post("/auth/magic-link/verify", authHandler.VerifyMagicLink)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		r.Post("/auth/verify-email", authHandler.VerifyEmail)
		r.Post("/auth/logout", authHandler.Logout)

		r.Get("/oauth/{provider}", oauthHandler.Begin)
		r.Get("/oauth/{provider}/callback", oauthHandler.Callback)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Get("/me", profileHandler.Me)
			r.Get("/me/sessions", profileHandler.Sessions)
			r.Delete("/me/sessions/{id}", profileHandler.RevokeSession)
			r.Put("/me/password", profileHandler.ChangePassword)
			r.Post("/me/mfa/totp", profileHandler.EnrollTOTP)
			r.Post("/me/mfa/webauthn/begin", profileHandler.BeginWebAuthn)
			r.Post("/me/mfa/webauthn/finish", profileHandler.FinishWebAuthn)

			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", webhookHandler.Create)
				r.Get("/", webhookHandler.List)
				r.Get("/{id}", webhookHandler.Get)
				r.Put("/{id}", webhookHandler.Update)
				r.Delete("/{id}", webhookHandler.Delete)
				r.Post("/{id}/rotate-secret", webhookHandler.RotateSecret)
				r.Get("/{id}/deliveries", webhookHandler.Deliveries)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommw.RequireRole("admin"))
				r.Get("/roles", adminHandler.ListRoles)
				r.Post("/roles", adminHandler.CreateRole)
				r.Put("/roles/{id}/permissions", adminHandler.SetRolePermissions)
				r.Post("/users/{id}/roles", adminHandler.AssignRole)
				r.Delete("/users/{id}/roles/{role}", adminHandler.RevokeRole)
				r.Get("/audit", adminHandler.RecentAudit)
				r.Get("/users/{id}/attempts", adminHandler.UserAttempts)
				r.Get("/events", eventsHandler.List)
				r.Get("/events/stream", eventsHandler.Stream)
			})
		})
	})

	s.Router = r
	return s
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ready verifies the database is reachable; load balancers gate on it.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.Pool != nil {
		if err := s.Pool.Ping(r.Context()); err != nil {
			s.Logger.Error("readiness_db_ping_failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/api"
	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/config"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/internal/oauth"
	"github.com/gatehouse-io/gatehouse/internal/ratelimit"
	"github.com/gatehouse-io/gatehouse/internal/risk"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/internal/webhook"
	"github.com/gatehouse-io/gatehouse/pkg/logger"
)

func main() {
	// Env files exist only in dev; production relies on system env vars.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	clock := clockwork.NewRealClock()

	// Repositories.
	users := store.NewUserRepo(pool)
	sessionRepo := store.NewSessionRepo(pool)
	attempts := store.NewAttemptRepo(pool)
	webhooks := store.NewWebhookRepo(pool)
	dlq := store.NewDLQRepo(pool)
	eventLog := store.NewEventRepo(pool)
	roles := store.NewRoleRepo(pool)
	history := store.NewLoginHistory(pool, clock)

	// Services.
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		SpecialTTL:    cfg.SpecialTokenTTL,
	}, clock)
	if err != nil {
		log.Error("token_service_init_failed", "error", err)
		os.Exit(1)
	}

	sessions := session.NewStore(sessionRepo, clock, log)
	riskEngine := risk.NewEngine(history, clock)
	auditor := audit.NewRecorder(cfg.AuditBufferSize, clock)
	bus := events.NewBus(eventLog, clock, log)
	var broker *mfa.WebAuthnBroker
	if cfg.WebAuthnRPID != "" {
		credentials := store.NewWebAuthnCredentialRepo(pool)
		broker, err = mfa.NewWebAuthnBroker(cfg.WebAuthnRPID, cfg.WebAuthnRPName, cfg.WebAuthnOrigins, credentials)
		if err != nil {
			log.Error("webauthn_init_failed", "error", err)
			os.Exit(1)
		}
		log.Info("webauthn_enabled", "rp_id", cfg.WebAuthnRPID)
	}
	mfaManager := mfa.NewManager(clock, mfa.NewLogSender(), broker)

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout:    cfg.WebhookTimeout,
		Workers:    cfg.WebhookWorkers,
		PerWebhook: cfg.WebhookConcurrency,
	}, webhooks, dlq, nil, clock, log)
	dispatcher.OnAutoDisable = func(ctx context.Context, webhookID uuid.UUID) {
		bus.TryPublish(ctx, events.WebhookAutoDisabled, nil, "", map[string]any{
			"webhook_id": webhookID,
		})
	}
	bus.AttachSink(dispatcher)

	authService := auth.NewService(auth.ServiceConfig{
		RefreshRiskJump: cfg.RefreshRiskJump,
		SessionTTL:      cfg.AccessTokenTTL,
		RefreshTTL:      cfg.RefreshTokenTTL,
	}, users, attempts, sessions, tokens, auth.NewArgon2Hasher(), riskEngine, mfaManager, bus, auditor, clock, log)
	authService.Blacklist = auth.NewMemoryBlacklist(clock)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		BaseLimit: cfg.RateLimitBase,
		Window:    cfg.RateLimitWindow,
	}, store.NewIPRiskAssessor(pool, clock), clock, log)
	defer limiter.Stop()
	limiter.OnExceeded = func(identifier string, retryAfter time.Duration) {
		bus.TryPublish(context.Background(), events.RateLimitExceeded, nil, "", map[string]any{
			"identifier":  identifier,
			"retry_after": retryAfter.Seconds(),
		})
	}

	oauthManager := oauth.NewManager(nil)
	if id := os.Getenv("OAUTH_GOOGLE_CLIENT_ID"); id != "" {
		oauthManager.RegisterGoogle(oauth.ProviderConfig{
			ClientID:     id,
			ClientSecret: os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("OAUTH_GOOGLE_REDIRECT_URL"),
		})
	}
	if id := os.Getenv("OAUTH_GITHUB_CLIENT_ID"); id != "" {
		oauthManager.RegisterGitHub(oauth.ProviderConfig{
			ClientID:     id,
			ClientSecret: os.Getenv("OAUTH_GITHUB_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("OAUTH_GITHUB_REDIRECT_URL"),
		})
	}

	server := api.NewServer(&api.Server{
		Auth:        authService,
		Sessions:    sessions,
		SessionList: sessionRepo,
		Webhooks:    webhooks,
		Roles:       roles,
		Attempts:    attempts,
		Bus:         bus,
		Audit:       auditor,
		OAuth:       oauthManager,
		Limiter:     limiter,
		Pool:        pool,
		Logger:      log,
		Cfg:         cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		// Let in-flight webhook deliveries finish their current attempt.
		dispatcher.Stop()

		pool.Close()
		log.Info("database_pool_closed")
		log.Info("server_shutdown_complete")
	}
}

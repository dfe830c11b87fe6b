// Package auth orchestrates the authentication pipeline: credential
// verification, risk gating, MFA step-up, session establishment and
// token issuance. Failures are returned as tagged *Error values so the
// transport layer can map them without string matching.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/internal/risk"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

// Per-step latency budgets. Risk assessment and challenge issuance run
// under their own deadlines so a slow dependency degrades instead of
// stalling the login path.
const (
	riskBudget = 20 * time.Millisecond
	mfaBudget  = 200 * time.Millisecond
)

// Lockout policy: after lockoutThreshold consecutive failures the
// account locks for 2^(n-threshold) minutes, capped at 2^10.
const (
	lockoutThreshold   = 5
	lockoutMaxExponent = 10
)

// Users is the credential-store surface the pipeline needs.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*store.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	Create(ctx context.Context, u *store.User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	EnableTOTP(ctx context.Context, id uuid.UUID, secret string) error
	SetMFAEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	// SetBackupCodes replaces the stored backup-code hashes wholesale.
	SetBackupCodes(ctx context.Context, id uuid.UUID, hashes []string) error
	// ConsumeBackupCode atomically removes one hash from the set and
	// reports whether this caller spent it.
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, hash string) (bool, error)
	// IncrementFailedLogin bumps the counter atomically and returns the
	// new value, so concurrent failures each observe a distinct count.
	IncrementFailedLogin(ctx context.Context, id uuid.UUID) (int, error)
	SetLockedUntil(ctx context.Context, id uuid.UUID, until time.Time) error
	// ResetFailedLogin zeroes the counter and clears any lock.
	ResetFailedLogin(ctx context.Context, id uuid.UUID) error
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, ip string) error
}

// Attempts records every credential evaluation, append-only.
type Attempts interface {
	Record(ctx context.Context, a *store.AuthAttempt) error
	// Finalize flips the provisional record once the pipeline completes.
	Finalize(ctx context.Context, id uuid.UUID, success bool, reason string, riskScore int) error
}

// ServiceConfig tunes the pipeline.
type ServiceConfig struct {
	// RefreshRiskJump is the score delta on refresh that forces a step-up
	// instead of silent rotation.
	RefreshRiskJump int
	// SessionTTL and RefreshTTL mirror the token TTLs; sessions expire
	// with their access token and are renewed on rotation.
	SessionTTL time.Duration
	RefreshTTL time.Duration
}

func (c *ServiceConfig) defaults() {
	if c.RefreshRiskJump == 0 {
		c.RefreshRiskJump = 40
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
}

// Service is the authentication orchestrator.
type Service struct {
	cfg      ServiceConfig
	users    Users
	attempts Attempts
	sessions *session.Store
	tokens   *TokenService
	hasher   PasswordHasher
	risk     *risk.Engine
	mfa      *mfa.Manager
	bus      *events.Bus
	audit    *audit.Recorder
	clock    clockwork.Clock
	logger   *slog.Logger

	// Blacklist, when set, is consulted on the refresh path and fed on
	// rotation. Optional; fingerprint rotation alone already invalidates
	// the previous refresh token.
	Blacklist Blacklist

	// dummyHash is compared against when the account does not exist, so
	// the unknown-user path costs the same as a real verification.
	dummyHash string
}

func NewService(
	cfg ServiceConfig,
	users Users,
	attempts Attempts,
	sessions *session.Store,
	tokens *TokenService,
	hasher PasswordHasher,
	riskEngine *risk.Engine,
	mfaManager *mfa.Manager,
	bus *events.Bus,
	auditor *audit.Recorder,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Service {
	cfg.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		panic("password hasher unusable: " + err.Error())
	}
	return &Service{
		cfg:       cfg,
		users:     users,
		attempts:  attempts,
		sessions:  sessions,
		tokens:    tokens,
		hasher:    hasher,
		risk:      riskEngine,
		mfa:       mfaManager,
		bus:       bus,
		audit:     auditor,
		clock:     clock,
		logger:    logger,
		dummyHash: dummy,
	}
}

// assessRisk runs the engine under its latency budget.
func (s *Service) assessRisk(ctx context.Context, in risk.Input) risk.Assessment {
	rctx, cancel := context.WithTimeout(ctx, riskBudget)
	defer cancel()
	return s.risk.Assess(rctx, in)
}

// establishSession mints a token pair, persists the session keyed by the
// token fingerprints, and resets the failure counters. It is the shared
// tail of every successful authentication flow.
func (s *Service) establishSession(ctx context.Context, user *store.User, cred *Credentials, riskScore int) (*store.Session, *TokenPair, *Error) {
	sessionID := uuid.New()
	claims := Claims{
		UserID:            user.ID,
		SessionID:         sessionID,
		DeviceFingerprint: cred.DeviceFingerprint,
		RiskScore:         riskScore,
		Roles:             user.Roles,
		Permissions:       user.Permissions,
	}
	pair, err := s.tokens.CreatePair(claims)
	if err != nil {
		s.logger.Error("token_pair_mint_failed", "user_id", user.ID, "error", err)
		return nil, nil, ErrKind(KindInternal)
	}

	now := s.clock.Now()
	sess := &store.Session{
		ID:                 sessionID,
		UserID:             user.ID,
		AccessFingerprint:  secure.Fingerprint(pair.AccessToken),
		RefreshFingerprint: secure.Fingerprint(pair.RefreshToken),
		ExpiresAt:          pair.AccessExpiresAt,
		RefreshExpiresAt:   pair.RefreshExpiresAt,
		LastActivity:       now,
		CreatedAt:          now,
		IP:                 cred.IP,
		DeviceFingerprint:  cred.DeviceFingerprint,
		UserAgent:          cred.UserAgent,
		RiskScore:          riskScore,
		Active:             true,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logger.Error("session_create_failed", "user_id", user.ID, "error", err)
		return nil, nil, ErrKind(KindInternal)
	}

	if err := s.users.ResetFailedLogin(ctx, user.ID); err != nil {
		s.logger.Warn("failed_login_reset_failed", "user_id", user.ID, "error", err)
	}
	if err := s.users.RecordLogin(ctx, user.ID, now, cred.IP); err != nil {
		s.logger.Warn("last_login_update_failed", "user_id", user.ID, "error", err)
	}
	return sess, pair, nil
}

// mapSessionErr translates session-store sentinels onto stable kinds.
func mapSessionErr(err error) *Error {
	switch err {
	case session.ErrExpired:
		return ErrKind(KindSessionExpired)
	case session.ErrNotFound:
		return ErrKind(KindSessionNotFound)
	case session.ErrInvalidRefreshToken:
		return ErrKind(KindInvalidRefreshToken)
	default:
		return ErrKind(KindInternal)
	}
}

package auth

import (
	"context"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/internal/risk"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

// CredentialKind discriminates the supported authentication flows.
type CredentialKind string

const (
	CredPassword        CredentialKind = "password"
	CredOAuthCallback   CredentialKind = "oauth_callback"
	CredPasswordless    CredentialKind = "passwordless_verify"
	CredMFAContinuation CredentialKind = "mfa_continuation"
)

// Credentials is the input to one authentication attempt. Email and
// Password carry the password flow; ChallengeID and Response carry the
// MFA continuation and magic-link flows; Provider marks an identity
// already verified by the OAuth callback handler.
type Credentials struct {
	Kind CredentialKind

	Email    string
	Password string

	ChallengeID uuid.UUID
	Response    string

	Provider string

	DeviceFingerprint string
	IP                string
	UserAgent         string
	CorrelationID     string
}

// Status is the coarse outcome of Authenticate.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusMFARequired Status = "mfa_required"
	StatusBlocked     Status = "blocked"
	StatusFailure     Status = "failure"
)

// ChallengeInfo is the client-facing view of a pending step-up. The
// challenge secret never leaves the server.
type ChallengeInfo struct {
	ID        uuid.UUID `json:"challenge_id"`
	Type      mfa.Type  `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is the tagged outcome of one authentication attempt. Exactly
// one of Tokens, Challenge or Err is populated depending on Status.
type Result struct {
	Status    Status
	User      *store.User
	Session   *store.Session
	Tokens    *TokenPair
	Challenge *ChallengeInfo
	Risk      risk.Assessment
	Err       *Error
}

// Authenticate runs the pipeline for the given credentials. Every call
// is recorded as an attempt; the attempt starts provisional-failed so an
// aborted request is still observable.
func (s *Service) Authenticate(ctx context.Context, cred Credentials) Result {
	if cred.CorrelationID == "" {
		cred.CorrelationID = uuid.NewString()
	}

	switch cred.Kind {
	case CredPassword:
		return s.authenticatePassword(ctx, cred)
	case CredOAuthCallback:
		return s.authenticateOAuth(ctx, cred)
	case CredPasswordless:
		return s.continueChallenge(ctx, cred, mfa.TypeMagicLink)
	case CredMFAContinuation:
		return s.continueChallenge(ctx, cred, "")
	default:
		return s.failEarly(ctx, cred, Errf(KindUnsupportedAuthType, "unsupported credential kind %q", cred.Kind), 0)
	}
}

func (s *Service) authenticatePassword(ctx context.Context, cred Credentials) Result {
	if err := validateCredentials(&cred); err != nil {
		return s.failEarly(ctx, cred, err, 0)
	}

	attemptID := s.recordProvisional(ctx, &cred, nil)

	user, err := s.users.GetByEmail(ctx, strings.ToLower(cred.Email))
	if err != nil || user == nil {
		// Burn the same hashing cost as a real lookup so response timing
		// does not reveal account existence, and keep the error generic.
		_ = s.hasher.Compare(s.dummyHash, cred.Password)
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindInvalidCredentials), 30)
	}

	now := s.clock.Now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		e := Errf(KindAccountLocked, "account locked until %s", user.LockedUntil.UTC().Format(time.RFC3339))
		e.Details = map[string]any{"locked_until": user.LockedUntil.UTC()}
		return s.fail(ctx, cred, attemptID, user, e, 80)
	}
	if user.EmailVerifiedAt == nil {
		return s.fail(ctx, cred, attemptID, user, ErrKind(KindAccountNotVerified), 50)
	}
	if !user.CanAuthenticate() {
		// Federated-only account; password login is structurally impossible.
		return s.fail(ctx, cred, attemptID, user, ErrKind(KindNoPasswordSet), 40)
	}

	if err := s.hasher.Compare(*user.PasswordHash, cred.Password); err != nil {
		// The attempt that crosses the lockout threshold reports the lock
		// it just applied, not a generic credential failure.
		if until := s.registerFailure(ctx, user); until != nil {
			e := Errf(KindAccountLocked, "account locked until %s", until.UTC().Format(time.RFC3339))
			e.Details = map[string]any{"locked_until": until.UTC()}
			return s.fail(ctx, cred, attemptID, user, e, 80)
		}
		return s.fail(ctx, cred, attemptID, user, ErrKind(KindInvalidCredentials), 60)
	}

	return s.finish(ctx, cred, attemptID, user, true)
}

// authenticateOAuth completes a login whose identity was already proven
// by the upstream provider. Credential checks are skipped; risk and MFA
// gating still apply.
func (s *Service) authenticateOAuth(ctx context.Context, cred Credentials) Result {
	if cred.Email == "" {
		return s.failEarly(ctx, cred, ErrKind(KindMissingEmail), 0)
	}
	attemptID := s.recordProvisional(ctx, &cred, nil)

	user, err := s.users.GetByEmail(ctx, strings.ToLower(cred.Email))
	if err != nil || user == nil {
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindUserNotFound), 30)
	}
	now := s.clock.Now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return s.fail(ctx, cred, attemptID, user, ErrKind(KindAccountLocked), 80)
	}
	return s.finish(ctx, cred, attemptID, user, true)
}

// continueChallenge resumes a pending MFA or magic-link challenge. When
// wantType is non-empty the challenge must be of that type.
func (s *Service) continueChallenge(ctx context.Context, cred Credentials, wantType mfa.Type) Result {
	if cred.ChallengeID == uuid.Nil || cred.Response == "" {
		return s.failEarly(ctx, cred, Errf(KindValidation, "challenge id and response are required"), 0)
	}

	if wantType != "" {
		if ch, ok := s.mfa.Get(cred.ChallengeID); ok && ch.Type != wantType {
			return s.failEarly(ctx, cred, ErrKind(KindInvalidMFACode), 0)
		}
	}

	attemptID := s.recordProvisional(ctx, &cred, nil)

	// A backup code satisfies any pending MFA challenge except a magic
	// link, without burning one of the challenge's attempts.
	if wantType == "" {
		if res, ok := s.tryBackupCode(ctx, cred, attemptID); ok {
			return res
		}
	}

	outcome, ch := s.mfa.Verify(ctx, cred.ChallengeID, cred.Response)
	switch outcome {
	case mfa.OutcomeOK:
	case mfa.OutcomeExpired:
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindChallengeExpired), 40)
	case mfa.OutcomeExhausted:
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindChallengeExhausted), 70)
	default:
		s.bus.TryPublish(ctx, events.MFAFailure, nil, cred.CorrelationID, map[string]any{
			"challenge_id": cred.ChallengeID,
		})
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindInvalidMFACode), 60)
	}

	user, err := s.users.GetByID(ctx, ch.UserID)
	if err != nil || user == nil {
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindUserNotFound), 50)
	}
	s.bus.TryPublish(ctx, events.MFASuccess, &user.ID, cred.CorrelationID, map[string]any{
		"challenge_id": ch.ID,
		"type":         ch.Type,
	})

	// The gate was already passed before the challenge was issued; do not
	// re-gate here or a borderline score would loop the user forever.
	return s.finish(ctx, cred, attemptID, user, false)
}

// tryBackupCode redeems the response as a one-time backup code against
// the pending challenge. Each code's hash is removed from the account on
// first use, so a replayed code falls through to normal verification and
// fails there.
func (s *Service) tryBackupCode(ctx context.Context, cred Credentials, attemptID uuid.UUID) (Result, bool) {
	ch, ok := s.mfa.Get(cred.ChallengeID)
	if !ok || ch.Type == mfa.TypeMagicLink {
		return Result{}, false
	}
	if !s.clock.Now().Before(ch.ExpiresAt) {
		return Result{}, false
	}

	spent, err := s.users.ConsumeBackupCode(ctx, ch.UserID, secure.Fingerprint(cred.Response))
	if err != nil {
		s.logger.Error("backup_code_consume_failed", "user_id", ch.UserID, "error", err)
		return Result{}, false
	}
	if !spent {
		return Result{}, false
	}
	s.mfa.Consume(ch.ID)

	user, err := s.users.GetByID(ctx, ch.UserID)
	if err != nil || user == nil {
		return s.fail(ctx, cred, attemptID, nil, ErrKind(KindUserNotFound), 50), true
	}
	s.bus.TryPublish(ctx, events.MFASuccess, &user.ID, cred.CorrelationID, map[string]any{
		"challenge_id": ch.ID,
		"type":         "backup_code",
	})
	return s.finish(ctx, cred, attemptID, user, false), true
}

// finish runs the risk and MFA gates (when gate is true) and establishes
// the session.
func (s *Service) finish(ctx context.Context, cred Credentials, attemptID uuid.UUID, user *store.User, gate bool) Result {
	assessment := s.assessRisk(ctx, risk.Input{
		UserID:            user.ID,
		DeviceFingerprint: cred.DeviceFingerprint,
		IP:                cred.IP,
		UserAgent:         cred.UserAgent,
	})

	if gate {
		if !assessment.AllowAccess {
			s.bus.TryPublish(ctx, events.HighRiskDetected, &user.ID, cred.CorrelationID, map[string]any{
				"score":   assessment.OverallScore,
				"level":   assessment.Level,
				"factors": assessment.Factors,
			})
			e := ErrKind(KindHighRiskBlocked)
			res := s.fail(ctx, cred, attemptID, user, e, assessment.OverallScore)
			res.Status = StatusBlocked
			res.Risk = assessment
			return res
		}

		if assessment.RequiresMFA || user.MFAEnabled {
			return s.stepUp(ctx, cred, attemptID, user, assessment)
		}
	}

	sess, pair, e := s.establishSession(ctx, user, &cred, assessment.OverallScore)
	if e != nil {
		return s.fail(ctx, cred, attemptID, user, e, assessment.OverallScore)
	}

	s.finalizeAttempt(ctx, attemptID, true, "", assessment.OverallScore)
	s.auditLogin(ctx, cred, user, assessment)
	s.bus.TryPublish(ctx, events.LoginSuccess, &user.ID, cred.CorrelationID, map[string]any{
		"session_id": sess.ID,
		"ip":         cred.IP,
		"risk_score": assessment.OverallScore,
	})
	s.bus.TryPublish(ctx, events.SessionCreated, &user.ID, cred.CorrelationID, map[string]any{
		"session_id": sess.ID,
	})

	return Result{
		Status:  StatusSuccess,
		User:    user,
		Session: sess,
		Tokens:  pair,
		Risk:    assessment,
	}
}

// stepUp issues an MFA challenge under its latency budget and parks the
// attempt until the continuation arrives.
func (s *Service) stepUp(ctx context.Context, cred Credentials, attemptID uuid.UUID, user *store.User, assessment risk.Assessment) Result {
	mctx, cancel := context.WithTimeout(ctx, mfaBudget)
	defer cancel()

	typ := s.mfa.PickType(mctx, user)
	ch, _, err := s.mfa.Issue(mctx, user, typ)
	if err != nil {
		s.logger.Error("mfa_issue_failed", "user_id", user.ID, "type", typ, "error", err)
		return s.fail(ctx, cred, attemptID, user, ErrKind(KindInternal), assessment.OverallScore)
	}

	s.finalizeAttempt(ctx, attemptID, false, string(KindMFARequired), assessment.OverallScore)
	s.bus.TryPublish(ctx, events.MFAChallenge, &user.ID, cred.CorrelationID, map[string]any{
		"challenge_id": ch.ID,
		"type":         ch.Type,
		"risk_score":   assessment.OverallScore,
	})
	s.audit.Log(ctx, audit.Record{
		CorrelationID: cred.CorrelationID,
		EventType:     events.MFAChallenge,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/login",
		Success:       true,
		Reason:        string(KindMFARequired),
		RiskScore:     assessment.OverallScore,
		RiskLevel:     string(assessment.Level),
		DeviceHash:    cred.DeviceFingerprint,
	})

	return Result{
		Status: StatusMFARequired,
		User:   user,
		Risk:   assessment,
		Challenge: &ChallengeInfo{
			ID:        ch.ID,
			Type:      ch.Type,
			ExpiresAt: ch.ExpiresAt,
		},
	}
}

// registerFailure bumps the atomic failure counter and applies the
// exponential lockout once the threshold is crossed. It returns the lock
// deadline it just applied, or nil when the account stays unlocked.
func (s *Service) registerFailure(ctx context.Context, user *store.User) *time.Time {
	count, err := s.users.IncrementFailedLogin(ctx, user.ID)
	if err != nil {
		s.logger.Error("failure_count_increment_failed", "user_id", user.ID, "error", err)
		return nil
	}
	if count < lockoutThreshold {
		return nil
	}
	exponent := count - lockoutThreshold
	if exponent > lockoutMaxExponent {
		exponent = lockoutMaxExponent
	}
	lockFor := time.Duration(math.Pow(2, float64(exponent))) * time.Minute
	until := s.clock.Now().Add(lockFor)
	if err := s.users.SetLockedUntil(ctx, user.ID, until); err != nil {
		s.logger.Error("account_lock_failed", "user_id", user.ID, "error", err)
		return nil
	}
	s.logger.Warn("account_locked",
		"user_id", user.ID,
		"failed_attempts", count,
		"locked_until", until,
	)
	return &until
}

// recordProvisional appends the attempt as a failure before any
// verification happens, so an aborted pipeline still leaves a trace.
func (s *Service) recordProvisional(ctx context.Context, cred *Credentials, userID *uuid.UUID) uuid.UUID {
	a := &store.AuthAttempt{
		ID:                uuid.New(),
		UserID:            userID,
		Email:             strings.ToLower(cred.Email),
		IP:                cred.IP,
		UserAgent:         cred.UserAgent,
		DeviceFingerprint: cred.DeviceFingerprint,
		Success:           false,
		FailureReason:     "in_progress",
		CreatedAt:         s.clock.Now(),
	}
	if err := s.attempts.Record(ctx, a); err != nil {
		s.logger.Warn("attempt_record_failed", "email", a.Email, "error", err)
	}
	return a.ID
}

func (s *Service) finalizeAttempt(ctx context.Context, id uuid.UUID, success bool, reason string, riskScore int) {
	if id == uuid.Nil {
		return
	}
	if err := s.attempts.Finalize(ctx, id, success, reason, riskScore); err != nil {
		s.logger.Warn("attempt_finalize_failed", "attempt_id", id, "error", err)
	}
}

// failEarly handles rejections before an attempt record exists.
func (s *Service) failEarly(ctx context.Context, cred Credentials, e *Error, riskScore int) Result {
	e.CorrelationID = cred.CorrelationID
	s.audit.Log(ctx, audit.Record{
		CorrelationID: cred.CorrelationID,
		EventType:     events.ValidationFailed,
		Resource:      "auth/login",
		Success:       false,
		Reason:        string(e.Kind),
		RiskScore:     riskScore,
	})
	return Result{Status: StatusFailure, Err: e}
}

// fail finalizes the attempt, audits, publishes the failure event and
// returns the failure result.
func (s *Service) fail(ctx context.Context, cred Credentials, attemptID uuid.UUID, user *store.User, e *Error, riskScore int) Result {
	e.CorrelationID = cred.CorrelationID
	s.finalizeAttempt(ctx, attemptID, false, string(e.Kind), riskScore)

	var subject *uuid.UUID
	actor := audit.ActorAnonymous
	if user != nil {
		subject = &user.ID
		actor = audit.ActorUser(user.ID)
	}
	s.audit.Log(ctx, audit.Record{
		CorrelationID: cred.CorrelationID,
		EventType:     events.LoginFailure,
		Actor:         actor,
		Resource:      "auth/login",
		Success:       false,
		Reason:        string(e.Kind),
		RiskScore:     riskScore,
	})
	s.bus.TryPublish(ctx, events.LoginFailure, subject, cred.CorrelationID, map[string]any{
		"reason":     string(e.Kind),
		"ip":         cred.IP,
		"risk_score": riskScore,
	})
	return Result{Status: StatusFailure, Err: e}
}

func (s *Service) auditLogin(ctx context.Context, cred Credentials, user *store.User, assessment risk.Assessment) {
	s.audit.Log(ctx, audit.Record{
		CorrelationID: cred.CorrelationID,
		EventType:     events.LoginSuccess,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/login",
		Success:       true,
		RiskScore:     assessment.OverallScore,
		RiskLevel:     string(assessment.Level),
		DeviceHash:    cred.DeviceFingerprint,
	})
}

// validateCredentials enforces the password-flow input contract. Checks
// run in a fixed order so clients get deterministic first-error codes.
func validateCredentials(cred *Credentials) *Error {
	switch {
	case cred.Email == "":
		return ErrKind(KindMissingEmail)
	case cred.Password == "":
		return ErrKind(KindMissingPassword)
	case cred.DeviceFingerprint == "":
		return ErrKind(KindMissingDevice)
	case cred.IP == "":
		return ErrKind(KindMissingIP)
	case cred.UserAgent == "":
		return ErrKind(KindMissingUA)
	}
	if _, err := mail.ParseAddress(cred.Email); err != nil {
		return Errf(KindInvalidEmail, "malformed email address")
	}
	if len(cred.Email) > 254 {
		return Errf(KindInvalidEmail, "email address too long")
	}
	return nil
}

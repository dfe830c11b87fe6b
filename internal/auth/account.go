package auth

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

const minPasswordLength = 8

// backupCodeCount is the size of the one-time recovery set issued with
// every MFA enrollment.
const backupCodeCount = 10

// RegisterInput carries a self-service signup.
type RegisterInput struct {
	Email         string
	Password      string
	IP            string
	UserAgent     string
	CorrelationID string
}

// Register creates an unverified account and returns the email
// verification token for delivery. The account cannot log in until the
// token is redeemed.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.User, string, *Error) {
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, "", ErrKind(KindMissingEmail)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", Errf(KindInvalidEmail, "malformed email address")
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, "", err
	}
	if existing, err := s.users.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, "", Errf(KindValidation, "email already in use")
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.logger.Error("password_hash_failed", "error", err)
		return nil, "", ErrKind(KindInternal)
	}

	now := s.clock.Now()
	user := &store.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: &hash,
		Roles:        []string{"user"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		s.logger.Error("user_create_failed", "email", email, "error", err)
		return nil, "", ErrKind(KindInternal)
	}

	verifyToken, _, err := s.tokens.CreateSpecialToken(TokenVerify, Claims{UserID: user.ID}, 0)
	if err != nil {
		s.logger.Error("verify_token_mint_failed", "user_id", user.ID, "error", err)
		return nil, "", ErrKind(KindInternal)
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: in.CorrelationID,
		EventType:     events.UserCreated,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/register",
		Success:       true,
	})
	s.bus.TryPublish(ctx, events.UserCreated, &user.ID, in.CorrelationID, map[string]any{
		"email_domain": emailDomain(email),
	})
	return user, verifyToken, nil
}

// VerifyEmail redeems a verification token and activates the account.
// Redeeming twice is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, token, correlationID string) *Error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	v := s.tokens.Verify(token, TokenVerify)
	if !v.Valid {
		if v.Expired {
			return ErrKind(KindTokenExpired)
		}
		return ErrKind(KindInvalidToken)
	}

	user, err := s.users.GetByID(ctx, v.Claims.UserID)
	if err != nil || user == nil {
		return ErrKind(KindUserNotFound)
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}
	if err := s.users.MarkEmailVerified(ctx, user.ID, s.clock.Now()); err != nil {
		s.logger.Error("email_verify_failed", "user_id", user.ID, "error", err)
		return ErrKind(KindInternal)
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: correlationID,
		EventType:     events.UserUpdated,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/verify-email",
		Success:       true,
	})
	s.bus.TryPublish(ctx, events.UserUpdated, &user.ID, correlationID, map[string]any{
		"change": "email_verified",
	})
	return nil
}

// ChangePasswordInput carries a password change for a logged-in user.
// KeepSessionID survives the sweep; every other session is revoked.
type ChangePasswordInput struct {
	UserID          uuid.UUID
	CurrentPassword string
	NewPassword     string
	KeepSessionID   *uuid.UUID
	CorrelationID   string
}

// ChangePassword verifies the current password, rotates the hash and
// revokes every other session of the account.
func (s *Service) ChangePassword(ctx context.Context, in ChangePasswordInput) *Error {
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	if err := validatePassword(in.NewPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, in.UserID)
	if err != nil || user == nil {
		return ErrKind(KindUserNotFound)
	}
	if user.PasswordHash != nil {
		if err := s.hasher.Compare(*user.PasswordHash, in.CurrentPassword); err != nil {
			return ErrKind(KindInvalidCredentials)
		}
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		s.logger.Error("password_hash_failed", "user_id", user.ID, "error", err)
		return ErrKind(KindInternal)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		s.logger.Error("password_update_failed", "user_id", user.ID, "error", err)
		return ErrKind(KindInternal)
	}

	revoked, err := s.sessions.TerminateUserSessions(ctx, user.ID, in.KeepSessionID)
	if err != nil {
		s.logger.Error("session_sweep_failed", "user_id", user.ID, "error", err)
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: in.CorrelationID,
		EventType:     events.PasswordChange,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/password",
		Success:       true,
		Details:       map[string]any{"sessions_revoked": revoked},
	})
	s.bus.TryPublish(ctx, events.PasswordChange, &user.ID, in.CorrelationID, map[string]any{
		"sessions_revoked": revoked,
	})
	return nil
}

// RequestMagicLink issues a passwordless login challenge. Unknown
// addresses return no challenge and no error, so the endpoint responds
// identically whether or not the account exists.
func (s *Service) RequestMagicLink(ctx context.Context, email, correlationID string) (*ChallengeInfo, *Error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, Errf(KindInvalidEmail, "malformed email address")
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil || user == nil {
		return nil, nil
	}

	mctx, cancel := context.WithTimeout(ctx, mfaBudget)
	defer cancel()
	ch, _, err := s.mfa.Issue(mctx, user, mfa.TypeMagicLink)
	if err != nil {
		s.logger.Error("magic_link_issue_failed", "user_id", user.ID, "error", err)
		return nil, ErrKind(KindInternal)
	}

	s.bus.TryPublish(ctx, events.MFAChallenge, &user.ID, correlationID, map[string]any{
		"challenge_id": ch.ID,
		"type":         ch.Type,
	})
	return &ChallengeInfo{ID: ch.ID, Type: ch.Type, ExpiresAt: ch.ExpiresAt}, nil
}

// EnrollTOTP provisions a TOTP secret for the account and returns the
// otpauth URL for the enrollment QR code plus a fresh set of one-time
// backup codes. Only code hashes are stored; the raw codes cannot be
// shown again. MFA turns on once stored.
func (s *Service) EnrollTOTP(ctx context.Context, userID uuid.UUID, issuer, correlationID string) (string, []string, *Error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return "", nil, ErrKind(KindUserNotFound)
	}

	secret, url, err := mfa.GenerateTOTPSecret(issuer, user.Email)
	if err != nil {
		s.logger.Error("totp_generate_failed", "user_id", userID, "error", err)
		return "", nil, ErrKind(KindInternal)
	}
	codes, err := mfa.GenerateBackupCodes(backupCodeCount)
	if err != nil {
		s.logger.Error("backup_code_generate_failed", "user_id", userID, "error", err)
		return "", nil, ErrKind(KindInternal)
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = secure.Fingerprint(code)
	}

	if err := s.users.EnableTOTP(ctx, userID, secret); err != nil {
		s.logger.Error("totp_store_failed", "user_id", userID, "error", err)
		return "", nil, ErrKind(KindInternal)
	}
	if err := s.users.SetBackupCodes(ctx, userID, hashes); err != nil {
		s.logger.Error("backup_code_store_failed", "user_id", userID, "error", err)
		return "", nil, ErrKind(KindInternal)
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: correlationID,
		EventType:     events.UserUpdated,
		Actor:         audit.ActorUser(userID),
		Resource:      "auth/mfa/totp",
		Success:       true,
	})
	s.bus.TryPublish(ctx, events.UserUpdated, &userID, correlationID, map[string]any{
		"change": "totp_enrolled",
	})
	return url, codes, nil
}

// BeginWebAuthnEnrollment starts an authenticator registration ceremony
// and returns the serialized creation options for the client.
func (s *Service) BeginWebAuthnEnrollment(ctx context.Context, userID uuid.UUID, correlationID string) ([]byte, *Error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if !s.mfa.WebAuthnEnabled() {
		return nil, Errf(KindValidation, "webauthn is not available")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return nil, ErrKind(KindUserNotFound)
	}

	options, err := s.mfa.BeginWebAuthnRegistration(ctx, user)
	if err != nil {
		s.logger.Error("webauthn_begin_registration_failed", "user_id", userID, "error", err)
		return nil, ErrKind(KindInternal)
	}
	return options, nil
}

// FinishWebAuthnEnrollment validates the attestation response, stores
// the credential and flips the MFA flag so future logins step up.
func (s *Service) FinishWebAuthnEnrollment(ctx context.Context, userID uuid.UUID, response, correlationID string) *Error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if !s.mfa.WebAuthnEnabled() {
		return Errf(KindValidation, "webauthn is not available")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return ErrKind(KindUserNotFound)
	}

	if err := s.mfa.FinishWebAuthnRegistration(ctx, user, response); err != nil {
		s.logger.Warn("webauthn_registration_rejected", "user_id", userID, "error", err)
		return Errf(KindValidation, "attestation rejected")
	}
	if err := s.users.SetMFAEnabled(ctx, userID, true); err != nil {
		s.logger.Error("mfa_flag_update_failed", "user_id", userID, "error", err)
		return ErrKind(KindInternal)
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: correlationID,
		EventType:     events.UserUpdated,
		Actor:         audit.ActorUser(userID),
		Resource:      "auth/mfa/webauthn",
		Success:       true,
	})
	s.bus.TryPublish(ctx, events.UserUpdated, &userID, correlationID, map[string]any{
		"change": "webauthn_enrolled",
	})
	return nil
}

func validatePassword(password string) *Error {
	if password == "" {
		return ErrKind(KindMissingPassword)
	}
	if len(password) < minPasswordLength {
		return Errf(KindValidation, "password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func emailDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}

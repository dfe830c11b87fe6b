package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/risk"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

// errStepUp aborts a rotation from inside the mint callback when the
// fresh risk score jumped past the configured delta.
var errStepUp = errors.New("refresh risk step-up required")

// RefreshInput carries one token-refresh request.
type RefreshInput struct {
	RefreshToken      string
	DeviceFingerprint string
	IP                string
	UserAgent         string
	CorrelationID     string
}

// Refresh rotates the session's token pair. The presented refresh token
// is verified, risk is re-assessed, and a score jump beyond the
// configured delta forces MFA instead of a silent rotation. Rotation is
// at-most-once per refresh token: concurrent calls with the same token
// collapse to one winner and the rest fail.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) Result {
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	if in.RefreshToken == "" {
		return Result{Status: StatusFailure, Err: &Error{Kind: KindInvalidRefreshToken, CorrelationID: in.CorrelationID}}
	}

	v := s.tokens.Verify(in.RefreshToken, TokenRefresh)
	if !v.Valid {
		kind := KindInvalidRefreshToken
		if v.Expired {
			kind = KindTokenExpired
		}
		return Result{Status: StatusFailure, Err: &Error{Kind: kind, CorrelationID: in.CorrelationID}}
	}
	claims := v.Claims

	if s.Blacklist != nil {
		if revoked, err := s.Blacklist.IsRevoked(ctx, claims.ID); err == nil && revoked {
			return Result{Status: StatusFailure, Err: &Error{Kind: KindInvalidRefreshToken, CorrelationID: in.CorrelationID}}
		}
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil || user == nil {
		return Result{Status: StatusFailure, Err: &Error{Kind: KindUserNotFound, CorrelationID: in.CorrelationID}}
	}

	assessment := s.assessRisk(ctx, risk.Input{
		UserID:            user.ID,
		DeviceFingerprint: in.DeviceFingerprint,
		IP:                in.IP,
		UserAgent:         in.UserAgent,
	})

	var pair *TokenPair
	fp := secure.Fingerprint(in.RefreshToken)
	sess, err := s.sessions.RotateByRefreshFingerprint(ctx, fp,
		func(cur *store.Session) (string, string, time.Time, time.Time, int, error) {
			if assessment.OverallScore > cur.RiskScore+s.cfg.RefreshRiskJump {
				return "", "", time.Time{}, time.Time{}, 0, errStepUp
			}
			next := Claims{
				UserID:            user.ID,
				SessionID:         cur.ID,
				DeviceFingerprint: cur.DeviceFingerprint,
				RiskScore:         assessment.OverallScore,
				Roles:             user.Roles,
				Permissions:       user.Permissions,
			}
			p, err := s.tokens.CreatePair(next)
			if err != nil {
				return "", "", time.Time{}, time.Time{}, 0, err
			}
			pair = p
			return secure.Fingerprint(p.AccessToken), secure.Fingerprint(p.RefreshToken),
				p.AccessExpiresAt, p.RefreshExpiresAt, assessment.OverallScore, nil
		})
	if errors.Is(err, errStepUp) {
		// The session stays live and the refresh token is not consumed:
		// after the challenge passes, the client retries the refresh and
		// the new assessment is checked again.
		cred := Credentials{
			Kind:              CredPassword,
			DeviceFingerprint: in.DeviceFingerprint,
			IP:                in.IP,
			UserAgent:         in.UserAgent,
			CorrelationID:     in.CorrelationID,
		}
		return s.stepUp(ctx, cred, uuid.Nil, user, assessment)
	}
	if err != nil {
		e := mapSessionErr(err)
		e.CorrelationID = in.CorrelationID
		s.bus.TryPublish(ctx, events.SuspiciousActivity, &user.ID, in.CorrelationID, map[string]any{
			"reason": "refresh_rotation_failed",
			"detail": string(e.Kind),
		})
		return Result{Status: StatusFailure, User: user, Risk: assessment, Err: e}
	}
	if pair == nil {
		// A concurrent refresh with the same token won the flight; this
		// caller shares the rotated session but holds no minted pair, so
		// its token is spent.
		return Result{Status: StatusFailure, Err: &Error{Kind: KindInvalidRefreshToken, CorrelationID: in.CorrelationID}}
	}

	// The old refresh fingerprint already stopped matching; revoking the
	// JTI as well makes replay detectable even through token-level paths.
	if s.Blacklist != nil {
		if err := s.Blacklist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			s.logger.Warn("refresh_jti_revoke_failed", "jti", claims.ID, "error", err)
		}
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: in.CorrelationID,
		EventType:     events.TokenRefresh,
		Actor:         audit.ActorUser(user.ID),
		Resource:      "auth/refresh",
		Success:       true,
		RiskScore:     assessment.OverallScore,
		RiskLevel:     string(assessment.Level),
	})
	s.bus.TryPublish(ctx, events.TokenRefresh, &user.ID, in.CorrelationID, map[string]any{
		"session_id": sess.ID,
		"risk_score": assessment.OverallScore,
	})

	return Result{
		Status:  StatusSuccess,
		User:    user,
		Session: sess,
		Tokens:  pair,
		Risk:    assessment,
	}
}

// Logout terminates the session bound to the presented access token.
// Terminating an already-dead or unknown session succeeds: logout is
// idempotent by contract.
func (s *Service) Logout(ctx context.Context, accessToken, correlationID string) *Error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	v := s.tokens.Verify(accessToken, TokenAccess)
	if !v.Valid {
		// An expired or garbled token has nothing left to terminate.
		return nil
	}
	claims := v.Claims

	if err := s.sessions.Terminate(ctx, claims.SessionID); err != nil {
		s.logger.Error("logout_terminate_failed", "session_id", claims.SessionID, "error", err)
		return &Error{Kind: KindInternal, CorrelationID: correlationID}
	}

	s.audit.Log(ctx, audit.Record{
		CorrelationID: correlationID,
		EventType:     events.Logout,
		Actor:         audit.ActorUser(claims.UserID),
		Resource:      "auth/logout",
		Success:       true,
	})
	s.bus.TryPublish(ctx, events.Logout, &claims.UserID, correlationID, map[string]any{
		"session_id": claims.SessionID,
	})
	s.bus.TryPublish(ctx, events.SessionRevoked, &claims.UserID, correlationID, map[string]any{
		"session_id": claims.SessionID,
	})
	return nil
}

// ValidateAccess is the hot-path check behind the auth middleware: the
// token must verify and its session must still be live.
func (s *Service) ValidateAccess(ctx context.Context, accessToken string) (*Claims, *Error) {
	v := s.tokens.Verify(accessToken, TokenAccess)
	if !v.Valid {
		if v.Expired {
			return nil, ErrKind(KindTokenExpired)
		}
		return nil, ErrKind(KindInvalidToken)
	}

	val := s.sessions.ValidateByToken(ctx, secure.Fingerprint(accessToken))
	if !val.Valid {
		// The session expires in lockstep with its access token, so an
		// expired session on this path means the token aged out.
		if errors.Is(val.Reason, session.ErrExpired) {
			return nil, ErrKind(KindTokenExpired)
		}
		return nil, mapSessionErr(val.Reason)
	}
	return v.Claims, nil
}

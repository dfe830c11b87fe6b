package auth

import (
	"fmt"
	"net/http"
)

// Kind is the stable error code surfaced to callers. The transport layer
// maps kinds to HTTP status codes; services match on Kind, never on
// message text.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindMissingEmail        Kind = "MISSING_EMAIL"
	KindMissingPassword     Kind = "MISSING_PASSWORD"
	KindMissingDevice       Kind = "MISSING_DEVICE"
	KindMissingIP           Kind = "MISSING_IP"
	KindMissingUA           Kind = "MISSING_UA"
	KindInvalidEmail        Kind = "INVALID_EMAIL"
	KindInvalidCredentials  Kind = "INVALID_CREDENTIALS"
	KindAccountLocked       Kind = "ACCOUNT_LOCKED"
	KindAccountNotVerified  Kind = "ACCOUNT_NOT_VERIFIED"
	KindNoPasswordSet       Kind = "NO_PASSWORD_SET"
	KindHighRiskBlocked     Kind = "HIGH_RISK_BLOCKED"
	KindMFARequired         Kind = "MFA_REQUIRED"
	KindInvalidMFACode      Kind = "INVALID_MFA_CODE"
	KindChallengeExpired    Kind = "CHALLENGE_EXPIRED"
	KindChallengeExhausted  Kind = "CHALLENGE_EXHAUSTED"
	KindInvalidToken        Kind = "INVALID_TOKEN"
	KindTokenExpired        Kind = "TOKEN_EXPIRED"
	KindInvalidRefreshToken Kind = "INVALID_REFRESH_TOKEN"
	KindSessionExpired      Kind = "SESSION_EXPIRED"
	KindSessionNotFound     Kind = "SESSION_NOT_FOUND"
	KindUserNotFound        Kind = "USER_NOT_FOUND"
	KindUnsupportedAuthType Kind = "UNSUPPORTED_AUTH_TYPE"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindOAuthStateMismatch  Kind = "OAUTH_STATE_MISMATCH"
	KindInternal            Kind = "INTERNAL"
)

// Error is the tagged-variant error carried across the service boundary.
// Validation and authentication failures are returned as values, never
// as panics, and the message is safe to show to clients.
type Error struct {
	Kind          Kind
	Message       string
	Details       map[string]any
	CorrelationID string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the kind to its transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindMissingEmail, KindMissingPassword, KindMissingDevice,
		KindMissingIP, KindMissingUA, KindInvalidEmail, KindUnsupportedAuthType:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindInvalidToken, KindTokenExpired,
		KindInvalidRefreshToken, KindSessionExpired, KindInvalidMFACode,
		KindChallengeExpired, KindChallengeExhausted, KindAccountNotVerified,
		KindNoPasswordSet, KindMFARequired, KindOAuthStateMismatch:
		return http.StatusUnauthorized
	case KindHighRiskBlocked:
		return http.StatusForbidden
	case KindSessionNotFound, KindUserNotFound:
		return http.StatusNotFound
	case KindAccountLocked:
		return http.StatusLocked
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Errf builds an Error with a formatted client-safe message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrKind builds a bare Error for the kind.
func ErrKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

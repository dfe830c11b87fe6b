package events

// Event taxonomy. The vocabulary is fixed; webhooks subscribe by pattern
// against these names.
const (
	LoginSuccess   = "authentication.login.success"
	LoginFailure   = "authentication.login.failure"
	Logout         = "authentication.logout"
	TokenRefresh   = "authentication.token.refresh"
	TokenRevoke    = "authentication.token.revoke"
	MFAChallenge   = "authentication.mfa.challenge"
	MFASuccess     = "authentication.mfa.success"
	MFAFailure     = "authentication.mfa.failure"
	PasswordChange = "authentication.password.change"
	PasswordReset  = "authentication.password.reset"

	AccessGranted = "authorization.access.granted"
	AccessDenied  = "authorization.access.denied"

	HighRiskDetected   = "security.high_risk.detected"
	RateLimitExceeded  = "security.rate_limit.exceeded"
	ValidationFailed   = "security.validation.failed"
	SuspiciousActivity = "security.suspicious.activity"

	SessionCreated = "session.created"
	SessionExpired = "session.expired"
	SessionRevoked = "session.revoked"

	UserCreated = "user.created"
	UserUpdated = "user.updated"
	UserDeleted = "user.deleted"

	WebhookRegistered   = "webhook.registered"
	WebhookUpdated      = "webhook.updated"
	WebhookDeleted      = "webhook.deleted"
	WebhookTested       = "webhook.tested"
	WebhookAutoDisabled = "webhook.auto_disabled"

	AdminAction = "admin.action"
	SystemError = "system.error"
)

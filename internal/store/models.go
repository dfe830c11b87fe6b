// Package store defines the persisted domain records and their PostgreSQL
// repositories. Records are plain structs; mapping to and from pgx rows
// happens inside the repository implementations.
package store

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity record.
type User struct {
	ID                  uuid.UUID
	Email               string // case-folded, unique
	EmailVerifiedAt     *time.Time
	PasswordHash        *string
	MFAEnabled          bool
	TOTPSecret          *string
	PhoneNumber         *string
	BackupCodes         []string // hashes; each is removed on first use
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	LastLoginIP         *string
	RiskScore           int
	Roles               []string
	Permissions         []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CanAuthenticate reports whether a password login is even possible,
// independent of credential correctness.
func (u *User) CanAuthenticate() bool {
	return u.PasswordHash != nil
}

// Session is the authoritative record of a user/device binding.
type Session struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	AccessFingerprint  string
	RefreshFingerprint string
	ExpiresAt          time.Time
	RefreshExpiresAt   time.Time
	LastActivity       time.Time
	CreatedAt          time.Time
	IP                 string
	DeviceFingerprint  string
	UserAgent          string
	RiskScore          int
	Active             bool
}

// AuthAttempt is an append-only record of one credential evaluation.
type AuthAttempt struct {
	ID                uuid.UUID
	UserID            *uuid.UUID
	Email             string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	Success           bool
	FailureReason     string
	RiskScore         int
	CreatedAt         time.Time
}

// Webhook is a subscriber registration.
type Webhook struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	URL                 string
	Secret              string
	Events              []string // patterns, e.g. "authentication.login.*" or "*"
	Active              bool
	FailureCount        int64
	SuccessCount        int64
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EventRecord is a published domain event. Append-only.
type EventRecord struct {
	ID            uuid.UUID
	Type          string
	SubjectUserID *uuid.UUID
	CorrelationID string
	Payload       []byte // JSON
	Metadata      map[string]string
	CreatedAt     time.Time
}

// DeliveryStatus enumerates the outcome of one webhook POST.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryTimeout DeliveryStatus = "timeout"
)

// DeliveryAttempt is the per-(webhook, event) attempt record.
type DeliveryAttempt struct {
	ID           uuid.UUID
	WebhookID    uuid.UUID
	EventID      uuid.UUID
	Status       DeliveryStatus
	HTTPStatus   int
	Response     string // truncated body snippet
	Attempt      int
	ScheduledFor time.Time
	CreatedAt    time.Time
}

// Role and Permission back the role→permission lookup.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Permissions []string
}

type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
}

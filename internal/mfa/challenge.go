// Package mfa manages step-up challenges. A challenge moves
// issued → verified | expired | exhausted; it is destroyed on first
// success and when attempts reach the cap. Only hashes of OTPs and
// magic-link tokens are kept at rest.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pquerna/otp/totp"

	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

// Type enumerates the challenge kinds.
type Type string

const (
	TypeTOTP      Type = "totp"
	TypeSMS       Type = "sms"
	TypeEmail     Type = "email"
	TypeWebAuthn  Type = "webauthn"
	TypeMagicLink Type = "magic_link"
)

// Outcome is the result of one verification attempt.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeWrong     Outcome = "wrong"
	OutcomeExpired   Outcome = "expired"
	OutcomeExhausted Outcome = "exhausted"
)

// Challenge is one pending step-up verification.
type Challenge struct {
	ID          uuid.UUID
	Type        Type
	UserID      uuid.UUID
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int

	// Type-specific payload. Exactly one of these is set.
	SecretHash      string // hashed OTP or magic-link token
	TOTPSecret      string // shared secret, verified live
	WebAuthnSession []byte // serialized webauthn.SessionData
}

// Sender delivers out-of-band codes and links. Transport internals are an
// external collaborator; the default implementation logs.
type Sender interface {
	SendOTP(ctx context.Context, channel Type, userID uuid.UUID, code string) error
	SendMagicLink(ctx context.Context, userID uuid.UUID, token string) error
}

// Expiry and attempt policy per challenge type.
func ttlFor(t Type) time.Duration {
	switch t {
	case TypeWebAuthn:
		return 2 * time.Minute
	case TypeMagicLink:
		return 15 * time.Minute
	default:
		return 5 * time.Minute
	}
}

func maxAttemptsFor(t Type) int {
	if t == TypeMagicLink {
		return 1
	}
	return 3
}

// Manager issues and verifies challenges. Pending challenges live in a
// TTL cache; they are short-lived fast-path state, not durable records.
type Manager struct {
	challenges *gocache.Cache
	clock      clockwork.Clock
	sender     Sender
	webauthn   *WebAuthnBroker // nil when WebAuthn is not configured
}

func NewManager(clock clockwork.Clock, sender Sender, broker *WebAuthnBroker) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		challenges: gocache.New(15*time.Minute, 5*time.Minute),
		clock:      clock,
		sender:     sender,
		webauthn:   broker,
	}
}

// PickType decides the step-up method when risk or the user flag demands
// one: WebAuthn when an authenticator is registered, then TOTP when a
// secret is enrolled, otherwise email. SMS is used only when the client
// asked for it explicitly.
func (m *Manager) PickType(ctx context.Context, user *store.User) Type {
	if m.webauthn != nil && m.webauthn.HasCredentials(ctx, user.ID) {
		return TypeWebAuthn
	}
	if user.TOTPSecret != nil && *user.TOTPSecret != "" {
		return TypeTOTP
	}
	return TypeEmail
}

// WebAuthnEnabled reports whether a relying party is configured.
func (m *Manager) WebAuthnEnabled() bool { return m.webauthn != nil }

// BeginWebAuthnRegistration starts an enrollment ceremony for the user
// and returns the creation options to hand to the client.
func (m *Manager) BeginWebAuthnRegistration(ctx context.Context, user *store.User) ([]byte, error) {
	if m.webauthn == nil {
		return nil, fmt.Errorf("webauthn not configured")
	}
	return m.webauthn.BeginRegistration(ctx, user)
}

// FinishWebAuthnRegistration validates the attestation response and
// stores the new credential.
func (m *Manager) FinishWebAuthnRegistration(ctx context.Context, user *store.User, response string) error {
	if m.webauthn == nil {
		return fmt.Errorf("webauthn not configured")
	}
	return m.webauthn.FinishRegistration(ctx, user, response)
}

// Issue creates a challenge of the given type for the user and sends any
// out-of-band material. For magic links the raw token is returned so the
// caller can embed it in the link; only the hash is retained.
func (m *Manager) Issue(ctx context.Context, user *store.User, typ Type) (*Challenge, string, error) {
	now := m.clock.Now()
	ch := &Challenge{
		ID:          uuid.New(),
		Type:        typ,
		UserID:      user.ID,
		ExpiresAt:   now.Add(ttlFor(typ)),
		MaxAttempts: maxAttemptsFor(typ),
	}

	var raw string
	switch typ {
	case TypeTOTP:
		if user.TOTPSecret == nil || *user.TOTPSecret == "" {
			return nil, "", fmt.Errorf("totp not enrolled for user %s", user.ID)
		}
		ch.TOTPSecret = *user.TOTPSecret

	case TypeSMS, TypeEmail:
		code, err := numericCode(6)
		if err != nil {
			return nil, "", err
		}
		ch.SecretHash = secure.Fingerprint(code)
		if m.sender != nil {
			if err := m.sender.SendOTP(ctx, typ, user.ID, code); err != nil {
				return nil, "", fmt.Errorf("failed to send otp: %w", err)
			}
		}

	case TypeMagicLink:
		token, err := secure.GenerateSecureToken(32)
		if err != nil {
			return nil, "", err
		}
		ch.SecretHash = secure.Fingerprint(token)
		raw = token
		if m.sender != nil {
			if err := m.sender.SendMagicLink(ctx, user.ID, token); err != nil {
				return nil, "", fmt.Errorf("failed to send magic link: %w", err)
			}
		}

	case TypeWebAuthn:
		if m.webauthn == nil {
			return nil, "", fmt.Errorf("webauthn not configured")
		}
		session, err := m.webauthn.BeginLogin(ctx, user)
		if err != nil {
			return nil, "", err
		}
		ch.WebAuthnSession = session

	default:
		return nil, "", fmt.Errorf("unknown challenge type %q", typ)
	}

	m.challenges.Set(ch.ID.String(), ch, ttlFor(typ))
	return ch, raw, nil
}

// Verify evaluates one response against the challenge. Wrong responses
// increment the attempt counter; reaching the cap destroys the challenge.
// A correct response consumes the challenge atomically.
func (m *Manager) Verify(ctx context.Context, challengeID uuid.UUID, response string) (Outcome, *Challenge) {
	v, found := m.challenges.Get(challengeID.String())
	if !found {
		return OutcomeExpired, nil
	}
	ch := v.(*Challenge)

	if m.clock.Now().After(ch.ExpiresAt) {
		m.challenges.Delete(ch.ID.String())
		return OutcomeExpired, nil
	}
	if ch.Attempts >= ch.MaxAttempts {
		m.challenges.Delete(ch.ID.String())
		return OutcomeExhausted, nil
	}

	ok := false
	switch ch.Type {
	case TypeTOTP:
		ok = totp.Validate(response, ch.TOTPSecret)
	case TypeSMS, TypeEmail, TypeMagicLink:
		ok = secure.SecureCompare(secure.Fingerprint(response), ch.SecretHash)
	case TypeWebAuthn:
		if m.webauthn != nil {
			ok = m.webauthn.FinishLogin(ctx, ch, response) == nil
		}
	}

	if ok {
		m.challenges.Delete(ch.ID.String())
		return OutcomeOK, ch
	}

	ch.Attempts++
	if ch.Attempts >= ch.MaxAttempts {
		m.challenges.Delete(ch.ID.String())
		return OutcomeExhausted, nil
	}
	m.challenges.Set(ch.ID.String(), ch, ch.ExpiresAt.Sub(m.clock.Now()))
	return OutcomeWrong, nil
}

// Get returns a pending challenge without consuming it.
func (m *Manager) Get(challengeID uuid.UUID) (*Challenge, bool) {
	v, found := m.challenges.Get(challengeID.String())
	if !found {
		return nil, false
	}
	return v.(*Challenge), true
}

// Consume destroys a pending challenge once an alternate factor, such as
// a backup code, has satisfied it.
func (m *Manager) Consume(challengeID uuid.UUID) {
	m.challenges.Delete(challengeID.String())
}

// GenerateTOTPSecret provisions a new TOTP enrollment for the account.
func GenerateTOTPSecret(issuer, accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// GenerateBackupCodes returns n single-use recovery codes. Callers keep
// only hashes at rest; the raw codes are shown to the user exactly once.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		var buf [5]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("crypto/rand failed: %w", err)
		}
		codes[i] = hex.EncodeToString(buf[:])
	}
	return codes, nil
}

// numericCode returns n cryptographically random decimal digits.
func numericCode(n int) (string, error) {
	const digits = "0123456789"
	code := make([]byte, n)
	for i := range code {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failed: %w", err)
		}
		code[i] = digits[idx.Int64()]
	}
	return string(code), nil
}

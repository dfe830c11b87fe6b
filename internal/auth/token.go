package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// TokenType discriminates the token families issued by the service.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenReset   TokenType = "reset"
	TokenVerify  TokenType = "verify"
	TokenMFA     TokenType = "mfa"
)

// Claims defines the custom JWT claims.
type Claims struct {
	UserID            uuid.UUID `json:"-"`
	SessionID         uuid.UUID `json:"sid,omitempty"`
	DeviceFingerprint string    `json:"dfp,omitempty"`
	RiskScore         int       `json:"risk,omitempty"`
	Roles             []string  `json:"roles,omitempty"`
	Permissions       []string  `json:"perms,omitempty"`
	Type              TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is an access/refresh pair minted together for one session.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Verification is the structured outcome of Verify. Invalid tokens carry
// the reason instead of an opaque error so callers can map kinds.
type Verification struct {
	Valid     bool
	Expired   bool
	NotBefore bool
	Claims    *Claims
	Err       error
}

// Blacklist is the external revocation set keyed by JTI. Consulted only
// on refresh and logout-all paths; access tokens die with their session.
type Blacklist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

// TokenConfig carries the signing material and TTLs for the provider.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SpecialTTL    time.Duration
}

// TokenService issues and verifies HMAC-signed tokens. Access and refresh
// tokens are signed with distinct secrets so a leaked access secret can
// never mint refresh tokens.
type TokenService struct {
	cfg   TokenConfig
	clock clockwork.Clock
}

var (
	ErrSecretTooShort = errors.New("token secret must be at least 32 bytes")
	ErrSecretsEqual   = errors.New("access and refresh secrets must differ")
)

// NewTokenService validates the secrets and returns the service.
func NewTokenService(cfg TokenConfig, clock clockwork.Clock) (*TokenService, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, ErrSecretTooShort
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, ErrSecretsEqual
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.SpecialTTL == 0 {
		cfg.SpecialTTL = time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenService{cfg: cfg, clock: clock}, nil
}

// NewJTI allocates a unique token identifier: unix-nano time prefix plus
// 8 random bytes. The time prefix keeps blacklist scans roughly ordered.
func (s *TokenService) NewJTI() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Entropy exhaustion is not survivable for token issuance.
		panic(fmt.Sprintf("jti entropy: %v", err))
	}
	return strconv.FormatInt(s.clock.Now().UnixNano(), 36) + "-" + hex.EncodeToString(b)
}

// CreateAccessToken mints a signed access token for the session.
func (s *TokenService) CreateAccessToken(c Claims) (string, time.Time, error) {
	return s.create(c, TokenAccess, s.cfg.AccessTTL, s.cfg.AccessSecret)
}

// CreateRefreshToken mints a signed refresh token for the session.
func (s *TokenService) CreateRefreshToken(c Claims) (string, time.Time, error) {
	return s.create(c, TokenRefresh, s.cfg.RefreshTTL, s.cfg.RefreshSecret)
}

// CreatePair mints an access and refresh token sharing the session id.
func (s *TokenService) CreatePair(c Claims) (*TokenPair, error) {
	access, accessExp, err := s.CreateAccessToken(c)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.CreateRefreshToken(c)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// CreateSpecialToken mints a reset/verify/mfa token. A zero ttl uses the
// configured special-token TTL (1h default).
func (s *TokenService) CreateSpecialToken(typ TokenType, c Claims, ttl time.Duration) (string, time.Time, error) {
	switch typ {
	case TokenReset, TokenVerify, TokenMFA:
	default:
		return "", time.Time{}, fmt.Errorf("not a special token type: %s", typ)
	}
	if ttl == 0 {
		ttl = s.cfg.SpecialTTL
	}
	return s.create(c, typ, ttl, s.cfg.AccessSecret)
}

func (s *TokenService) create(c Claims, typ TokenType, ttl time.Duration, secret []byte) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(ttl)

	c.Type = typ
	c.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   c.UserID.String(),
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    s.cfg.Issuer,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		ID:        s.NewJTI(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses the token, checks signature, algorithm, issuer, audience
// and validity window, and asserts the declared type matches expected.
func (s *TokenService) Verify(tokenString string, expected TokenType) Verification {
	secret := s.cfg.AccessSecret
	if expected == TokenRefresh {
		secret = s.cfg.RefreshSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithTimeFunc(s.clock.Now),
	)

	if err != nil {
		v := Verification{Err: err}
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.Expired = true
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			v.NotBefore = true
		}
		return v
	}
	if !token.Valid {
		return Verification{Err: jwt.ErrTokenUnverifiable}
	}
	if claims.Type != expected {
		return Verification{Err: fmt.Errorf("token type %q, expected %q", claims.Type, expected)}
	}
	if uid, err := uuid.Parse(claims.Subject); err == nil {
		claims.UserID = uid
	}
	return Verification{Valid: true, Claims: claims}
}

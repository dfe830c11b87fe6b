package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens(t *testing.T, clock clockwork.Clock) *TokenService {
	t.Helper()
	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  []byte("test-access-secret-0123456789abcdef"),
		RefreshSecret: []byte("test-refresh-secret-0123456789abcde"),
		Issuer:        "gatehouse-test",
		Audience:      "gatehouse",
	}, clock)
	require.NoError(t, err)
	return svc
}

func TestNewTokenServiceValidation(t *testing.T) {
	long := []byte("0123456789abcdef0123456789abcdef")
	short := []byte("too-short")

	_, err := NewTokenService(TokenConfig{AccessSecret: short, RefreshSecret: long}, nil)
	assert.ErrorIs(t, err, ErrSecretTooShort)

	_, err = NewTokenService(TokenConfig{AccessSecret: long, RefreshSecret: short}, nil)
	assert.ErrorIs(t, err, ErrSecretTooShort)

	_, err = NewTokenService(TokenConfig{AccessSecret: long, RefreshSecret: long}, nil)
	assert.ErrorIs(t, err, ErrSecretsEqual)
}

func TestCreatePairRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	claims := Claims{
		UserID:            uuid.New(),
		SessionID:         uuid.New(),
		DeviceFingerprint: "dev-fp-1",
		RiskScore:         23,
		Roles:             []string{"user"},
		Permissions:       []string{"profile:read"},
	}
	pair, err := svc.CreatePair(claims)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, testStart.Add(7*24*time.Hour), pair.RefreshExpiresAt)

	v := svc.Verify(pair.AccessToken, TokenAccess)
	require.True(t, v.Valid, "verify failed: %v", v.Err)
	assert.Equal(t, claims.UserID, v.Claims.UserID)
	assert.Equal(t, claims.SessionID, v.Claims.SessionID)
	assert.Equal(t, "dev-fp-1", v.Claims.DeviceFingerprint)
	assert.Equal(t, 23, v.Claims.RiskScore)
	assert.Equal(t, []string{"user"}, v.Claims.Roles)
	assert.NotEmpty(t, v.Claims.ID, "jti must be set")

	rv := svc.Verify(pair.RefreshToken, TokenRefresh)
	require.True(t, rv.Valid)
	assert.Equal(t, claims.SessionID, rv.Claims.SessionID)
	assert.NotEqual(t, v.Claims.ID, rv.Claims.ID, "each token gets its own jti")
}

func TestVerifyRejectsTypeConfusion(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	pair, err := svc.CreatePair(Claims{UserID: uuid.New()})
	require.NoError(t, err)

	// Cross-type verification fails on the signature already: the families
	// use distinct secrets.
	assert.False(t, svc.Verify(pair.AccessToken, TokenRefresh).Valid)
	assert.False(t, svc.Verify(pair.RefreshToken, TokenAccess).Valid)
}

func TestVerifyExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	access, _, err := svc.CreateAccessToken(Claims{UserID: uuid.New()})
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	assert.True(t, svc.Verify(access, TokenAccess).Valid, "still inside the ttl")

	clock.Advance(2 * time.Minute)
	v := svc.Verify(access, TokenAccess)
	assert.False(t, v.Valid)
	assert.True(t, v.Expired)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	access, _, err := svc.CreateAccessToken(Claims{UserID: uuid.New()})
	require.NoError(t, err)

	tampered := access[:len(access)-4] + "AAAA"
	v := svc.Verify(tampered, TokenAccess)
	assert.False(t, v.Valid)
	assert.False(t, v.Expired)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	other, err := NewTokenService(TokenConfig{
		AccessSecret:  []byte("test-access-secret-0123456789abcdef"),
		RefreshSecret: []byte("test-refresh-secret-0123456789abcde"),
		Issuer:        "someone-else",
		Audience:      "gatehouse",
	}, clock)
	require.NoError(t, err)

	access, _, err := other.CreateAccessToken(Claims{UserID: uuid.New()})
	require.NoError(t, err)
	assert.False(t, svc.Verify(access, TokenAccess).Valid)
}

func TestCreateSpecialToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)
	userID := uuid.New()

	token, exp, err := svc.CreateSpecialToken(TokenVerify, Claims{UserID: userID}, 0)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(time.Hour), exp, "zero ttl uses the default")

	v := svc.Verify(token, TokenVerify)
	require.True(t, v.Valid)
	assert.Equal(t, userID, v.Claims.UserID)

	// A verify token is not an access token.
	assert.False(t, svc.Verify(token, TokenAccess).Valid)

	// Session token types cannot be minted through the special path.
	_, _, err = svc.CreateSpecialToken(TokenAccess, Claims{UserID: userID}, 0)
	assert.Error(t, err)
	_, _, err = svc.CreateSpecialToken(TokenRefresh, Claims{UserID: userID}, 0)
	assert.Error(t, err)
}

func TestNewJTIUnique(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestTokens(t, clock)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		jti := svc.NewJTI()
		assert.False(t, seen[jti])
		seen[jti] = true
	}
}

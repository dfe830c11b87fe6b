package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/events"
)

func loginFixture(t *testing.T) (*fixture, Result) {
	t.Helper()
	f := newFixture()
	f.seedUser("alice@example.com", "s3cret-pw")
	res := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusSuccess, res.Status)
	return f, res
}

func refreshInput(token string) RefreshInput {
	return RefreshInput{
		RefreshToken:      token,
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	f, login := loginFixture(t)

	res := f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))

	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Tokens)
	assert.NotEqual(t, login.Tokens.AccessToken, res.Tokens.AccessToken)
	assert.NotEqual(t, login.Tokens.RefreshToken, res.Tokens.RefreshToken)
	assert.Equal(t, login.Session.ID, res.Session.ID, "rotation keeps the session")
	assert.True(t, f.log.has(events.TokenRefresh))

	// The new pair is live, the old access token is dead.
	_, authErr := f.svc.ValidateAccess(context.Background(), res.Tokens.AccessToken)
	assert.Nil(t, authErr)
	_, authErr = f.svc.ValidateAccess(context.Background(), login.Tokens.AccessToken)
	require.NotNil(t, authErr)
}

func TestRefreshTokenRotatesAtMostOnce(t *testing.T) {
	f, login := loginFixture(t)

	res := f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))
	require.Equal(t, StatusSuccess, res.Status)

	// Replaying the consumed token must fail and flag the session.
	replay := f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))
	require.Equal(t, StatusFailure, replay.Status)
	assert.Equal(t, KindInvalidRefreshToken, replay.Err.Kind)
	assert.True(t, f.log.has(events.SuspiciousActivity))

	// The winner's pair is unaffected by the replay.
	_, authErr := f.svc.ValidateAccess(context.Background(), res.Tokens.AccessToken)
	assert.Nil(t, authErr)
}

func TestRefreshRiskJumpForcesStepUp(t *testing.T) {
	f, login := loginFixture(t)

	// The session was established around score 11; a jump past the
	// configured delta must interrupt rotation.
	f.history.set(riskySnapshot())
	in := refreshInput(login.Tokens.RefreshToken)
	in.DeviceFingerprint = "never-seen-device"
	in.IP = "198.51.100.7"
	in.UserAgent = "curl/8.5.0"

	res := f.svc.Refresh(context.Background(), in)
	require.Equal(t, StatusMFARequired, res.Status)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Tokens)

	// The refresh token was not consumed: once the context calms down the
	// client retries the refresh and rotation proceeds.
	f.history.set(calmSnapshot())
	res = f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))
	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Tokens)
}

func TestRefreshRejectsBadTokens(t *testing.T) {
	f, login := loginFixture(t)

	res := f.svc.Refresh(context.Background(), refreshInput(""))
	assert.Equal(t, KindInvalidRefreshToken, res.Err.Kind)

	res = f.svc.Refresh(context.Background(), refreshInput("not-a-jwt"))
	assert.Equal(t, KindInvalidRefreshToken, res.Err.Kind)

	// An access token is signed with a different secret and must not pass
	// as a refresh token.
	res = f.svc.Refresh(context.Background(), refreshInput(login.Tokens.AccessToken))
	assert.Equal(t, KindInvalidRefreshToken, res.Err.Kind)
}

func TestRefreshExpiredToken(t *testing.T) {
	f, login := loginFixture(t)

	f.clock.Advance(8 * 24 * time.Hour)

	res := f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))
	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindTokenExpired, res.Err.Kind)
}

func TestRefreshWithBlacklist(t *testing.T) {
	f, login := loginFixture(t)
	f.svc.Blacklist = NewMemoryBlacklist(f.clock)

	res := f.svc.Refresh(context.Background(), refreshInput(login.Tokens.RefreshToken))
	require.Equal(t, StatusSuccess, res.Status)

	// The consumed token's JTI is now revoked on top of the fingerprint
	// rotation.
	v := f.tokens.Verify(login.Tokens.RefreshToken, TokenRefresh)
	require.True(t, v.Valid, "signature-wise the old token still parses")
	revoked, err := f.svc.Blacklist.IsRevoked(context.Background(), v.Claims.ID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMemoryBlacklist(t *testing.T) {
	f := newFixture()
	bl := NewMemoryBlacklist(f.clock)

	revoked, err := bl.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, bl.Revoke(context.Background(), "jti-1", f.clock.Now().Add(time.Hour)))
	revoked, _ = bl.IsRevoked(context.Background(), "jti-1")
	assert.True(t, revoked)

	// Revoking an already-expired token is a no-op.
	require.NoError(t, bl.Revoke(context.Background(), "jti-2", f.clock.Now().Add(-time.Minute)))
	revoked, _ = bl.IsRevoked(context.Background(), "jti-2")
	assert.False(t, revoked)
}

func TestLogoutTerminatesSession(t *testing.T) {
	f, login := loginFixture(t)

	require.Nil(t, f.svc.Logout(context.Background(), login.Tokens.AccessToken, ""))

	_, authErr := f.svc.ValidateAccess(context.Background(), login.Tokens.AccessToken)
	require.NotNil(t, authErr)
	assert.Equal(t, KindSessionNotFound, authErr.Kind)

	assert.True(t, f.log.has(events.Logout))
	assert.True(t, f.log.has(events.SessionRevoked))
}

func TestLogoutIsIdempotent(t *testing.T) {
	f, login := loginFixture(t)

	require.Nil(t, f.svc.Logout(context.Background(), login.Tokens.AccessToken, ""))
	require.Nil(t, f.svc.Logout(context.Background(), login.Tokens.AccessToken, ""))

	// Garbage and expired tokens have nothing to terminate; still fine.
	assert.Nil(t, f.svc.Logout(context.Background(), "not-a-jwt", ""))
}

func TestValidateAccessExpiry(t *testing.T) {
	f, login := loginFixture(t)

	f.clock.Advance(16 * time.Minute)

	_, authErr := f.svc.ValidateAccess(context.Background(), login.Tokens.AccessToken)
	require.NotNil(t, authErr)
	assert.Equal(t, KindTokenExpired, authErr.Kind)
}

func TestValidateAccessExpiryBoundary(t *testing.T) {
	f, login := loginFixture(t)

	// One second before expiry the token still validates.
	f.clock.Advance(15*time.Minute - time.Second)
	_, authErr := f.svc.ValidateAccess(context.Background(), login.Tokens.AccessToken)
	assert.Nil(t, authErr)

	// At the exact expiry instant the failure must read as an expired
	// token, not a dead session, whichever layer rejects first.
	f.clock.Advance(time.Second)
	_, authErr = f.svc.ValidateAccess(context.Background(), login.Tokens.AccessToken)
	require.NotNil(t, authErr)
	assert.Equal(t, KindTokenExpired, authErr.Kind)
}

func TestValidateAccessGarbage(t *testing.T) {
	f := newFixture()
	_, authErr := f.svc.ValidateAccess(context.Background(), "not-a-jwt")
	require.NotNil(t, authErr)
	assert.Equal(t, KindInvalidToken, authErr.Kind)
}

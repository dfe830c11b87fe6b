package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

func TestRegisterAndVerifyEmail(t *testing.T) {
	f := newFixture()

	user, verifyToken, regErr := f.svc.Register(context.Background(), RegisterInput{
		Email:    "Bob@Example.com",
		Password: "long-enough-pw",
	})
	require.Nil(t, regErr)
	assert.Equal(t, "bob@example.com", user.Email, "stored case-folded")
	assert.Equal(t, []string{"user"}, user.Roles)
	assert.Nil(t, user.EmailVerifiedAt)
	require.NotEmpty(t, verifyToken)
	assert.True(t, f.log.has(events.UserCreated))

	// Unverified accounts cannot log in yet.
	res := f.svc.Authenticate(context.Background(), passwordCred("bob@example.com", "long-enough-pw"))
	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindAccountNotVerified, res.Err.Kind)

	require.Nil(t, f.svc.VerifyEmail(context.Background(), verifyToken, ""))
	require.NotNil(t, user.EmailVerifiedAt)

	// Redeeming the token again is a no-op.
	require.Nil(t, f.svc.VerifyEmail(context.Background(), verifyToken, ""))

	res = f.svc.Authenticate(context.Background(), passwordCred("bob@example.com", "long-enough-pw"))
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture()

	_, _, err := f.svc.Register(context.Background(), RegisterInput{Email: "", Password: "long-enough-pw"})
	assert.Equal(t, KindMissingEmail, err.Kind)

	_, _, err = f.svc.Register(context.Background(), RegisterInput{Email: "nope", Password: "long-enough-pw"})
	assert.Equal(t, KindInvalidEmail, err.Kind)

	_, _, err = f.svc.Register(context.Background(), RegisterInput{Email: "bob@example.com", Password: "short"})
	assert.Equal(t, KindValidation, err.Kind)

	f.seedUser("taken@example.com", "s3cret-pw")
	_, _, err = f.svc.Register(context.Background(), RegisterInput{Email: "taken@example.com", Password: "long-enough-pw"})
	require.NotNil(t, err)
	assert.Equal(t, KindValidation, err.Kind)
	assert.Contains(t, err.Message, "already in use")
}

func TestVerifyEmailBadToken(t *testing.T) {
	f := newFixture()
	err := f.svc.VerifyEmail(context.Background(), "not-a-jwt", "")
	require.NotNil(t, err)
	assert.Equal(t, KindInvalidToken, err.Kind)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	first := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusSuccess, first.Status)
	second := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusSuccess, second.Status)

	keep := second.Session.ID
	chErr := f.svc.ChangePassword(context.Background(), ChangePasswordInput{
		UserID:          user.ID,
		CurrentPassword: "s3cret-pw",
		NewPassword:     "brand-new-pw",
		KeepSessionID:   &keep,
	})
	require.Nil(t, chErr)

	// The kept session survives, the other one is gone.
	_, authErr := f.svc.ValidateAccess(context.Background(), second.Tokens.AccessToken)
	assert.Nil(t, authErr)
	_, authErr = f.svc.ValidateAccess(context.Background(), first.Tokens.AccessToken)
	require.NotNil(t, authErr)

	// Only the new password works from here on.
	res := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	assert.Equal(t, KindInvalidCredentials, res.Err.Kind)
	res = f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "brand-new-pw"))
	assert.Equal(t, StatusSuccess, res.Status)

	assert.True(t, f.log.has(events.PasswordChange))
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	err := f.svc.ChangePassword(context.Background(), ChangePasswordInput{
		UserID:          user.ID,
		CurrentPassword: "wrong",
		NewPassword:     "brand-new-pw",
	})
	require.NotNil(t, err)
	assert.Equal(t, KindInvalidCredentials, err.Kind)
}

func TestRequestMagicLinkUnknownAddressIsSilent(t *testing.T) {
	f := newFixture()

	ch, err := f.svc.RequestMagicLink(context.Background(), "nobody@example.com", "")
	assert.Nil(t, err, "unknown address must not error")
	assert.Nil(t, ch, "and must not issue a challenge")

	_, err = f.svc.RequestMagicLink(context.Background(), "not-an-email", "")
	require.NotNil(t, err)
	assert.Equal(t, KindInvalidEmail, err.Kind)
}

func TestMagicLinkLoginFlow(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	ch, err := f.svc.RequestMagicLink(context.Background(), "alice@example.com", "")
	require.Nil(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, mfa.TypeMagicLink, ch.Type)
	require.NotEmpty(t, f.sender.lastToken)

	res := f.svc.Authenticate(context.Background(), Credentials{
		Kind:              CredPasswordless,
		ChallengeID:       ch.ID,
		Response:          f.sender.lastToken,
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, user.ID, res.User.ID)
}

func TestPasswordlessRejectsOtherChallengeTypes(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")
	user.MFAEnabled = true

	// An email OTP challenge must not be redeemable through the
	// passwordless endpoint.
	res := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusMFARequired, res.Status)

	res = f.svc.Authenticate(context.Background(), Credentials{
		Kind:        CredPasswordless,
		ChallengeID: res.Challenge.ID,
		Response:    f.sender.code(),
	})
	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindInvalidMFACode, res.Err.Kind)
}

func TestEnrollTOTPSwitchesStepUpMethod(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	url, codes, err := f.svc.EnrollTOTP(context.Background(), user.ID, "Gatehouse", "")
	require.Nil(t, err)
	assert.True(t, strings.HasPrefix(url, "otpauth://totp/"))
	assert.True(t, user.MFAEnabled)
	require.NotNil(t, user.TOTPSecret)

	// Enrollment hands out one-time backup codes; the account keeps only
	// their hashes.
	require.Len(t, codes, 10)
	require.Len(t, user.BackupCodes, 10)
	for i, code := range codes {
		assert.NotEqual(t, code, user.BackupCodes[i])
		assert.Equal(t, secure.Fingerprint(code), user.BackupCodes[i])
	}

	// The next login steps up with TOTP instead of an email code.
	res := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusMFARequired, res.Status)
	assert.Equal(t, mfa.TypeTOTP, res.Challenge.Type)
}

func TestBackupCodeCompletesStepUp(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	_, codes, err := f.svc.EnrollTOTP(context.Background(), user.ID, "Gatehouse", "")
	require.Nil(t, err)

	res := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusMFARequired, res.Status)

	cont := Credentials{
		Kind:              CredMFAContinuation,
		ChallengeID:       res.Challenge.ID,
		Response:          codes[0],
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	}
	res = f.svc.Authenticate(context.Background(), cont)
	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Tokens)
	assert.Equal(t, user.ID, res.User.ID)
	assert.Len(t, user.BackupCodes, 9, "the spent code is gone")
	assert.True(t, f.log.has(events.MFASuccess))
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	_, codes, err := f.svc.EnrollTOTP(context.Background(), user.ID, "Gatehouse", "")
	require.Nil(t, err)

	first := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusMFARequired, first.Status)

	cont := Credentials{
		Kind:              CredMFAContinuation,
		ChallengeID:       first.Challenge.ID,
		Response:          codes[0],
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	}
	require.Equal(t, StatusSuccess, f.svc.Authenticate(context.Background(), cont).Status)

	// The consumed code is worthless against a fresh challenge.
	second := f.svc.Authenticate(context.Background(), passwordCred("alice@example.com", "s3cret-pw"))
	require.Equal(t, StatusMFARequired, second.Status)

	cont.ChallengeID = second.Challenge.ID
	res := f.svc.Authenticate(context.Background(), cont)
	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindInvalidMFACode, res.Err.Kind)

	// An unspent code still works.
	cont.Response = codes[1]
	assert.Equal(t, StatusSuccess, f.svc.Authenticate(context.Background(), cont).Status)
}

func TestBackupCodeDoesNotRedeemMagicLinks(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")
	_, codes, err := f.svc.EnrollTOTP(context.Background(), user.ID, "Gatehouse", "")
	require.Nil(t, err)

	ch, mlErr := f.svc.RequestMagicLink(context.Background(), "alice@example.com", "")
	require.Nil(t, mlErr)
	require.NotNil(t, ch)

	res := f.svc.Authenticate(context.Background(), Credentials{
		Kind:              CredPasswordless,
		ChallengeID:       ch.ID,
		Response:          codes[0],
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	})
	require.Equal(t, StatusFailure, res.Status)
	assert.Len(t, user.BackupCodes, 10, "nothing consumed")
}

func TestWebAuthnEnrollmentUnavailableWithoutRelyingParty(t *testing.T) {
	f := newFixture()
	user := f.seedUser("alice@example.com", "s3cret-pw")

	_, err := f.svc.BeginWebAuthnEnrollment(context.Background(), user.ID, "")
	require.NotNil(t, err)
	assert.Equal(t, KindValidation, err.Kind)

	err = f.svc.FinishWebAuthnEnrollment(context.Background(), user.ID, "{}", "")
	require.NotNil(t, err)
	assert.Equal(t, KindValidation, err.Kind)
}

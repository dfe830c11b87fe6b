package mfa

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// memCredentialSource is an in-memory CredentialSource.
type memCredentialSource struct {
	mu     sync.Mutex
	byUser map[uuid.UUID][]webauthn.Credential
}

func newMemCredentialSource() *memCredentialSource {
	return &memCredentialSource{byUser: map[uuid.UUID][]webauthn.Credential{}}
}

func (s *memCredentialSource) WebAuthnCredentials(_ context.Context, userID uuid.UUID) ([]webauthn.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webauthn.Credential(nil), s.byUser[userID]...), nil
}

func (s *memCredentialSource) SaveWebAuthnCredential(_ context.Context, userID uuid.UUID, cred webauthn.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = append(s.byUser[userID], cred)
	return nil
}

func newWebAuthnManager(t *testing.T) (*Manager, *memCredentialSource, *clockwork.FakeClock) {
	t.Helper()
	src := newMemCredentialSource()
	broker, err := NewWebAuthnBroker("example.com", "Gatehouse", []string{"https://example.com"}, src)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(testStart)
	return NewManager(clock, &recordingSender{}, broker), src, clock
}

func enrolledUser(src *memCredentialSource) *store.User {
	user := &store.User{ID: uuid.New(), Email: "alice@example.com"}
	src.byUser[user.ID] = []webauthn.Credential{{ID: []byte("authenticator-1")}}
	return user
}

func TestWebAuthnChallengeCarriesCeremonySession(t *testing.T) {
	m, src, _ := newWebAuthnManager(t)
	user := enrolledUser(src)

	ch, raw, err := m.Issue(context.Background(), user, TypeWebAuthn)
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.Equal(t, testStart.Add(2*time.Minute), ch.ExpiresAt)
	require.NotEmpty(t, ch.WebAuthnSession)

	var session webauthn.SessionData
	require.NoError(t, json.Unmarshal(ch.WebAuthnSession, &session))
	assert.NotEmpty(t, session.Challenge)
	assert.Equal(t, user.ID[:], session.UserID)
}

func TestWebAuthnRequiresRegisteredCredential(t *testing.T) {
	m, _, _ := newWebAuthnManager(t)
	_, _, err := m.Issue(context.Background(), testUser(), TypeWebAuthn)
	assert.Error(t, err)
}

func TestWebAuthnUnavailableWithoutBroker(t *testing.T) {
	m, _, _ := newTestManager()
	user := testUser()

	_, _, err := m.Issue(context.Background(), user, TypeWebAuthn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webauthn not configured")

	_, err = m.BeginWebAuthnRegistration(context.Background(), user)
	assert.Error(t, err)
	assert.False(t, m.WebAuthnEnabled())
}

func TestWebAuthnGarbageAssertionRejected(t *testing.T) {
	m, src, _ := newWebAuthnManager(t)
	user := enrolledUser(src)

	ch, _, err := m.Issue(context.Background(), user, TypeWebAuthn)
	require.NoError(t, err)

	outcome, _ := m.Verify(context.Background(), ch.ID, `{"not":"an assertion"}`)
	assert.Equal(t, OutcomeWrong, outcome)
}

func TestWebAuthnPreferredOverTOTP(t *testing.T) {
	m, src, _ := newWebAuthnManager(t)
	ctx := context.Background()

	user := testUser()
	secret := "JBSWY3DPEHPK3PXP"
	user.TOTPSecret = &secret
	assert.Equal(t, TypeTOTP, m.PickType(ctx, user), "no authenticator yet")

	src.byUser[user.ID] = []webauthn.Credential{{ID: []byte("authenticator-1")}}
	assert.Equal(t, TypeWebAuthn, m.PickType(ctx, user))
}

func TestWebAuthnRegistrationCeremony(t *testing.T) {
	m, _, _ := newWebAuthnManager(t)
	user := testUser()
	ctx := context.Background()

	options, err := m.BeginWebAuthnRegistration(ctx, user)
	require.NoError(t, err)

	var creation struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			RP        struct {
				ID string `json:"id"`
			} `json:"rp"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(options, &creation))
	assert.NotEmpty(t, creation.PublicKey.Challenge)
	assert.Equal(t, "example.com", creation.PublicKey.RP.ID)

	// A garbled attestation response must not register anything.
	err = m.FinishWebAuthnRegistration(ctx, user, `{"not":"an attestation"}`)
	assert.Error(t, err)

	// Finishing without a pending ceremony fails too.
	stranger := testUser()
	err = m.FinishWebAuthnRegistration(ctx, stranger, `{}`)
	assert.Error(t, err)
}

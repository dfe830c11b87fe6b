package mfa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// regSessionTTL bounds an attestation ceremony: the client must answer
// the creation options within this window.
const regSessionTTL = 5 * time.Minute

// CredentialSource looks up and stores a user's registered WebAuthn
// credentials.
type CredentialSource interface {
	WebAuthnCredentials(ctx context.Context, userID uuid.UUID) ([]webauthn.Credential, error)
	SaveWebAuthnCredential(ctx context.Context, userID uuid.UUID, cred webauthn.Credential) error
}

// WebAuthnBroker wraps go-webauthn ceremonies: registration for
// enrollment, assertion for MFA step-up.
type WebAuthnBroker struct {
	wa    *webauthn.WebAuthn
	creds CredentialSource

	// Pending registration ceremonies, keyed by user id.
	regSessions *gocache.Cache
}

func NewWebAuthnBroker(rpID, rpName string, origins []string, creds CredentialSource) (*WebAuthnBroker, error) {
	if len(origins) == 0 {
		origins = []string{"https://" + rpID}
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpName,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &WebAuthnBroker{
		wa:          wa,
		creds:       creds,
		regSessions: gocache.New(regSessionTTL, time.Minute),
	}, nil
}

// waUser adapts a store.User (plus loaded credentials) to webauthn.User.
type waUser struct {
	user  *store.User
	creds []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { return u.user.ID[:] }
func (u *waUser) WebAuthnName() string                       { return u.user.Email }
func (u *waUser) WebAuthnDisplayName() string                { return u.user.Email }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// HasCredentials reports whether the user has at least one registered
// authenticator. A lookup failure reads as none.
func (b *WebAuthnBroker) HasCredentials(ctx context.Context, userID uuid.UUID) bool {
	creds, err := b.creds.WebAuthnCredentials(ctx, userID)
	return err == nil && len(creds) > 0
}

// BeginRegistration starts an attestation ceremony and returns the
// serialized creation options for the client. The ceremony state stays
// server-side until FinishRegistration.
func (b *WebAuthnBroker) BeginRegistration(ctx context.Context, user *store.User) ([]byte, error) {
	creds, err := b.creds.WebAuthnCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	wu := &waUser{user: user, creds: creds}
	options, session, err := b.wa.BeginRegistration(wu)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	b.regSessions.Set(user.ID.String(), raw, regSessionTTL)
	return json.Marshal(options)
}

// FinishRegistration validates the attestation response against the
// pending ceremony and stores the new credential. response is the raw
// JSON body produced by navigator.credentials.create.
func (b *WebAuthnBroker) FinishRegistration(ctx context.Context, user *store.User, response string) error {
	v, found := b.regSessions.Get(user.ID.String())
	if !found {
		return fmt.Errorf("no registration ceremony in progress for user %s", user.ID)
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(v.([]byte), &session); err != nil {
		return fmt.Errorf("corrupt webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(response))
	if err != nil {
		return fmt.Errorf("parse attestation: %w", err)
	}

	creds, err := b.creds.WebAuthnCredentials(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	wu := &waUser{user: user, creds: creds}
	cred, err := b.wa.CreateCredential(wu, session, parsed)
	if err != nil {
		return fmt.Errorf("validate attestation: %w", err)
	}
	if err := b.creds.SaveWebAuthnCredential(ctx, user.ID, *cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	b.regSessions.Delete(user.ID.String())
	return nil
}

// BeginLogin starts an assertion ceremony and returns the serialized
// session data to stash in the challenge.
func (b *WebAuthnBroker) BeginLogin(ctx context.Context, user *store.User) ([]byte, error) {
	creds, err := b.creds.WebAuthnCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no webauthn credentials registered for user %s", user.ID)
	}

	wu := &waUser{user: user, creds: creds}
	_, session, err := b.wa.BeginLogin(wu)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	return json.Marshal(session)
}

// FinishLogin validates the client assertion against the stored session.
// response is the raw JSON body produced by navigator.credentials.get.
func (b *WebAuthnBroker) FinishLogin(ctx context.Context, ch *Challenge, response string) error {
	var session webauthn.SessionData
	if err := json.Unmarshal(ch.WebAuthnSession, &session); err != nil {
		return fmt.Errorf("corrupt webauthn session: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return fmt.Errorf("parse assertion: %w", err)
	}

	creds, err := b.creds.WebAuthnCredentials(ctx, ch.UserID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	wu := &waUser{user: &store.User{ID: ch.UserID}, creds: creds}

	if _, err := b.wa.ValidateLogin(wu, session, parsed); err != nil {
		return fmt.Errorf("validate assertion: %w", err)
	}
	return nil
}

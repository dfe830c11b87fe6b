// Package oauth handles federated login against upstream identity
// providers. The authorization-code flow runs with PKCE; state and
// verifier live in a short TTL cache and are consumed exactly once.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

const stateTTL = 10 * time.Minute

// ErrStateMismatch covers unknown, expired or replayed state values.
var ErrStateMismatch = errors.New("oauth state mismatch")

// ProviderConfig is one upstream provider entry.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Identity is the provider-verified subject handed to the auth pipeline.
type Identity struct {
	Provider string
	Subject  string
	Email    string
	Verified bool
}

type provider struct {
	cfg         *oauth2.Config
	userInfoURL string
}

// Manager runs the code flow for the configured providers.
type Manager struct {
	providers map[string]provider
	states    *gocache.Cache
	client    *http.Client
}

func NewManager(client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		providers: make(map[string]provider),
		states:    gocache.New(stateTTL, 5*time.Minute),
		client:    client,
	}
}

// RegisterGoogle wires the Google provider.
func (m *Manager) RegisterGoogle(pc ProviderConfig) {
	m.providers["google"] = provider{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       []string{"openid", "email"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

// RegisterGitHub wires the GitHub provider.
func (m *Manager) RegisterGitHub(pc ProviderConfig) {
	m.providers["github"] = provider{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		},
		userInfoURL: "https://api.github.com/user",
	}
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []string {
	out := make([]string, 0, len(m.providers))
	for name := range m.providers {
		out = append(out, name)
	}
	return out
}

// Begin starts the flow: allocates state, a PKCE verifier, and returns
// the authorization URL to redirect the client to.
func (m *Manager) Begin(name string) (authURL, state string, err error) {
	p, ok := m.providers[name]
	if !ok {
		return "", "", fmt.Errorf("unknown oauth provider %q", name)
	}
	state, err = secure.GenerateSecureToken(32)
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()
	m.states.Set(name+":"+state, verifier, stateTTL)

	return p.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), state, nil
}

// Complete finishes the flow: consumes the state, exchanges the code
// and resolves the provider identity. State replay fails.
func (m *Manager) Complete(ctx context.Context, name, state, code string) (*Identity, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown oauth provider %q", name)
	}
	key := name + ":" + state
	v, found := m.states.Get(key)
	if !found {
		return nil, ErrStateMismatch
	}
	m.states.Delete(key)
	verifier := v.(string)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauth code exchange failed: %w", err)
	}
	return m.fetchIdentity(ctx, p, name, tok)
}

func (m *Manager) fetchIdentity(ctx context.Context, p provider, name string, tok *oauth2.Token) (*Identity, error) {
	resp, err := p.cfg.Client(ctx, tok).Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("userinfo fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var claims struct {
		Sub           string      `json:"sub"`
		ID            json.Number `json:"id"` // github uses a numeric id
		Email         string      `json:"email"`
		EmailVerified bool        `json:"email_verified"`
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("userinfo decode failed: %w", err)
	}

	subject := claims.Sub
	if subject == "" {
		subject = claims.ID.String()
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("provider %s returned no email", name)
	}
	return &Identity{
		Provider: name,
		Subject:  subject,
		Email:    claims.Email,
		Verified: claims.EmailVerified || name == "github",
	}, nil
}

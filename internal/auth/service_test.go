package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/mfa"
	"github.com/gatehouse-io/gatehouse/internal/risk"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// testStart is a fixed instant inside usual business hours (14:00 UTC).
var testStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

// plainHasher avoids argon2 cost in pipeline tests.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain$" + password, nil }

func (plainHasher) Compare(hash, password string) error {
	if hash == "plain$"+password {
		return nil
	}
	return ErrPasswordMismatch
}

type fakeUsers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*store.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: map[uuid.UUID]*store.User{}}
}

func (f *fakeUsers) add(u *store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[u.ID] = u
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, nil
}

func (f *fakeUsers) Create(_ context.Context, u *store.User) error {
	f.add(u)
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.PasswordHash = &hash
	}
	return nil
}

func (f *fakeUsers) MarkEmailVerified(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (f *fakeUsers) EnableTOTP(_ context.Context, id uuid.UUID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.TOTPSecret = &secret
		u.MFAEnabled = true
	}
	return nil
}

func (f *fakeUsers) SetMFAEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.MFAEnabled = enabled
	}
	return nil
}

func (f *fakeUsers) SetBackupCodes(_ context.Context, id uuid.UUID, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.BackupCodes = append([]string(nil), hashes...)
	}
	return nil
}

func (f *fakeUsers) ConsumeBackupCode(_ context.Context, id uuid.UUID, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	for i, h := range u.BackupCodes {
		if h == hash {
			u.BackupCodes = append(u.BackupCodes[:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) IncrementFailedLogin(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID[id]
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (f *fakeUsers) SetLockedUntil(_ context.Context, id uuid.UUID, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].LockedUntil = &until
	return nil
}

func (f *fakeUsers) ResetFailedLogin(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID[id]
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

func (f *fakeUsers) RecordLogin(_ context.Context, id uuid.UUID, at time.Time, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID[id]
	u.LastLoginAt = &at
	u.LastLoginIP = &ip
	return nil
}

type finalized struct {
	success   bool
	reason    string
	riskScore int
}

type fakeAttempts struct {
	mu        sync.Mutex
	recorded  []store.AuthAttempt
	finalized map[uuid.UUID]finalized
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{finalized: map[uuid.UUID]finalized{}}
}

func (f *fakeAttempts) Record(_ context.Context, a *store.AuthAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, *a)
	return nil
}

func (f *fakeAttempts) Finalize(_ context.Context, id uuid.UUID, success bool, reason string, riskScore int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[id] = finalized{success: success, reason: reason, riskScore: riskScore}
	return nil
}

func (f *fakeAttempts) last() (store.AuthAttempt, finalized) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.recorded[len(f.recorded)-1]
	return a, f.finalized[a.ID]
}

// memSessionRepo is an in-memory session.Repository.
type memSessionRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*store.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{byID: map[uuid.UUID]*store.Session{}}
}

func (r *memSessionRepo) Create(_ context.Context, s *store.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, store.ErrSessionNotFound
}

func (r *memSessionRepo) GetByAccessFingerprint(_ context.Context, fp string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.AccessFingerprint == fp {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrSessionNotFound
}

func (r *memSessionRepo) GetByRefreshFingerprint(_ context.Context, fp string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.RefreshFingerprint == fp {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrSessionNotFound
}

func (r *memSessionRepo) UpdateTokens(_ context.Context, id uuid.UUID, accessFP, refreshFP string, expiresAt, refreshExpiresAt time.Time, riskScore int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || !s.Active {
		return store.ErrSessionNotFound
	}
	s.AccessFingerprint = accessFP
	s.RefreshFingerprint = refreshFP
	s.ExpiresAt = expiresAt
	s.RefreshExpiresAt = refreshExpiresAt
	s.RiskScore = riskScore
	return nil
}

func (r *memSessionRepo) TouchActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok && at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

func (r *memSessionRepo) Terminate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		s.Active = false
	}
	return nil
}

func (r *memSessionRepo) TerminateUserSessions(_ context.Context, userID uuid.UUID, exceptID *uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byID {
		if s.UserID != userID || !s.Active {
			continue
		}
		if exceptID != nil && s.ID == *exceptID {
			continue
		}
		s.Active = false
		n++
	}
	return n, nil
}

func (r *memSessionRepo) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byID {
		if s.Active && s.RefreshExpiresAt.Before(cutoff) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byID {
		if s.UserID == userID && s.Active {
			n++
		}
	}
	return n, nil
}

// stubHistory serves a fixed snapshot to the risk engine.
type stubHistory struct {
	mu   sync.Mutex
	snap risk.Snapshot
	err  error
}

func (h *stubHistory) Snapshot(context.Context, uuid.UUID) (risk.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap, h.err
}

func (h *stubHistory) set(snap risk.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap = snap
}

// memEventLog is an in-memory events.Log.
type memEventLog struct {
	mu     sync.Mutex
	events []store.EventRecord
}

func (l *memEventLog) Append(_ context.Context, ev *store.EventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
	return nil
}

func (l *memEventLog) List(_ context.Context, since time.Time, limit int) ([]store.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.EventRecord
	for _, ev := range l.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *memEventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *memEventLog) has(eventType string) bool {
	for _, t := range l.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

// captureSender records delivered codes instead of sending them.
type captureSender struct {
	mu        sync.Mutex
	lastCode  string
	lastToken string
}

func (s *captureSender) SendOTP(_ context.Context, _ mfa.Type, _ uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	return nil
}

func (s *captureSender) SendMagicLink(_ context.Context, _ uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastToken = token
	return nil
}

func (s *captureSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

type fixture struct {
	svc      *Service
	users    *fakeUsers
	attempts *fakeAttempts
	repo     *memSessionRepo
	history  *stubHistory
	log      *memEventLog
	sender   *captureSender
	clock    *clockwork.FakeClock
	tokens   *TokenService
}

// fakeCredentials is an in-memory mfa.CredentialSource.
type fakeCredentials struct {
	mu     sync.Mutex
	byUser map[uuid.UUID][]webauthn.Credential
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{byUser: map[uuid.UUID][]webauthn.Credential{}}
}

func (f *fakeCredentials) add(userID uuid.UUID, cred webauthn.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[userID] = append(f.byUser[userID], cred)
}

func (f *fakeCredentials) WebAuthnCredentials(_ context.Context, userID uuid.UUID) ([]webauthn.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webauthn.Credential(nil), f.byUser[userID]...), nil
}

func (f *fakeCredentials) SaveWebAuthnCredential(_ context.Context, userID uuid.UUID, cred webauthn.Credential) error {
	f.add(userID, cred)
	return nil
}

func newFixture() *fixture {
	return newFixtureWithBroker(nil)
}

func newFixtureWithBroker(broker *mfa.WebAuthnBroker) *fixture {
	clock := clockwork.NewFakeClockAt(testStart)
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := NewTokenService(TokenConfig{
		AccessSecret:  []byte("test-access-secret-0123456789abcdef"),
		RefreshSecret: []byte("test-refresh-secret-0123456789abcde"),
		Issuer:        "gatehouse-test",
		Audience:      "gatehouse",
	}, clock)
	if err != nil {
		panic(err)
	}

	f := &fixture{
		users:    newFakeUsers(),
		attempts: newFakeAttempts(),
		repo:     newMemSessionRepo(),
		history:  &stubHistory{snap: calmSnapshot()},
		log:      &memEventLog{},
		sender:   &captureSender{},
		clock:    clock,
		tokens:   tokens,
	}

	sessions := session.NewStore(f.repo, clock, discard)
	engine := risk.NewEngine(f.history, clock)
	mfaMgr := mfa.NewManager(clock, f.sender, broker)
	bus := events.NewBus(f.log, clock, discard)
	auditor := audit.NewRecorder(64, clock)

	f.svc = NewService(ServiceConfig{}, f.users, f.attempts, sessions, tokens,
		plainHasher{}, engine, mfaMgr, bus, auditor, clock, discard)
	return f
}

// calmSnapshot matches the default credentials of seedUser: everything
// known, no failures, login during usual hours.
func calmSnapshot() risk.Snapshot {
	return risk.Snapshot{
		AccountCreatedAt: testStart.Add(-90 * 24 * time.Hour),
		KnownDevices:     []string{"dev-fp-1"},
		KnownIPs:         []string{"203.0.113.10"},
		UsualLoginHours:  []int{13, 14, 15},
	}
}

func riskySnapshot() risk.Snapshot {
	return risk.Snapshot{
		AccountCreatedAt: testStart.Add(-90 * 24 * time.Hour),
		RecentFailures:   4,
	}
}

func (f *fixture) seedUser(email, password string) *store.User {
	hash := "plain$" + password
	verified := testStart.Add(-80 * 24 * time.Hour)
	u := &store.User{
		ID:              uuid.New(),
		Email:           email,
		EmailVerifiedAt: &verified,
		PasswordHash:    &hash,
		Roles:           []string{"user"},
		Permissions:     []string{"profile:read"},
		CreatedAt:       testStart.Add(-90 * 24 * time.Hour),
	}
	f.users.add(u)
	return u
}

func passwordCred(email, password string) Credentials {
	return Credentials{
		Kind:              CredPassword,
		Email:             email,
		Password:          password,
		DeviceFingerprint: "dev-fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64)",
	}
}

// Package session owns the authenticated user/device bindings. The
// authoritative tier is transactional; a fast-path index keyed by
// access-token fingerprint serves hot validation. The index is always
// subordinate: on divergence the authoritative record wins, and a failed
// index write is repaired on the next validation.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Sentinel outcomes for validation and rotation. The orchestrator maps
// these onto its stable error kinds.
var (
	ErrNotFound            = errors.New("session not found")
	ErrExpired             = errors.New("session expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// activityDebounce bounds last-activity writes to one per session per
// window. Last-writer-wins; no correctness impact.
const activityDebounce = 30 * time.Second

// Repository is the authoritative tier.
type Repository interface {
	Create(ctx context.Context, s *store.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*store.Session, error)
	GetByAccessFingerprint(ctx context.Context, fp string) (*store.Session, error)
	GetByRefreshFingerprint(ctx context.Context, fp string) (*store.Session, error)
	// UpdateTokens swaps both fingerprints in one statement, which is what
	// invalidates the previous refresh token.
	UpdateTokens(ctx context.Context, id uuid.UUID, accessFP, refreshFP string, expiresAt, refreshExpiresAt time.Time, riskScore int) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	Terminate(ctx context.Context, id uuid.UUID) error
	TerminateUserSessions(ctx context.Context, userID uuid.UUID, exceptID *uuid.UUID) (int, error)
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
}

// Entry is the fast-path subset held per access-token fingerprint.
type Entry struct {
	SessionID    uuid.UUID
	UserID       uuid.UUID
	ExpiresAt    time.Time
	RiskScore    int
	Active       bool
	LastActivity time.Time
}

// Validation is the outcome of ValidateByToken.
type Validation struct {
	Valid  bool
	Entry  *Entry
	Reason error
}

// Store is the dual-tier session store.
type Store struct {
	repo   Repository
	fast   *gocache.Cache
	clock  clockwork.Clock
	logger *slog.Logger

	rotate singleflight.Group // keyed by session id

	mu        sync.Mutex
	lastBumps map[uuid.UUID]time.Time
}

func NewStore(repo Repository, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:      repo,
		fast:      gocache.New(gocache.NoExpiration, 10*time.Minute),
		clock:     clock,
		logger:    logger,
		lastBumps: make(map[uuid.UUID]time.Time),
	}
}

// Create writes the authoritative record first, then pushes the fast-path
// entry. A fast-path failure is not an error: the session exists and the
// index is rebuilt on the next validation.
func (s *Store) Create(ctx context.Context, sess *store.Session) error {
	if err := s.repo.Create(ctx, sess); err != nil {
		return err
	}
	s.push(sess)
	return nil
}

// ValidateByToken checks the access-token fingerprint on the fast path
// and falls back to the authoritative tier on a miss. A session is valid
// iff it is active and unexpired. On success a debounced activity bump is
// scheduled off the request path.
func (s *Store) ValidateByToken(ctx context.Context, accessFP string) Validation {
	now := s.clock.Now()

	if v, found := s.fast.Get(accessFP); found {
		e := v.(*Entry)
		if !e.Active {
			return Validation{Reason: ErrNotFound}
		}
		if !e.ExpiresAt.After(now) {
			s.fast.Delete(accessFP)
			return Validation{Reason: ErrExpired}
		}
		s.bumpActivity(e.SessionID, accessFP, now)
		return Validation{Valid: true, Entry: e}
	}

	sess, err := s.repo.GetByAccessFingerprint(ctx, accessFP)
	if err != nil {
		return Validation{Reason: ErrNotFound}
	}
	if !sess.Active {
		return Validation{Reason: ErrNotFound}
	}
	if !sess.ExpiresAt.After(now) {
		return Validation{Reason: ErrExpired}
	}

	s.push(sess)
	s.bumpActivity(sess.ID, accessFP, now)
	return Validation{Valid: true, Entry: entryOf(sess)}
}

// RotateByRefreshFingerprint swaps the session's token pair under a
// per-session single flight so two concurrent refreshes cannot split the
// chain. mint is called with the current session and returns the new
// fingerprints and expiries. The previous refresh fingerprint stops
// matching the moment UpdateTokens commits, so a refresh token rotates at
// most once.
func (s *Store) RotateByRefreshFingerprint(
	ctx context.Context,
	refreshFP string,
	mint func(sess *store.Session) (accessFP, newRefreshFP string, expiresAt, refreshExpiresAt time.Time, riskScore int, err error),
) (*store.Session, error) {
	sess, err := s.repo.GetByRefreshFingerprint(ctx, refreshFP)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	v, err, _ := s.rotate.Do(sess.ID.String(), func() (any, error) {
		// Re-read inside the flight: a concurrent rotation may have already
		// consumed this fingerprint.
		cur, err := s.repo.GetByRefreshFingerprint(ctx, refreshFP)
		if err != nil {
			return nil, ErrInvalidRefreshToken
		}
		now := s.clock.Now()
		if !cur.Active {
			return nil, ErrNotFound
		}
		if !cur.RefreshExpiresAt.After(now) {
			return nil, ErrExpired
		}

		oldAccessFP := cur.AccessFingerprint
		accessFP, newRefreshFP, expiresAt, refreshExpiresAt, riskScore, err := mint(cur)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdateTokens(ctx, cur.ID, accessFP, newRefreshFP, expiresAt, refreshExpiresAt, riskScore); err != nil {
			return nil, err
		}

		cur.AccessFingerprint = accessFP
		cur.RefreshFingerprint = newRefreshFP
		cur.ExpiresAt = expiresAt
		cur.RefreshExpiresAt = refreshExpiresAt
		cur.RiskScore = riskScore
		cur.LastActivity = now

		s.fast.Delete(oldAccessFP)
		s.push(cur)
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Session), nil
}

// Terminate hard-stops the session: authoritative tier first, then the
// index. Terminating an already-terminated or unknown session is a no-op.
func (s *Store) Terminate(ctx context.Context, id uuid.UUID) error {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil // idempotent
	}
	if err := s.repo.Terminate(ctx, id); err != nil {
		return err
	}
	s.fast.Delete(sess.AccessFingerprint)
	return nil
}

// TerminateUserSessions revokes every active session of the user except
// exceptID. Used on password change and security events.
func (s *Store) TerminateUserSessions(ctx context.Context, userID uuid.UUID, exceptID *uuid.UUID) (int, error) {
	n, err := s.repo.TerminateUserSessions(ctx, userID, exceptID)
	if err != nil {
		return 0, err
	}
	// The index may still hold revoked entries; flush them.
	for fp, item := range s.fast.Items() {
		e, ok := item.Object.(*Entry)
		if !ok || e.UserID != userID {
			continue
		}
		if exceptID != nil && e.SessionID == *exceptID {
			continue
		}
		s.fast.Delete(fp)
	}
	return n, nil
}

// CleanupExpired soft-terminates sessions past their expiry. Run it from
// a periodic sweep.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	return s.repo.ExpireBefore(ctx, s.clock.Now())
}

// GetByID reads the authoritative record.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	return s.repo.GetByID(ctx, id)
}

// CountActive reports the number of live sessions for a user.
func (s *Store) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountActive(ctx, userID)
}

func (s *Store) push(sess *store.Session) {
	ttl := sess.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return
	}
	s.fast.Set(sess.AccessFingerprint, entryOf(sess), ttl)
}

func entryOf(sess *store.Session) *Entry {
	return &Entry{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		ExpiresAt:    sess.ExpiresAt,
		RiskScore:    sess.RiskScore,
		Active:       sess.Active,
		LastActivity: sess.LastActivity,
	}
}

// bumpActivity schedules an async last-activity write, at most one per
// session per debounce window.
func (s *Store) bumpActivity(id uuid.UUID, accessFP string, now time.Time) {
	s.mu.Lock()
	last, seen := s.lastBumps[id]
	if seen && now.Sub(last) < activityDebounce {
		s.mu.Unlock()
		return
	}
	s.lastBumps[id] = now
	s.mu.Unlock()

	// Replace the cached entry instead of mutating it: concurrent
	// validators may be reading the same pointer.
	if v, found := s.fast.Get(accessFP); found {
		e := *v.(*Entry)
		if now.After(e.LastActivity) {
			e.LastActivity = now
			if ttl := e.ExpiresAt.Sub(now); ttl > 0 {
				s.fast.Set(accessFP, &e, ttl)
			}
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchActivity(ctx, id, now); err != nil {
			s.logger.Warn("session_activity_bump_failed", "session_id", id, "error", err)
		}
	}()
}

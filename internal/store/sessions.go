package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, user_id, access_fingerprint, refresh_fingerprint,
	expires_at, refresh_expires_at, last_activity, created_at,
	ip, device_fingerprint, user_agent, risk_score, active`

// ErrSessionNotFound is the repository-level miss; the session store
// maps it onto its own sentinels.
var ErrSessionNotFound = errors.New("session row not found")

// SessionRepo is the authoritative PostgreSQL tier of the session store.
type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.AccessFingerprint, &s.RefreshFingerprint,
		&s.ExpiresAt, &s.RefreshExpiresAt, &s.LastActivity, &s.CreatedAt,
		&s.IP, &s.DeviceFingerprint, &s.UserAgent, &s.RiskScore, &s.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, access_fingerprint, refresh_fingerprint,
			expires_at, refresh_expires_at, last_activity, created_at,
			ip, device_fingerprint, user_agent, risk_score, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.UserID, s.AccessFingerprint, s.RefreshFingerprint,
		s.ExpiresAt, s.RefreshExpiresAt, s.LastActivity, s.CreatedAt,
		s.IP, s.DeviceFingerprint, s.UserAgent, s.RiskScore, s.Active)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *SessionRepo) GetByAccessFingerprint(ctx context.Context, fp string) (*Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_fingerprint = $1`, fp))
}

func (r *SessionRepo) GetByRefreshFingerprint(ctx context.Context, fp string) (*Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_fingerprint = $1`, fp))
}

// UpdateTokens swaps both fingerprints atomically; the previous refresh
// fingerprint stops matching the moment this commits.
func (r *SessionRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessFP, refreshFP string, expiresAt, refreshExpiresAt time.Time, riskScore int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET access_fingerprint = $2, refresh_fingerprint = $3,
			expires_at = $4, refresh_expires_at = $5, risk_score = $6,
			last_activity = now()
		 WHERE id = $1 AND active`,
		id, accessFP, refreshFP, expiresAt, refreshExpiresAt, riskScore)
	if err != nil {
		return fmt.Errorf("failed to rotate session tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepo) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to touch session activity: %w", err)
	}
	return nil
}

func (r *SessionRepo) Terminate(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	return nil
}

func (r *SessionRepo) TerminateUserSessions(ctx context.Context, userID uuid.UUID, exceptID *uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET active = FALSE
		 WHERE user_id = $1 AND active AND ($2::uuid IS NULL OR id <> $2)`,
		userID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate user sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *SessionRepo) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE active AND refresh_expires_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *SessionRepo) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE user_id = $1 AND active AND expires_at > now()`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// ListByUser returns the user's sessions, newest first. For the
// profile's active-sessions view.
func (r *SessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.AccessFingerprint, &s.RefreshFingerprint,
			&s.ExpiresAt, &s.RefreshExpiresAt, &s.LastActivity, &s.CreatedAt,
			&s.IP, &s.DeviceFingerprint, &s.UserAgent, &s.RiskScore, &s.Active,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepo is the append-only log of credential evaluations.
type AttemptRepo struct {
	pool *pgxpool.Pool
}

func NewAttemptRepo(pool *pgxpool.Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

func (r *AttemptRepo) Record(ctx context.Context, a *AuthAttempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO auth_attempts (id, user_id, email, ip, user_agent,
			device_fingerprint, success, failure_reason, risk_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.Email, a.IP, a.UserAgent,
		a.DeviceFingerprint, a.Success, a.FailureReason, a.RiskScore, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record auth attempt: %w", err)
	}
	return nil
}

// Finalize settles the provisional record once the pipeline completes.
func (r *AttemptRepo) Finalize(ctx context.Context, id uuid.UUID, success bool, reason string, riskScore int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE auth_attempts SET success = $2, failure_reason = $3, risk_score = $4
		 WHERE id = $1`,
		id, success, reason, riskScore)
	if err != nil {
		return fmt.Errorf("failed to finalize auth attempt: %w", err)
	}
	return nil
}

// CountRecentFailures reports failed attempts for the user inside the
// window. Feeds the behavior factor of risk scoring.
func (r *AttemptRepo) CountRecentFailures(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM auth_attempts
		 WHERE user_id = $1 AND NOT success AND failure_reason <> 'in_progress' AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}
	return n, nil
}

// ListRecent returns the newest attempts for an account, for the admin
// and profile security views.
func (r *AttemptRepo) ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]AuthAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, email, ip, user_agent, device_fingerprint,
			success, failure_reason, risk_score, created_at
		 FROM auth_attempts WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth attempts: %w", err)
	}
	defer rows.Close()

	var out []AuthAttempt
	for rows.Next() {
		var a AuthAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Email, &a.IP, &a.UserAgent,
			&a.DeviceFingerprint, &a.Success, &a.FailureReason, &a.RiskScore, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, email, email_verified_at, password_hash, mfa_enabled,
	totp_secret, phone_number, backup_codes, failed_login_attempts, locked_until,
	last_login_at, last_login_ip, risk_score, roles, created_at, updated_at`

// UserRepo is the PostgreSQL credential store.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.EmailVerifiedAt, &u.PasswordHash, &u.MFAEnabled,
		&u.TOTPSecret, &u.PhoneNumber, &u.BackupCodes, &u.FailedLoginAttempts, &u.LockedUntil,
		&u.LastLoginAt, &u.LastLoginIP, &u.RiskScore, &u.Roles, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// loadPermissions flattens the permission sets of the user's roles.
func (r *UserRepo) loadPermissions(ctx context.Context, u *User) error {
	if len(u.Roles) == 0 {
		return nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT unnest(permissions) FROM roles WHERE name = ANY($1) ORDER BY 1`,
		u.Roles)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		u.Permissions = append(u.Permissions, p)
	}
	return rows.Err()
}

// GetByEmail looks up by case-folded address. A missing user returns
// (nil, nil); errors are infrastructure failures only.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(email))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	if err := r.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	if err := r.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepo) Create(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, email_verified_at, password_hash, mfa_enabled,
			totp_secret, phone_number, roles, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, strings.ToLower(u.Email), u.EmailVerifiedAt, u.PasswordHash, u.MFAEnabled,
		u.TOTPSecret, u.PhoneNumber, u.Roles, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, hash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

func (r *UserRepo) MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET email_verified_at = $2, updated_at = now()
		 WHERE id = $1 AND email_verified_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

func (r *UserRepo) EnableTOTP(ctx context.Context, id uuid.UUID, secret string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET totp_secret = $2, mfa_enabled = TRUE, updated_at = now() WHERE id = $1`,
		id, secret)
	if err != nil {
		return fmt.Errorf("failed to enable totp: %w", err)
	}
	return nil
}

func (r *UserRepo) SetMFAEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET mfa_enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set mfa flag: %w", err)
	}
	return nil
}

// SetBackupCodes replaces the full set of backup-code hashes.
func (r *UserRepo) SetBackupCodes(ctx context.Context, id uuid.UUID, hashes []string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET backup_codes = $2, updated_at = now() WHERE id = $1`,
		id, hashes)
	if err != nil {
		return fmt.Errorf("failed to set backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode removes the hash from the set in one statement.
// Reporting true means this caller spent the code; a replay of the same
// hash matches nothing and reports false.
func (r *UserRepo) ConsumeBackupCode(ctx context.Context, id uuid.UUID, hash string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET backup_codes = array_remove(backup_codes, $2), updated_at = now()
		 WHERE id = $1 AND $2 = ANY(backup_codes)`,
		id, hash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementFailedLogin bumps the counter in one statement and returns
// the new value, so racing failures each see a distinct count.
func (r *UserRepo) IncrementFailedLogin(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = now()
		 WHERE id = $1 RETURNING failed_login_attempts`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment failed logins: %w", err)
	}
	return count, nil
}

func (r *UserRepo) SetLockedUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET locked_until = $2, updated_at = now() WHERE id = $1`,
		id, until)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	return nil
}

func (r *UserRepo) ResetFailedLogin(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to reset failed logins: %w", err)
	}
	return nil
}

func (r *UserRepo) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, last_login_ip = $3, updated_at = now() WHERE id = $1`,
		id, at, ip)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const webhookColumns = `id, owner_id, url, secret, events, active,
	failure_count, success_count, consecutive_failures, created_at, updated_at`

// ErrWebhookNotFound marks a missing registration.
var ErrWebhookNotFound = errors.New("webhook not found")

// WebhookRepo persists registrations and delivery bookkeeping.
type WebhookRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var w Webhook
	err := row.Scan(
		&w.ID, &w.OwnerID, &w.URL, &w.Secret, &w.Events, &w.Active,
		&w.FailureCount, &w.SuccessCount, &w.ConsecutiveFailures, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook: %w", err)
	}
	return &w, nil
}

func (r *WebhookRepo) Create(ctx context.Context, w *Webhook) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhooks (id, owner_id, url, secret, events, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.OwnerID, w.URL, w.Secret, w.Events, w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	return scanWebhook(r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
}

func (r *WebhookRepo) ListActive(ctx context.Context) ([]Webhook, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active`)
}

func (r *WebhookRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Webhook, error) {
	return r.list(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = $1 ORDER BY created_at`,
		ownerID)
}

func (r *WebhookRepo) list(ctx context.Context, sql string, args ...any) ([]Webhook, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(
			&w.ID, &w.OwnerID, &w.URL, &w.Secret, &w.Events, &w.Active,
			&w.FailureCount, &w.SuccessCount, &w.ConsecutiveFailures, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update replaces url, events and active flag. Secrets rotate through
// RotateSecret only.
func (r *WebhookRepo) Update(ctx context.Context, id uuid.UUID, url string, events []string, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET url = $2, events = $3, active = $4, updated_at = now() WHERE id = $1`,
		id, url, events, active)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (r *WebhookRepo) RotateSecret(ctx context.Context, id uuid.UUID, secret string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET secret = $2, updated_at = now() WHERE id = $1`,
		id, secret)
	if err != nil {
		return fmt.Errorf("failed to rotate webhook secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (r *WebhookRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate webhook: %w", err)
	}
	return nil
}

// UpdateStats bumps the delivery counters in one statement and returns
// the consecutive-failure streak after the update.
func (r *WebhookRepo) UpdateStats(ctx context.Context, id uuid.UUID, success bool) (int, error) {
	var streak int
	err := r.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			updated_at = now()
		 WHERE id = $1 RETURNING consecutive_failures`,
		id, success).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("failed to update webhook stats: %w", err)
	}
	return streak, nil
}

func (r *WebhookRepo) RecordAttempt(ctx context.Context, a *DeliveryAttempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event_id, status,
			http_status, response, attempt, scheduled_for)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.WebhookID, a.EventID, a.Status,
		a.HTTPStatus, a.Response, a.Attempt, a.ScheduledFor)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ListAttempts returns delivery history for one webhook, newest first.
func (r *WebhookRepo) ListAttempts(ctx context.Context, webhookID uuid.UUID, limit int) ([]DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, webhook_id, event_id, status, http_status, response, attempt, scheduled_for, created_at
		 FROM webhook_deliveries WHERE webhook_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.WebhookID, &a.EventID, &a.Status,
			&a.HTTPStatus, &a.Response, &a.Attempt, &a.ScheduledFor, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DLQRepo retains exhausted deliveries. Rows older than the retention
// window are purged by the worker sweep.
type DLQRepo struct {
	pool *pgxpool.Pool
}

func NewDLQRepo(pool *pgxpool.Pool) *DLQRepo {
	return &DLQRepo{pool: pool}
}

func (r *DLQRepo) Push(ctx context.Context, webhookID, eventID uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_dlq (id, webhook_id, event_id, last_error)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), webhookID, eventID, lastError)
	if err != nil {
		return fmt.Errorf("failed to push to dlq: %w", err)
	}
	return nil
}

// Purge removes entries past the retention window and returns how many
// were dropped.
func (r *DLQRepo) Purge(ctx context.Context, olderThan int) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM webhook_dlq WHERE created_at < now() - make_interval(days => $1)`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

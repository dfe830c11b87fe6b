package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gatehouse-io/gatehouse/internal/risk"
)

// History window constants: failures count over the last hour; devices,
// addresses and login hours baseline over the last 90 days.
const (
	failureWindow  = time.Hour
	baselineWindow = 90 * 24 * time.Hour
	snapshotTTL    = time.Minute
)

// LoginHistory builds risk snapshots from the attempt log and user
// record. Snapshots are cached briefly so the risk engine stays inside
// its latency budget under repeated attempts against one account.
type LoginHistory struct {
	pool  *pgxpool.Pool
	cache *gocache.Cache
	clock clockwork.Clock
}

func NewLoginHistory(pool *pgxpool.Pool, clock clockwork.Clock) *LoginHistory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LoginHistory{
		pool:  pool,
		cache: gocache.New(snapshotTTL, 5*time.Minute),
		clock: clock,
	}
}

var _ risk.History = (*LoginHistory)(nil)

// Snapshot assembles the per-user baseline, serving from cache when
// fresh.
func (h *LoginHistory) Snapshot(ctx context.Context, userID uuid.UUID) (risk.Snapshot, error) {
	if v, found := h.cache.Get(userID.String()); found {
		return v.(risk.Snapshot), nil
	}

	now := h.clock.Now()
	var snap risk.Snapshot

	err := h.pool.QueryRow(ctx,
		`SELECT created_at, failed_login_attempts FROM users WHERE id = $1`,
		userID).Scan(&snap.AccountCreatedAt, &snap.RecentFailures)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("failed to load user baseline: %w", err)
	}

	var recent int
	err = h.pool.QueryRow(ctx,
		`SELECT count(*) FROM auth_attempts
		 WHERE user_id = $1 AND NOT success AND failure_reason <> 'in_progress' AND created_at >= $2`,
		userID, now.Add(-failureWindow)).Scan(&recent)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("failed to count recent failures: %w", err)
	}
	if recent > snap.RecentFailures {
		snap.RecentFailures = recent
	}

	err = h.pool.QueryRow(ctx,
		`SELECT
			coalesce(array_agg(DISTINCT device_fingerprint) FILTER (WHERE device_fingerprint <> ''), '{}'),
			coalesce(array_agg(DISTINCT ip) FILTER (WHERE ip <> ''), '{}'),
			coalesce(array_agg(DISTINCT extract(hour FROM created_at AT TIME ZONE 'UTC')::int), '{}')
		 FROM auth_attempts
		 WHERE user_id = $1 AND success AND created_at >= $2`,
		userID, now.Add(-baselineWindow)).Scan(&snap.KnownDevices, &snap.KnownIPs, &snap.UsualLoginHours)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("failed to load login baseline: %w", err)
	}

	h.cache.Set(userID.String(), snap, snapshotTTL)
	return snap, nil
}

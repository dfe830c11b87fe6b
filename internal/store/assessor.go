package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// IPRiskAssessor scores rate-limit identifiers (client addresses) from
// the attempt log: each recent failure from the address adds 15 points,
// capped at 100. Scores are cached so the limiter's lookup stays cheap.
type IPRiskAssessor struct {
	pool  *pgxpool.Pool
	cache *gocache.Cache
	clock clockwork.Clock
}

func NewIPRiskAssessor(pool *pgxpool.Pool, clock clockwork.Clock) *IPRiskAssessor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IPRiskAssessor{
		pool:  pool,
		cache: gocache.New(time.Minute, 5*time.Minute),
		clock: clock,
	}
}

func (a *IPRiskAssessor) Score(ctx context.Context, identifier string) (int, error) {
	if v, found := a.cache.Get(identifier); found {
		return v.(int), nil
	}

	var failures int
	err := a.pool.QueryRow(ctx,
		`SELECT count(*) FROM auth_attempts
		 WHERE ip = $1 AND NOT success AND failure_reason <> 'in_progress' AND created_at >= $2`,
		identifier, a.clock.Now().Add(-time.Hour)).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("failed to score identifier: %w", err)
	}

	score := failures * 15
	if score > 100 {
		score = 100
	}
	a.cache.Set(identifier, score, time.Minute)
	return score, nil
}

package auth

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryBlacklist is a TTL-bounded in-process revocation set. Entries
// evict themselves once the revoked token would have expired anyway, so
// the set never grows past the refresh window.
type MemoryBlacklist struct {
	cache *gocache.Cache
	clock clockwork.Clock
}

func NewMemoryBlacklist(clock clockwork.Clock) *MemoryBlacklist {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBlacklist{
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
		clock: clock,
	}
}

func (b *MemoryBlacklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	_, found := b.cache.Get(jti)
	return found, nil
}

func (b *MemoryBlacklist) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.clock.Now())
	if ttl <= 0 {
		return nil
	}
	b.cache.Set(jti, struct{}{}, ttl)
	return nil
}

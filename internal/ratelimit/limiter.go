// Package ratelimit implements the risk-scaled sliding window limiter.
// Each identifier (ip, user id, email, or a composite) gets a window
// counter whose effective limit shrinks as the identifier's risk score
// grows. golang.org/x/time guards the raw transport edge separately; this
// limiter is the domain-aware tier behind it.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Assessor returns the current risk score for an identifier. Lookups are
// expected to be cache-backed; errors degrade to the static base limit.
type Assessor interface {
	Score(ctx context.Context, identifier string) (int, error)
}

// Config tunes the limiter.
type Config struct {
	BaseLimit     int
	Window        time.Duration
	ReassessAfter time.Duration // risk score staleness bound
	GCInterval    time.Duration
}

func (c *Config) defaults() {
	if c.BaseLimit == 0 {
		c.BaseLimit = 10
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.ReassessAfter == 0 {
		c.ReassessAfter = 5 * time.Minute
	}
	if c.GCInterval == 0 {
		c.GCInterval = 5 * time.Minute
	}
}

// Decision is the outcome for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // set when rejected
}

type entry struct {
	count               int
	windowStart         time.Time
	riskScore           int
	lastAssessed        time.Time
	consecutiveFailures int
}

// Limiter is the per-identifier window table.
type Limiter struct {
	cfg      Config
	assessor Assessor
	clock    clockwork.Clock
	logger   *slog.Logger

	// OnExceeded fires outside the critical section when a request is
	// rejected; wired to the security.rate_limit.exceeded event.
	OnExceeded func(identifier string, retryAfter time.Duration)

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

func NewLimiter(cfg Config, assessor Assessor, clock clockwork.Clock, logger *slog.Logger) *Limiter {
	cfg.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:      cfg,
		assessor: assessor,
		clock:    clock,
		logger:   logger,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Allow counts one request against the identifier's window.
func (l *Limiter) Allow(ctx context.Context, identifier string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.entries[identifier]
	if !ok {
		e = &entry{windowStart: now, riskScore: -1}
		l.entries[identifier] = e
	}

	if now.Sub(e.windowStart) >= l.cfg.Window {
		e.count = 0
		e.windowStart = now
	}

	needsAssessment := e.riskScore < 0 || now.Sub(e.lastAssessed) > l.cfg.ReassessAfter
	score := e.riskScore
	l.mu.Unlock()

	// Risk lookup happens outside the lock; it may touch a cache.
	if needsAssessment {
		if s, err := l.assessor.Score(ctx, identifier); err == nil {
			score = s
		} else {
			l.logger.Warn("rate_limit_risk_lookup_failed", "identifier", identifier, "error", err)
			score = -1 // static fallback
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if needsAssessment {
		e.riskScore = score
		e.lastAssessed = now
	}

	limit := l.effectiveLimit(e.riskScore)
	if e.count >= limit {
		retryAfter := e.windowStart.Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		if l.OnExceeded != nil {
			go l.OnExceeded(identifier, retryAfter)
		}
		return Decision{Allowed: false, Limit: limit, RetryAfter: retryAfter}
	}

	e.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - e.count}
}

// RecordFailure tracks consecutive auth failures for the identifier; the
// streak feeds the risk engine's behavior factor via the assessor.
func (l *Limiter) RecordFailure(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[identifier]; ok {
		e.consecutiveFailures++
	}
}

// RecordSuccess resets the failure streak.
func (l *Limiter) RecordSuccess(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[identifier]; ok {
		e.consecutiveFailures = 0
	}
}

// Failures reports the current streak for an identifier.
func (l *Limiter) Failures(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[identifier]; ok {
		return e.consecutiveFailures
	}
	return 0
}

// effectiveLimit applies the risk multiplier. A negative score means the
// assessment failed and the static base limit applies.
func (l *Limiter) effectiveLimit(score int) int {
	if score < 0 {
		return l.cfg.BaseLimit
	}
	var mult float64
	switch {
	case score < 50:
		mult = 1.5
	case score < 75:
		mult = 1.0
	case score < 90:
		mult = 0.5
	default:
		mult = 0.1
	}
	limit := int(float64(l.cfg.BaseLimit) * mult)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Stop halts the GC loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) gcLoop() {
	ticker := l.clock.NewTicker(l.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.Chan():
			l.gc()
		}
	}
}

// gc drops entries whose window lapsed more than one GC interval ago.
func (l *Limiter) gc() {
	cutoff := l.clock.Now().Add(-l.cfg.Window - l.cfg.GCInterval)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if e.windowStart.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// Package risk scores authentication attempts from device, location,
// behavior, temporal and network signals. Scoring is deterministic for
// identical inputs and must never hard-fail the auth path: any dependency
// error degrades to a conservative medium assessment.
package risk

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Level is the coarse bucketing of the continuous score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score band and gate constants. The 60/95 boundaries are part of the
// product contract: 59 never steps up, 95 is always blocked.
const (
	mediumThreshold   = 30
	highThreshold     = 60
	criticalThreshold = 85
	mfaThreshold      = 60
	blockThreshold    = 95
)

// Factor weights; must sum to 1.0.
const (
	weightLocation = 0.25
	weightDevice   = 0.25
	weightBehavior = 0.20
	weightTemporal = 0.15
	weightNetwork  = 0.15
)

// Input carries the signals for one assessment.
type Input struct {
	UserID            uuid.UUID
	DeviceFingerprint string
	IP                string
	UserAgent         string
}

// Snapshot is the cached per-user history the engine scores against.
// Lookups behind History must be cache-backed; the engine budget is 20ms.
type Snapshot struct {
	AccountCreatedAt time.Time
	RecentFailures   int
	KnownDevices     []string
	KnownIPs         []string
	UsualLoginHours  []int // UTC hours with historical logins
}

// History provides per-user login baselines.
type History interface {
	Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error)
}

// Factor is one weighted sub-score of an assessment.
type Factor struct {
	Name   string  `json:"name"`
	Score  int     `json:"score"` // 0..100
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// Assessment is the engine output.
type Assessment struct {
	OverallScore    int      `json:"overall_score"`
	Level           Level    `json:"level"`
	Factors         []Factor `json:"factors"`
	RequiresMFA     bool     `json:"requires_mfa"`
	AllowAccess     bool     `json:"allow_access"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Engine computes assessments. Override lets operators force access for
// break-glass accounts regardless of score.
type Engine struct {
	history  History
	clock    clockwork.Clock
	Override func(userID uuid.UUID) bool
}

func NewEngine(history History, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{history: history, clock: clock}
}

// Fallback is the conservative default used when assessment cannot run:
// medium score, access allowed, no step-up, with a logging recommendation.
func Fallback() Assessment {
	return Assessment{
		OverallScore:    50,
		Level:           LevelMedium,
		RequiresMFA:     false,
		AllowAccess:     true,
		Recommendations: []string{"risk assessment degraded; log and investigate"},
	}
}

// Assess scores the input. Dependency errors and context deadlines both
// return Fallback; authentication never fails because scoring did.
func (e *Engine) Assess(ctx context.Context, in Input) Assessment {
	snap, err := e.history.Snapshot(ctx, in.UserID)
	if err != nil || ctx.Err() != nil {
		return Fallback()
	}

	now := e.clock.Now().UTC()
	factors := []Factor{
		{Name: "location", Weight: weightLocation},
		{Name: "device", Weight: weightDevice},
		{Name: "behavior", Weight: weightBehavior},
		{Name: "temporal", Weight: weightTemporal},
		{Name: "network", Weight: weightNetwork},
	}
	factors[0].Score, factors[0].Detail = scoreLocation(in.IP, snap.KnownIPs)
	factors[1].Score, factors[1].Detail = scoreDevice(in.DeviceFingerprint, snap.KnownDevices)
	factors[2].Score, factors[2].Detail = scoreBehavior(snap.RecentFailures, snap.AccountCreatedAt, now)
	factors[3].Score, factors[3].Detail = scoreTemporal(now, snap.UsualLoginHours)
	factors[4].Score, factors[4].Detail = scoreNetwork(in.UserAgent, in.IP)

	var weighted float64
	for _, f := range factors {
		weighted += float64(f.Score) * f.Weight
	}
	score := int(weighted + 0.5)
	if score > 100 {
		score = 100
	}

	a := Assessment{
		OverallScore: score,
		Level:        levelFor(score),
		Factors:      factors,
		RequiresMFA:  score >= mfaThreshold,
		AllowAccess:  score < blockThreshold,
	}
	if e.Override != nil && e.Override(in.UserID) {
		a.AllowAccess = true
		a.Recommendations = append(a.Recommendations, "manual override active")
	}
	if a.Level == LevelHigh || a.Level == LevelCritical {
		a.Recommendations = append(a.Recommendations, "review recent activity for this account")
	}
	return a
}

func levelFor(score int) Level {
	switch {
	case score < mediumThreshold:
		return LevelLow
	case score < highThreshold:
		return LevelMedium
	case score < criticalThreshold:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func scoreLocation(ip string, known []string) (int, string) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 75, "unparseable ip"
	}
	for _, k := range known {
		if k == ip {
			return 10, "known ip"
		}
	}
	// Same routed prefix as a known address counts as a soft match.
	for _, k := range known {
		if samePrefix(parsed, net.ParseIP(k)) {
			return 40, "known network"
		}
	}
	if parsed.IsLoopback() || parsed.IsPrivate() {
		return 20, "private network"
	}
	return 70, "new location"
}

func samePrefix(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}

func scoreDevice(fingerprint string, known []string) (int, string) {
	if fingerprint == "" {
		return 80, "missing device fingerprint"
	}
	for _, k := range known {
		if k == fingerprint {
			return 10, "known device"
		}
	}
	return 65, "new device"
}

func scoreBehavior(recentFailures int, createdAt, now time.Time) (int, string) {
	score := 10 + recentFailures*15
	if score > 90 {
		score = 90
	}
	// Brand-new accounts have no baseline; nudge upward.
	if !createdAt.IsZero() && now.Sub(createdAt) < 24*time.Hour {
		score += 10
		if score > 95 {
			score = 95
		}
		return score, "new account"
	}
	if recentFailures > 0 {
		return score, "recent failed attempts"
	}
	return score, ""
}

func scoreTemporal(now time.Time, usualHours []int) (int, string) {
	hour := now.Hour()
	for _, h := range usualHours {
		if h == hour {
			return 10, "usual hours"
		}
	}
	if hour < 6 {
		return 60, "unusual night-time login"
	}
	return 30, "outside usual hours"
}

func scoreNetwork(userAgent, ip string) (int, string) {
	if userAgent == "" {
		return 80, "missing user agent"
	}
	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"curl", "wget", "python-requests", "bot", "headless"} {
		if strings.Contains(ua, marker) {
			return 70, "automation user agent"
		}
	}
	if parsed := net.ParseIP(ip); parsed != nil && !parsed.IsGlobalUnicast() {
		return 40, "non-global address"
	}
	return 15, ""
}

// Package audit records every operation that touches authentication
// state. Records are redacted, correlation-tagged, held in a bounded ring
// buffer and forwarded out-of-process as structured JSON. Audit failures
// never propagate to the caller.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Actor identifies who performed the operation.
type Actor string

const (
	ActorSystem    Actor = "system"
	ActorAnonymous Actor = "anonymous"
)

// ActorUser tags a record with a concrete user id.
func ActorUser(id uuid.UUID) Actor {
	return Actor("user:" + id.String())
}

// redactedFields: any key or header containing one of these substrings is
// replaced wholesale.
var redactedFields = []string{"password", "token", "secret", "authorization", "cookie"}

const redactedValue = "[REDACTED]"

// Record is one audit entry.
type Record struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	EventType     string         `json:"event_type"`
	Actor         Actor          `json:"actor"`
	Resource      string         `json:"resource"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	RiskScore     int            `json:"risk_score,omitempty"`
	RiskLevel     string         `json:"risk_level,omitempty"`
	DeviceHash    string         `json:"device_hash,omitempty"`
}

// Recorder is the bounded in-memory audit log with durable forwarding.
type Recorder struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu   sync.Mutex
	ring []Record
	next int
	full bool
}

// NewRecorder builds a recorder with the given ring capacity. The
// forwarding logger gets its own JSON handler so aggregators can route
// the audit stream to a separate index regardless of the app log format.
func NewRecorder(capacity int, clock clockwork.Clock) *Recorder {
	if capacity <= 0 {
		capacity = 4096
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Recorder{
		logger: slog.New(handler),
		clock:  clock,
		ring:   make([]Record, capacity),
	}
}

// Log records one entry. It never returns an error and never panics into
// the caller: the auth path must not fail because auditing did.
func (r *Recorder) Log(ctx context.Context, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("audit_log_panic", "panic", p)
		}
	}()

	rec.ID = uuid.New()
	rec.Timestamp = r.clock.Now().UTC()
	if rec.Actor == "" {
		rec.Actor = ActorAnonymous
	}
	rec.Details = Redact(rec.Details)

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()

	attrs := []any{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("audit_id", rec.ID.String()),
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("event_type", rec.EventType),
		slog.String("actor", string(rec.Actor)),
		slog.String("resource", rec.Resource),
		slog.Bool("success", rec.Success),
		slog.Time("timestamp_utc", rec.Timestamp),
	}
	if rec.Reason != "" {
		attrs = append(attrs, slog.String("reason", rec.Reason))
	}
	if rec.RiskLevel != "" {
		attrs = append(attrs, slog.Int("risk_score", rec.RiskScore), slog.String("risk_level", rec.RiskLevel))
	}
	if rec.DeviceHash != "" {
		attrs = append(attrs, slog.String("device_hash", rec.DeviceHash))
	}
	for k, v := range rec.Details {
		attrs = append(attrs, slog.Any("detail_"+k, v))
	}
	r.logger.InfoContext(ctx, "audit_event", attrs...)
}

// Recent returns up to n most recent records, newest first.
func (r *Recorder) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Len reports how many records the ring currently holds.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.ring)
	}
	return r.next
}

// Redact returns a copy of details with sensitive keys replaced. Nested
// maps are redacted recursively.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitive(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range redactedFields {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

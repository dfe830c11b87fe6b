// Package events is the durable event log and in-process fan-out point.
// Publishing appends the EventRecord before any side effect; delivery to
// webhooks and live streams is decoupled and may lag or drop, but the log
// never misses a published event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Log is the authoritative append-only record of published events.
type Log interface {
	Append(ctx context.Context, ev *store.EventRecord) error
	List(ctx context.Context, since time.Time, limit int) ([]store.EventRecord, error)
}

// Sink receives every published event after it is durably logged.
// The webhook dispatcher is a Sink.
type Sink interface {
	Enqueue(ctx context.Context, ev *store.EventRecord)
}

// Bus publishes domain events.
type Bus struct {
	log    Log
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	sinks   []Sink
	subs    map[int]chan store.EventRecord
	nextSub int
}

func NewBus(log Log, clock clockwork.Clock, logger *slog.Logger) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:    log,
		clock:  clock,
		logger: logger,
		subs:   make(map[int]chan store.EventRecord),
	}
}

// AttachSink registers a delivery sink. Call during composition, before
// traffic starts.
func (b *Bus) AttachSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish appends the event to the log, then hands it to sinks and live
// subscribers. The append is the only step that can fail; everything
// after is best-effort.
func (b *Bus) Publish(ctx context.Context, eventType string, subject *uuid.UUID, correlationID string, payload any) (*store.EventRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}

	ev := &store.EventRecord{
		ID:            uuid.New(),
		Type:          eventType,
		SubjectUserID: subject,
		CorrelationID: correlationID,
		Payload:       body,
		CreatedAt:     b.clock.Now(),
	}

	if err := b.log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	for _, ch := range b.subs {
		// At-most-once: a slow subscriber loses events, never blocks
		// publication. Durable catch-up goes through the log API.
		select {
		case ch <- *ev:
		default:
		}
	}
	b.mu.Unlock()

	for _, s := range sinks {
		s.Enqueue(ctx, ev)
	}
	return ev, nil
}

// TryPublish publishes and only logs on failure. For paths where event
// emission must never fail the primary operation.
func (b *Bus) TryPublish(ctx context.Context, eventType string, subject *uuid.UUID, correlationID string, payload any) {
	if _, err := b.Publish(ctx, eventType, subject, correlationID, payload); err != nil {
		b.logger.Error("event_publish_failed",
			"type", eventType,
			"correlation_id", correlationID,
			"error", err,
		)
	}
}

// Subscribe returns a live event channel. Delivery is at-most-once in
// publication order; disconnection loses events.
func (b *Bus) Subscribe(buffer int) (<-chan store.EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan store.EventRecord, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// List exposes the durable log for catch-up reads.
func (b *Bus) List(ctx context.Context, since time.Time, limit int) ([]store.EventRecord, error) {
	return b.log.List(ctx, since, limit)
}

// MatchPattern reports whether an event type matches a subscription
// pattern. "*" matches everything; a trailing ".*" or "*" segment matches
// the remaining segments; other segments compare literally.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	pp := strings.Split(pattern, ".")
	ep := strings.Split(eventType, ".")
	for i, seg := range pp {
		if seg == "*" {
			return true
		}
		if i >= len(ep) || seg != ep[i] {
			return false
		}
	}
	return len(pp) == len(ep)
}

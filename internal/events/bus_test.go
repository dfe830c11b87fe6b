package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

var testStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type memLog struct {
	mu      sync.Mutex
	events  []store.EventRecord
	failing bool
}

func (l *memLog) Append(_ context.Context, ev *store.EventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return errors.New("log unavailable")
	}
	l.events = append(l.events, *ev)
	return nil
}

func (l *memLog) List(_ context.Context, since time.Time, limit int) ([]store.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.EventRecord
	for _, ev := range l.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memSink struct {
	mu     sync.Mutex
	events []store.EventRecord
}

func (s *memSink) Enqueue(_ context.Context, ev *store.EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestBus() (*Bus, *memLog) {
	log := &memLog{}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBus(log, clockwork.NewFakeClockAt(testStart), discard), log
}

func TestPublishAppendsBeforeFanout(t *testing.T) {
	bus, log := newTestBus()
	sink := &memSink{}
	bus.AttachSink(sink)

	userID := uuid.New()
	ev, err := bus.Publish(context.Background(), LoginSuccess, &userID, "corr-1", map[string]any{"ip": "203.0.113.10"})
	require.NoError(t, err)
	assert.Equal(t, LoginSuccess, ev.Type)
	assert.Equal(t, &userID, ev.SubjectUserID)
	assert.Equal(t, testStart, ev.CreatedAt)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "203.0.113.10", payload["ip"])

	require.Len(t, log.events, 1)
	assert.Equal(t, 1, sink.count())
}

func TestPublishFailedAppendSuppressesFanout(t *testing.T) {
	bus, log := newTestBus()
	log.failing = true
	sink := &memSink{}
	bus.AttachSink(sink)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	_, err := bus.Publish(context.Background(), LoginFailure, nil, "", nil)
	require.Error(t, err)

	assert.Equal(t, 0, sink.count(), "no sink delivery without a durable append")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery: %v", ev.Type)
	default:
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus, _ := newTestBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.TryPublish(context.Background(), LoginSuccess, nil, "", nil)
	bus.TryPublish(context.Background(), Logout, nil, "", nil)

	assert.Equal(t, LoginSuccess, (<-ch).Type)
	assert.Equal(t, Logout, (<-ch).Type)
}

func TestSlowSubscriberLosesEventsNotPublisher(t *testing.T) {
	bus, log := newTestBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	// Nobody reads ch: the second publish must drop for this subscriber
	// instead of blocking.
	done := make(chan struct{})
	go func() {
		bus.TryPublish(context.Background(), LoginSuccess, nil, "", nil)
		bus.TryPublish(context.Background(), Logout, nil, "", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, log.events, 2, "the log never misses a published event")
	assert.Equal(t, LoginSuccess, (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("dropped event was delivered: %v", ev.Type)
	default:
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	bus, _ := newTestBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancellation must not panic on the closed channel.
	bus.TryPublish(context.Background(), LoginSuccess, nil, "", nil)
}

func TestListReadsBackFromLog(t *testing.T) {
	bus, _ := newTestBus()
	bus.TryPublish(context.Background(), LoginSuccess, nil, "", nil)
	bus.TryPublish(context.Background(), Logout, nil, "", nil)

	got, err := bus.List(context.Background(), testStart.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", LoginSuccess, true},
		{"*", "anything.at.all", true},
		{LoginSuccess, LoginSuccess, true},
		{LoginSuccess, LoginFailure, false},
		{"authentication.*", LoginSuccess, true},
		{"authentication.*", Logout, true},
		{"authentication.*", SessionCreated, false},
		{"authentication.login.*", LoginSuccess, true},
		{"authentication.login.*", TokenRefresh, false},
		{"authentication.login", LoginSuccess, false},
		{"authentication.login.success.extra", LoginSuccess, false},
		{"session.*", SessionRevoked, true},
		{"security.*", HighRiskDetected, true},
		{"", LoginSuccess, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.eventType),
			"pattern %q vs %q", tc.pattern, tc.eventType)
	}
}

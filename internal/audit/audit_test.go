package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func TestLogFillsDefaults(t *testing.T) {
	r := NewRecorder(8, clockwork.NewFakeClockAt(testStart))

	r.Log(context.Background(), Record{
		EventType: "authentication.login.success",
		Resource:  "auth/login",
		Success:   true,
	})

	recs := r.Recent(1)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, testStart, rec.Timestamp)
	assert.Equal(t, ActorAnonymous, rec.Actor, "missing actor defaults to anonymous")
}

func TestLogRedactsDetails(t *testing.T) {
	r := NewRecorder(8, clockwork.NewFakeClockAt(testStart))

	r.Log(context.Background(), Record{
		EventType: "authentication.login.failure",
		Details: map[string]any{
			"password":     "hunter2",
			"access_token": "eyJhbGciOi...",
			"client_ip":    "203.0.113.10",
			"oauth": map[string]any{
				"client_secret": "shh",
				"provider":      "github",
			},
		},
	})

	rec := r.Recent(1)[0]
	assert.Equal(t, "[REDACTED]", rec.Details["password"])
	assert.Equal(t, "[REDACTED]", rec.Details["access_token"], "substring match on token")
	assert.Equal(t, "203.0.113.10", rec.Details["client_ip"])

	nested := rec.Details["oauth"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["client_secret"])
	assert.Equal(t, "github", nested["provider"])
}

func TestRedact(t *testing.T) {
	assert.Nil(t, Redact(nil))

	in := map[string]any{
		"Authorization": "Bearer abc",
		"Cookie":        "session=1",
		"refresh_token": "xyz",
		"user_id":       "u-1",
	}
	out := Redact(in)
	assert.Equal(t, "[REDACTED]", out["Authorization"], "matching is case-insensitive")
	assert.Equal(t, "[REDACTED]", out["Cookie"])
	assert.Equal(t, "[REDACTED]", out["refresh_token"])
	assert.Equal(t, "u-1", out["user_id"])

	// The input map is left untouched.
	assert.Equal(t, "Bearer abc", in["Authorization"])
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRecorder(3, clockwork.NewFakeClockAt(testStart))

	for i := 1; i <= 5; i++ {
		r.Log(context.Background(), Record{EventType: fmt.Sprintf("event-%d", i)})
	}

	assert.Equal(t, 3, r.Len())
	recs := r.Recent(10)
	require.Len(t, recs, 3)
	// Newest first; the two oldest fell off.
	assert.Equal(t, "event-5", recs[0].EventType)
	assert.Equal(t, "event-4", recs[1].EventType)
	assert.Equal(t, "event-3", recs[2].EventType)
}

func TestRecentBeforeWrap(t *testing.T) {
	r := NewRecorder(10, clockwork.NewFakeClockAt(testStart))
	r.Log(context.Background(), Record{EventType: "a"})
	r.Log(context.Background(), Record{EventType: "b"})

	assert.Equal(t, 2, r.Len())
	recs := r.Recent(5)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].EventType)
	assert.Equal(t, "a", recs[1].EventType)

	recs = r.Recent(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].EventType)
}

func TestRecentOnEmptyRecorder(t *testing.T) {
	r := NewRecorder(4, clockwork.NewFakeClockAt(testStart))
	assert.Empty(t, r.Recent(10))
	assert.Equal(t, 0, r.Len())
}

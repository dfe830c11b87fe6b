// Package webhook delivers published events to registered subscribers
// over signed HTTP POSTs. Delivery is best-effort per webhook: attempts
// for one event are sequential, fan-out across events is concurrent up to
// a per-webhook cap, and the whole dispatcher shares a bounded worker
// pool. Exhausted retries land in the dead-letter queue.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// RetryPolicy is the single source of truth for the retry schedule.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultRetryPolicy: 1s initial, doubling, capped at 1h, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     time.Hour,
		MaxAttempts:  5,
	}
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0 // attempts, not elapsed time, bound the loop
	return b
}

// Registry persists webhook registrations and delivery bookkeeping.
type Registry interface {
	ListActive(ctx context.Context) ([]store.Webhook, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Webhook, error)
	RecordAttempt(ctx context.Context, a *store.DeliveryAttempt) error
	// UpdateStats bumps success/failure counters and returns the
	// consecutive-failure streak after the update.
	UpdateStats(ctx context.Context, id uuid.UUID, success bool) (int, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// DLQ retains exhausted deliveries for later inspection (7 days).
type DLQ interface {
	Push(ctx context.Context, webhookID, eventID uuid.UUID, lastError string) error
}

// Config tunes the dispatcher.
type Config struct {
	Timeout         time.Duration // per-POST deadline, default 10s, max 30s
	Workers         int           // global pool, default 16
	PerWebhook      int           // per-webhook concurrency cap, default 4
	DisableAfter    int           // consecutive failures before auto-disable
	ResponseSnippet int           // bytes of response body retained
	Policy          RetryPolicy
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Timeout > 30*time.Second {
		c.Timeout = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.PerWebhook == 0 {
		c.PerWebhook = 4
	}
	if c.DisableAfter == 0 {
		c.DisableAfter = 20
	}
	if c.ResponseSnippet == 0 {
		c.ResponseSnippet = 512
	}
	if c.Policy.MaxAttempts == 0 {
		c.Policy = DefaultRetryPolicy()
	}
}

// Dispatcher fans events out to matching webhooks. It implements
// events.Sink.
type Dispatcher struct {
	cfg      Config
	registry Registry
	dlq      DLQ
	client   *http.Client
	clock    clockwork.Clock
	logger   *slog.Logger

	// OnAutoDisable is invoked after a webhook is deactivated for a
	// failure streak; the composition root wires it to publish
	// webhook.auto_disabled.
	OnAutoDisable func(ctx context.Context, webhookID uuid.UUID)

	pool chan struct{} // global worker slots

	mu       sync.Mutex
	perHook  map[uuid.UUID]chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func NewDispatcher(cfg Config, registry Registry, dlq DLQ, client *http.Client, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		dlq:      dlq,
		client:   client,
		clock:    clock,
		logger:   logger,
		pool:     make(chan struct{}, cfg.Workers),
		perHook:  make(map[uuid.UUID]chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// Enqueue matches the event against active registrations and schedules a
// delivery per match. Matching failures are logged, never surfaced: the
// event is already durable in the log.
func (d *Dispatcher) Enqueue(ctx context.Context, ev *store.EventRecord) {
	hooks, err := d.registry.ListActive(ctx)
	if err != nil {
		d.logger.Error("webhook_list_failed", "event_id", ev.ID, "error", err)
		return
	}
	for i := range hooks {
		wh := hooks[i]
		if !Matches(&wh, ev.Type) {
			continue
		}
		d.wg.Add(1)
		go d.deliverAsync(wh, *ev)
	}
}

// Matches reports whether the webhook subscribes to the event type.
func Matches(wh *store.Webhook, eventType string) bool {
	for _, pattern := range wh.Events {
		if events.MatchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// Wait blocks until in-flight deliveries finish. For tests and shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop prevents further retries from sleeping; in-flight requests run to
// completion under their own deadline.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.shutdown) })
	d.wg.Wait()
}

func (d *Dispatcher) hookSlots(id uuid.UUID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	slots, ok := d.perHook[id]
	if !ok {
		slots = make(chan struct{}, d.cfg.PerWebhook)
		d.perHook[id] = slots
	}
	return slots
}

func (d *Dispatcher) deliverAsync(wh store.Webhook, ev store.EventRecord) {
	defer d.wg.Done()

	slots := d.hookSlots(wh.ID)
	slots <- struct{}{}
	defer func() { <-slots }()
	d.pool <- struct{}{}
	defer func() { <-d.pool }()

	ctx := context.Background()
	d.Deliver(ctx, &wh, &ev)
}

// Deliver runs the full retry loop for one (webhook, event) pair:
// attempts are sequential, spaced by exponential backoff with jitter, and
// every attempt is recorded. Returns nil once a 2xx lands.
func (d *Dispatcher) Deliver(ctx context.Context, wh *store.Webhook, ev *store.EventRecord) error {
	body, err := payloadFor(ev)
	if err != nil {
		d.logger.Error("webhook_payload_encode_failed", "event_id", ev.ID, "error", err)
		return err
	}

	bo := d.cfg.Policy.backoff()
	var lastErr string

	for attempt := 1; attempt <= d.cfg.Policy.MaxAttempts; attempt++ {
		status, snippet, timedOut, err := d.post(ctx, wh, ev, body)

		rec := &store.DeliveryAttempt{
			ID:           uuid.New(),
			WebhookID:    wh.ID,
			EventID:      ev.ID,
			HTTPStatus:   status,
			Response:     snippet,
			Attempt:      attempt,
			ScheduledFor: d.clock.Now(),
		}
		switch {
		case err == nil && status >= 200 && status < 300:
			rec.Status = store.DeliverySuccess
		case timedOut:
			rec.Status = store.DeliveryTimeout
		default:
			rec.Status = store.DeliveryFailed
		}
		if err := d.registry.RecordAttempt(ctx, rec); err != nil {
			d.logger.Warn("webhook_attempt_record_failed", "webhook_id", wh.ID, "error", err)
		}

		success := rec.Status == store.DeliverySuccess
		streak, statsErr := d.registry.UpdateStats(ctx, wh.ID, success)
		if statsErr != nil {
			d.logger.Warn("webhook_stats_update_failed", "webhook_id", wh.ID, "error", statsErr)
		}

		if success {
			return nil
		}

		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("http %d", status)
		}

		if statsErr == nil && streak >= d.cfg.DisableAfter {
			if err := d.registry.Deactivate(ctx, wh.ID); err != nil {
				d.logger.Error("webhook_deactivate_failed", "webhook_id", wh.ID, "error", err)
			} else {
				d.logger.Warn("webhook_auto_disabled", "webhook_id", wh.ID, "streak", streak)
				if d.OnAutoDisable != nil {
					d.OnAutoDisable(ctx, wh.ID)
				}
			}
			break
		}

		if attempt == d.cfg.Policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.shutdown:
			return fmt.Errorf("dispatcher stopped")
		case <-d.clock.After(bo.NextBackOff()):
		}
	}

	if d.dlq != nil {
		if err := d.dlq.Push(ctx, wh.ID, ev.ID, lastErr); err != nil {
			d.logger.Error("webhook_dlq_push_failed", "webhook_id", wh.ID, "event_id", ev.ID, "error", err)
		}
	}
	return fmt.Errorf("delivery exhausted for webhook %s event %s: %s", wh.ID, ev.ID, lastErr)
}

// post sends one signed attempt. Success is strictly HTTP 2xx.
func (d *Dispatcher) post(ctx context.Context, wh *store.Webhook, ev *store.EventRecord, body []byte) (status int, snippet string, timedOut bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", false, err
	}

	ts := d.clock.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(wh.Secret, ts, body))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderEventID, ev.ID.String())
	req.Header.Set(HeaderEventType, ev.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", reqCtx.Err() == context.DeadlineExceeded, err
	}
	defer resp.Body.Close()

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.ResponseSnippet)))
	return resp.StatusCode, string(buf), false, nil
}

func payloadFor(ev *store.EventRecord) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":             ev.ID,
		"type":           ev.Type,
		"created_at":     ev.CreatedAt.UTC(),
		"correlation_id": ev.CorrelationID,
		"data":           json.RawMessage(ev.Payload),
	})
}

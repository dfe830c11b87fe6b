package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/api/helpers"
)

// EventsHandler exposes the durable event log and a live SSE stream.
type EventsHandler struct {
	srv *Server
}

// List reads the durable log for catch-up; since is RFC3339.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			helpers.RespondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.srv.Bus.List(r.Context(), since, limit)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"events": list})
}

// Stream pushes live events over SSE. Delivery is at-most-once; a
// reconnecting client catches up through the list endpoint.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		helpers.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.srv.Bus.Subscribe(64)
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			body, err := json.Marshal(map[string]any{
				"id":             ev.ID,
				"type":           ev.Type,
				"created_at":     ev.CreatedAt,
				"correlation_id": ev.CorrelationID,
				"data":           json.RawMessage(ev.Payload),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
			flusher.Flush()
		}
	}
}

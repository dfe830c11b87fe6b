package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// RespondError writes a plain error envelope.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{
		"error": message,
	})
}

// RespondAuthError maps a pipeline error onto its transport shape: the
// stable code, a client-safe message and the correlation id.
func RespondAuthError(w http.ResponseWriter, e *auth.Error) {
	body := map[string]any{
		"code":  string(e.Kind),
		"error": e.Error(),
	}
	if e.CorrelationID != "" {
		body["correlation_id"] = e.CorrelationID
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	RespondJSON(w, e.HTTPStatus(), body)
}

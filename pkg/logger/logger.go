// Package logger wires the process-wide slog handler.
package logger

import (
	"log/slog"
	"os"
)

// Setup builds the logger for the given environment and installs it as
// the slog default. Production emits JSON for the aggregation pipeline;
// everything else gets human-readable text at debug level.
func Setup(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

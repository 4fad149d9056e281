package logging

import (
	"io"
	"log/slog"
	"os"
)

const serviceName = "gather-sync"

// NewLogger creates a structured logger for the given environment, writing
// to stdout. Production emits JSON at Info level, everything else gets
// human-readable text at Debug level. Every record carries a service
// attribute so aggregated logs stay attributable.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}

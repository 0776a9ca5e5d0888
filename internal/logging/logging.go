// Package logging sets up the process-wide structured logger.
//
// Every log line carries a service name and environment tag and uses the
// JSON handler's ReplaceAttr hook to rename slog's default keys to the
// vocabulary our log aggregator expects.
package logging

import (
	"log/slog"
	"os"
)

// Setup builds a JSON slog.Logger tagged with service and env, and installs
// it as both the returned logger and the default logger for the stdlib log
// package bridge.
func Setup(service, env string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
			case slog.LevelKey:
				a.Key = "severity"
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})

	logger := slog.New(handler).With(
		"service", service,
		"env", env,
	)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog.Level, defaulting to Info on an
// unrecognized value.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

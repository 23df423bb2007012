package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type loggerContextKey struct{}

// InitLogger configures the default slog logger with JSON output tagged with
// the service name. When logsDir is set, records are also appended to
// <logsDir>/<service>.log and the returned cleanup closes that file.
// Accepts levels: debug, info, warn, error. Defaults to info on unknown input.
func InitLogger(level, service, logsDir string) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	var cleanup func()
	if dir := strings.TrimSpace(logsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "WARN: create logs dir %s: %v\n", dir, err)
		} else {
			f, err := os.OpenFile(filepath.Join(dir, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "WARN: open log file: %v\n", err)
			} else {
				out = io.MultiWriter(os.Stdout, f)
				cleanup = func() { _ = f.Close() }
			}
		}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     ParseLogLevel(level),
		AddSource: true,
	})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger, cleanup
}

// ParseLogLevel maps a config string onto a slog level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// ContextWithLogger stores a request-scoped logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, or the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}

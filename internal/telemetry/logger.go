package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// InitLogger installs the process-wide logger. Records are JSON on stdout,
// tagged with the service name; when logFile is set the same records are
// appended there too, so a long serve session leaves a queryable trail next
// to the state directory.
func InitLogger(debug bool, logFile string) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	handler := slog.Handler(slog.NewJSONHandler(os.Stdout, opts))
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open log file, logging to stdout only", "path", logFile, "error", err)
		} else {
			handler = teeHandler{handler, slog.NewJSONHandler(f, opts)}
		}
	}
	slog.SetDefault(slog.New(handler).With("service", "agentgate"))
}

// Component returns a logger tagged for one subsystem (engine, workspace,
// sandbox, driver, ...), so records from concurrent runs can be filtered by
// origin.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// teeHandler duplicates records to both destinations. Each side keeps its
// own level gate, and a write error on one side does not silence the other.
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t[0].Enabled(ctx, level) || t[1].Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}

// LogInfo logs an info message on the default logger.
func LogInfo(msg string, args ...any) {
	slog.Info(msg, args...)
}

// LogError logs an error message on the default logger.
func LogError(msg string, err error, args ...any) {
	slog.Error(msg, append(args, "error", err)...)
}

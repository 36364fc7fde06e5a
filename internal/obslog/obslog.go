// Package obslog provides the two-tier logging split the rest of the
// module writes through: Op() is the operational logger for daemon/
// lifecycle events (recovery, snapshots, lease sweeps); MessageLogger
// records one structured entry per handler invocation, independent of
// the operational log's level and format.
package obslog

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger used for daemon/infrastructure
// events. This is separate from the per-message MessageLogger in
// messagelog.go.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the operational logger's level.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the operational logger's level from a
// string; unrecognized values are ignored.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// Init reconfigures the operational logger's format and level.
// format is "text" (default) or "json".
func Init(format, level string) {
	SetLevelFromString(level)
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// WithCorrelation returns the operational logger with a correlation id
// attached, for tracing a message's journey across enqueue, dispatch,
// and completion.
func WithCorrelation(correlationID string) *slog.Logger {
	l := opLogger.Load()
	if correlationID == "" {
		return l
	}
	return l.With("correlation_id", correlationID)
}

package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.temporal.io/sdk/log"
)

var Log *slog.Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(os.Getenv("LOG_LEVEL")),
	})
	Log = slog.New(handler).With("service", "crowbar")
}

func levelFromEnv(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type temporalLogger struct {
	log *slog.Logger
}

// NewTemporalLogger adapts Log for the Temporal SDK. SDK debug and info
// chatter is dropped.
func NewTemporalLogger() log.Logger {
	return &temporalLogger{log: Log.With("component", "temporal")}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {}
func (l *temporalLogger) Info(msg string, keyvals ...interface{})  {}
func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.log.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.log.Error(msg, keyvals...)
}

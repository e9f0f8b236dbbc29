// Package logging builds the JSON slog logger every Lockbay binary uses.
// All log lines carry service and env attrs; alert-worthy conditions go
// through Critical so routing can key on one field.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	lvl := parseLevel(level)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(h)
	return logger.With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

// Critical logs at error level with a critical marker that alerting keys on.
// Use it for conditions that need a human: funds stuck, provider claiming a
// verified withdrawal key does not exist, ledger refusing a retry re-hold.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, slog.LevelError, msg, append([]any{slog.Bool("critical", true)}, args...)...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

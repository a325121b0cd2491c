// Package logging builds the component loggers used across the session
// engine, all derived from one process-wide zap.Logger.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New builds the base logger for the process, at the given level
// ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Named returns a child logger tagged with the component name, the
// idiomatic way every package in this repo obtains its own logger.
func Named(base *zap.Logger, component string) *zap.Logger {
	return base.Named(component)
}

// WithRoom attaches a room_id field, queryable the same way the teacher's
// LogWithUser made every log line queryable by user_id.
func WithRoom(l *zap.Logger, roomID string) *zap.Logger {
	return l.With(zap.String("room_id", roomID))
}

// WithConn attaches a connection identifier field.
func WithConn(l *zap.Logger, connID string) *zap.Logger {
	return l.With(zap.String("conn_id", connID))
}

// IntoContext stores a logger on ctx for handlers that only have access to
// the request context.
func IntoContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger stored by IntoContext, falling back to a
// no-op logger so callers never need a nil check.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

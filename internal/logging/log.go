// Package logging provides the structured logger used throughout pgsentinel.
//
// It wraps go.uber.org/zap directly with a thin named/valued logger
// threaded through context.Context, rather than through an external
// wrapper module.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Logger is a structured, named logger.
type Logger struct {
	z *zap.SugaredLogger
}

type ctxKey struct{}

var root *Logger

func init() {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	root = &Logger{z: z.Sugar()}
}

// SetDevelopment swaps the process-wide logger for a human-readable,
// development-mode one. Intended to be called once at startup based on
// configuration.
func SetDevelopment() {
	z, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	root = &Logger{z: z.Sugar()}
}

// Get returns the process-wide root logger.
func Get() *Logger {
	return root
}

// WithName returns a child logger tagged with the given component name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// WithValues returns a child logger carrying the given key/value pairs on
// every subsequent line.
func (l *Logger) WithValues(kv ...interface{}) *Logger {
	return &Logger{z: l.z.With(kv...)}
}

// Info logs an informational line with structured fields.
func (l *Logger) Info(msg string, kv ...interface{}) {
	l.z.Infow(msg, kv...)
}

// Debug logs a debug line with structured fields.
func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.z.Debugw(msg, kv...)
}

// Error logs an error line with structured fields.
func (l *Logger) Error(err error, msg string, kv ...interface{}) {
	l.z.Errorw(msg, append([]interface{}{"error", err}, kv...)...)
}

// IntoContext returns a copy of ctx carrying the given logger.
func IntoContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the process-wide root
// logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return root
}

// Sync flushes any buffered log lines. Call during shutdown.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}

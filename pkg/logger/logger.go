// Package logger provides a process-wide structured logging seam used by
// every subsystem in the runtime, following the teacher's slog-singleton
// convention: a single swappable logger, package-level helper functions, and
// a logr.Logger adapter for collaborators (the OAuth callback server) that
// expect one.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/go-logr/logr"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if unstructuredLogs() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// unstructuredLogs mirrors the teacher's UNSTRUCTURED_LOGS convention:
// absent or unparsable values default to true (human-readable text output).
func unstructuredLogs() bool {
	v, ok := os.LookupEnv("UNSTRUCTURED_LOGS")
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Get returns the current process-wide logger.
func Get() *slog.Logger { return singleton.Load() }

// SetDefault replaces the process-wide logger. Intended for host
// applications wiring their own slog handler; tests should prefer
// constructing a scoped logger instead of mutating global state.
func SetDefault(l *slog.Logger) { singleton.Store(l) }

// NewLogr adapts the current singleton to a logr.Logger, for collaborators
// (net/http servers, third-party middlewares) that take one instead of a
// *slog.Logger.
func NewLogr() logr.Logger { return logr.FromSlogHandler(Get().Handler()) }

func Debug(msg string)                          { Get().Debug(msg) }
func Debugf(format string, args ...any)          { Get().Debug(sprintf(format, args...)) }
func Debugw(msg string, kv ...any)               { Get().Debug(msg, kv...) }
func Info(msg string)                            { Get().Info(msg) }
func Infof(format string, args ...any)           { Get().Info(sprintf(format, args...)) }
func Infow(msg string, kv ...any)                { Get().Info(msg, kv...) }
func Warn(msg string)                            { Get().Warn(msg) }
func Warnf(format string, args ...any)           { Get().Warn(sprintf(format, args...)) }
func Warnw(msg string, kv ...any)                { Get().Warn(msg, kv...) }
func Error(msg string)                           { Get().Error(msg) }
func Errorf(format string, args ...any)          { Get().Error(sprintf(format, args...)) }
func Errorw(msg string, kv ...any)                { Get().Error(msg, kv...) }

// ErrorContext logs at error level against a caller-supplied context, so
// slog handlers that extract request-scoped attributes (trace id, server
// name) from the context still see them.
func ErrorContext(ctx context.Context, msg string, kv ...any) { Get().ErrorContext(ctx, msg, kv...) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

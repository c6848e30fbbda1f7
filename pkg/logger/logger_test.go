package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Info", func() { Info("info msg") }, "info msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Warn", func() { Warn("warn msg") }, "warn msg"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv"},
		{"Error", func() { Error("error msg") }, "error msg"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			setSingletonForTest(t, newTestLogger(&buf))

			tc.logFn()

			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestNewLogr(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	setSingletonForTest(t, newTestLogger(&buf))

	lr := NewLogr()
	lr.Info("logr test message")

	assert.Contains(t, buf.String(), "logr test message")
}

func TestGet(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	setSingletonForTest(t, l)

	got := Get()
	require.NotNil(t, got)
	got.Info("get test")
	assert.Contains(t, buf.String(), "get test")
}

func TestUnstructuredLogsDefault(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "")
	assert.True(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "false")
	assert.False(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "not-a-bool")
	assert.True(t, unstructuredLogs())
}

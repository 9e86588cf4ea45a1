package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger(t *testing.T) {
	t.Run("TextFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.Info("hello %s", "world")

		out := buf.String()
		assert.Contains(t, out, "[ASYNPOOL]")
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "hello world")
	})

	t.Run("JSONFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetFormat(LogFormatJSON)
		l.Warn("connect failed to %s", "db:3306")

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "WARN", data["level"])
		assert.Equal(t, "connect failed to db:3306", data["msg"])
		assert.Contains(t, data, "time")
	})

	t.Run("WithFieldsSharesOutput", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetFormat(LogFormatJSON)
		child := l.WithFields(map[string]any{"pool": "default"})
		l.SetOutput(buf)
		child.Info("ready")

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "default", data["pool"])
		assert.Equal(t, "ready", data["msg"])
	})

	t.Run("SQLJSON", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetFormat(LogFormatJSON)
		l.SQL(3, "SELECT 1", 10*time.Millisecond, nil)

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "SQL", data["level"])
		assert.Equal(t, "SELECT 1", data["sql"])
		assert.EqualValues(t, 3, data["conn"])
		assert.Equal(t, "10ms", data["duration"])
		assert.NotContains(t, data, "error")
	})

	t.Run("FailedSQLAtErrorLevel", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetLevel(LogLevelError)
		l.SQL(1, "SELECT 1", time.Millisecond, nil)
		assert.Empty(t, buf.String())

		l.SQL(1, "SELECT nope", time.Millisecond, errors.New("unknown column"))
		assert.Contains(t, buf.String(), "unknown column")
	})

	t.Run("Levels", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetLevel(LogLevelWarn)
		l.Debug("d")
		l.Info("i")
		l.Error("boom")

		out := buf.String()
		assert.NotContains(t, out, "DEBUG")
		assert.NotContains(t, out, "INFO")
		assert.True(t, strings.Contains(out, "ERROR: boom"))
	})

	t.Run("NilOutput", func(t *testing.T) {
		l := NewStdLogger()
		l.SetOutput(nil)
		assert.NotPanics(t, func() { l.Error("dropped") })
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		" warn ":  LogLevelWarn,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"off":     LogLevelSilent,
		"bogus":   LogLevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Gopher0727/Cloak/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("json to stdout", func(t *testing.T) {
		l, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
		require.NoError(t, err)
		l.Info("test message")
	})

	t.Run("text to stdout", func(t *testing.T) {
		l, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "text", Output: "stdout"})
		require.NoError(t, err)
		l.Debug("test debug message")
	})

	t.Run("json to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "cloak.log")
		l, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: logFile})
		require.NoError(t, err)

		ctx := WithTraceID(context.Background(), "trace-1")
		FromContext(ctx, l.Component("sweeper")).Info("sweep finished", zap.Int("deleted", 3))
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)

		line := strings.TrimSpace(string(content))
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "sweep finished", entry["message"])
		assert.Equal(t, "sweeper", entry["component"])
		assert.Equal(t, "trace-1", entry["trace_id"])
		assert.EqualValues(t, 3, entry["deleted"])
	})

	t.Run("bad file path", func(t *testing.T) {
		_, err := NewLogger(&config.LoggingConfig{Output: "file", FilePath: filepath.Join(t.TempDir(), "missing", "x.log")})
		assert.Error(t, err)
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"invalid": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLogLevel(input), "level %q", input)
	}
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	FromContext(WithTraceID(context.Background(), "t-1"), base).Info("a")
	FromContext(context.Background(), base).Info("b")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "t-1", entries[0].ContextMap()["trace_id"])
	assert.Empty(t, entries[1].ContextMap())
}

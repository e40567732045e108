package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceIDContext(t *testing.T) {
	t.Run("adds provided trace ID to context", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "test-trace-123")
		assert.Equal(t, "test-trace-123", GetTraceID(ctx))
	})

	t.Run("generates new trace ID when empty string provided", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "")
		traceID := GetTraceID(ctx)
		require.NotEmpty(t, traceID)
		assert.Len(t, traceID, 36)
	})

	t.Run("preserves other context values", func(t *testing.T) {
		type testKey string
		ctx := context.WithValue(context.Background(), testKey("k"), "v")
		ctx = WithTraceID(ctx, "trace-456")

		assert.Equal(t, "trace-456", GetTraceID(ctx))
		assert.Equal(t, "v", ctx.Value(testKey("k")))
	})
}

func TestGetTraceIDMissing(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestNewTraceIDUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

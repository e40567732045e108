package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name    string
		node    int64
		wantErr error
	}{
		{name: "node zero", node: 0},
		{name: "max node", node: 1023},
		{name: "node too large", node: 1024, wantErr: ErrInvalidNodeID},
		{name: "negative node", node: -1, wantErr: ErrInvalidNodeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGenerator(tt.node)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, g)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, g)
		})
	}
}

func TestNextID_Components(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, err := NewGenerator(7, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	first, err := g.NextID()
	require.NoError(t, err)
	second, err := g.NextID()
	require.NoError(t, err)

	assert.Equal(t, fixed.UnixMilli(), first.Time().UnixMilli())
	assert.Equal(t, int64(7), first.Node())
	assert.Equal(t, int64(0), first.Sequence())
	assert.Equal(t, int64(1), second.Sequence())
	assert.Greater(t, second, first)
}

func TestNextID_ClockMovedBackwards(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, err := NewGenerator(1, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = g.NextID()
	require.NoError(t, err)

	now = now.Add(-time.Second)
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestNextID_Concurrent(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	const goroutines, perGoroutine = 8, 500
	ids := make(chan ID, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id, err := g.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestParseRoundTrip(t *testing.T) {
	g, err := NewGenerator(12)
	require.NoError(t, err)

	s, err := g.NextString()
	require.NoError(t, err)

	id, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, id.String())
	assert.Equal(t, int64(12), id.Node())

	_, err = Parse("not-a-number")
	assert.Error(t, err)
}

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAllowWithinLimit(t *testing.T) {
	client, _ := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)}
	limiter := New(client, zap.NewNop(), false, WithClock(clock.Now))
	ctx := context.Background()
	rule := PerMinute("post", 3)

	for i := range 3 {
		d, err := limiter.Allow(ctx, "ip:1.2.3.4", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "ip:1.2.3.4", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 55*time.Second, d.RetryAfter)

	// 其他 key 不受影响
	d, err = limiter.Allow(ctx, "ip:5.6.7.8", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowNextWindow(t *testing.T) {
	client, _ := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 59, 0, time.UTC)}
	limiter := New(client, zap.NewNop(), false, WithClock(clock.Now))
	ctx := context.Background()
	rule := PerMinute("post", 1)

	d, err := limiter.Allow(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clock.Advance(time.Second)
	d, err = limiter.Allow(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRulesAreSeparate(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := New(client, zap.NewNop(), false)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "k", PerMinute("post", 1))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "k", PerMinute("report", 1))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDisabledRule(t *testing.T) {
	limiter := New(nil, nil, false)

	d, err := limiter.Allow(context.Background(), "k", PerMinute("post", 0))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining)
}

func TestBucketExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := New(client, zap.NewNop(), false)

	_, err := limiter.Allow(context.Background(), "k", PerMinute("post", 5))
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 61*time.Second, mr.TTL(keys[0]))
}

func TestRedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()
	ctx := context.Background()
	rule := PerMinute("post", 1)

	open := New(client, zap.NewNop(), true)
	d, err := open.Allow(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	closed := New(client, zap.NewNop(), false)
	_, err = closed.Allow(ctx, "k", rule)
	assert.Error(t, err)
}

func TestConcurrentAllow(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := New(client, zap.NewNop(), false)
	rule := Rule{Name: "post", Limit: 10, Window: time.Hour}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "k", rule)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

// Package ratelimit implements a fixed-window request counter in Redis,
// shared by every server node.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPrefix 所有计数键的前缀
const KeyPrefix = "cloak:ratelimit:"

// Rule is a limit per window. A non-positive Limit disables the rule.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// PerMinute builds a one-minute rule.
func PerMinute(name string, limit int) Rule {
	return Rule{Name: name, Limit: limit, Window: time.Minute}
}

// Disabled reports whether the rule lets everything through.
func (r Rule) Disabled() bool {
	return r.Limit <= 0 || r.Window <= 0
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when Redis failed and the request was let through.
	Degraded bool
}

// Limiter counts requests per key and rule.
type Limiter struct {
	client   *redis.Client
	log      *zap.Logger
	failOpen bool
	now      func() time.Time
}

type Option func(*Limiter)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. With failOpen set, requests are allowed while Redis
// is unreachable.
func New(client *redis.Client, log *zap.Logger, failOpen bool, opts ...Option) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Limiter{client: client, log: log, failOpen: failOpen, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one request from key's current window.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	if rule.Disabled() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	windowStart := now.Truncate(rule.Window)
	bucket := l.bucketKey(rule, key, windowStart)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	// 多留一秒，避免窗口边界上计数提前消失
	pipe.Expire(ctx, bucket, rule.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.log.Warn("rate limit check failed, allowing request", zap.String("rule", rule.Name), zap.Error(err))
			return Decision{Allowed: true, Remaining: -1, Degraded: true}, nil
		}
		return Decision{}, fmt.Errorf("rate limit %s: %w", rule.Name, err)
	}

	count := int(incr.Val())
	d := Decision{
		Allowed:   count <= rule.Limit,
		Remaining: max(rule.Limit-count, 0),
	}
	if !d.Allowed {
		d.RetryAfter = windowStart.Add(rule.Window).Sub(now)
		l.log.Debug("rate limit exceeded", zap.String("rule", rule.Name), zap.String("key", key), zap.Int("count", count))
	}
	return d, nil
}

func (l *Limiter) bucketKey(rule Rule, key string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", KeyPrefix, rule.Name, key, windowStart.Unix())
}

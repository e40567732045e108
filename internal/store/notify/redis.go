package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// DefaultPrefix Redis 发布订阅频道前缀
const DefaultPrefix = "cloak:changes:"

var errSubscriberClosed = errors.New("redis subscriber connection closed")

// Redis carries signals over Redis pub/sub so that every process watching a
// channel sees writes made by any other process.
//
// All listeners share one pub/sub connection. Each Redis topic is subscribed
// once and its messages fan out to local listeners. When that connection
// fails, every current listener receives the error and the next Listen dials
// a fresh connection.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	topics map[string]*topic
	local  *Local
}

type topic struct {
	refs      int
	confirmed bool
	ready     chan struct{}
}

// NewRedis 创建基于 Redis 发布订阅的通知器
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		topics: make(map[string]*topic),
		local:  NewLocal(),
	}
}

func (r *Redis) topic(channel string) string {
	return r.prefix + channel
}

func (r *Redis) Notify(ctx context.Context, channel string) error {
	if err := r.client.Publish(ctx, r.topic(channel), "changed").Err(); err != nil {
		return fmt.Errorf("failed to publish change for channel %s: %w", channel, err)
	}
	return nil
}

// Listen returns once Redis has confirmed the subscription, so a Notify
// issued after it returns is never missed.
func (r *Redis) Listen(ctx context.Context, channel string) (*Subscription, error) {
	name := r.topic(channel)

	r.mu.Lock()
	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(context.Background())
		r.done = make(chan struct{})
		go r.receive(r.pubsub, r.done)
	}
	ps, done := r.pubsub, r.done

	t, ok := r.topics[name]
	if !ok {
		t = &topic{ready: make(chan struct{})}
		r.topics[name] = t
	}
	t.refs++
	sub := r.local.listen(name, func() { r.release(ps, name) })

	var err error
	if !ok {
		err = ps.Subscribe(ctx, name)
	}
	r.mu.Unlock()

	if err == nil {
		select {
		case <-t.ready:
		case <-done:
			err = errSubscriberClosed
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}
	return sub, nil
}

// release drops one listener of name. The last listener unsubscribes the
// topic and the last topic closes the shared connection.
func (r *Redis) release(ps *redis.PubSub, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != ps {
		return
	}
	t, ok := r.topics[name]
	if !ok {
		return
	}
	if t.refs--; t.refs > 0 {
		return
	}
	delete(r.topics, name)

	if len(r.topics) == 0 {
		r.pubsub = nil
		_ = ps.Close()
		return
	}
	_ = ps.Unsubscribe(context.Background(), name)
}

func (r *Redis) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)

	for {
		// Receive 在连接断开时返回错误，而 Channel() 会静默重连并丢失通知
		msg, err := ps.Receive(context.Background())
		if err != nil {
			r.mu.Lock()
			if r.pubsub == ps {
				r.pubsub = nil
				r.topics = make(map[string]*topic)
				r.local.failAll(err)
			}
			r.mu.Unlock()
			_ = ps.Close()
			return
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			r.mu.Lock()
			if t, ok := r.topics[m.Channel]; ok && r.pubsub == ps && !t.confirmed {
				t.confirmed = true
				close(t.ready)
			}
			r.mu.Unlock()
		case *redis.Message:
			_ = r.local.Notify(context.Background(), m.Channel)
		}
	}
}

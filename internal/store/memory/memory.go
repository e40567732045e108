// Package memory is an in-process message store used for local development
// and as the reference backend in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/notify"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

// Store keeps every message in a map guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	messages map[string]model.Message

	ttl      time.Duration
	now      func() time.Time
	ids      *snowflake.Generator
	notifier *notify.Local
}

var (
	_ store.Store         = (*Store)(nil)
	_ store.ChannelLister = (*Store)(nil)
)

// Option 配置内存存储
type Option func(*Store)

// WithClock 替换服务端时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL 覆盖默认的消息存活时间
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New 创建内存存储
func New(ids *snowflake.Generator, opts ...Option) *Store {
	s := &Store{
		messages: make(map[string]model.Message),
		ttl:      model.DefaultTTL,
		now:      time.Now,
		ids:      ids,
		notifier: notify.NewLocal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, in model.NewMessage) (model.Message, error) {
	id, err := s.ids.NextString()
	if err != nil {
		return model.Message{}, err
	}

	now := s.now()
	msg := model.Message{
		ID:        id,
		Channel:   in.Channel,
		Author:    in.Author,
		Content:   in.Content,
		CreatedAt: now,
		ExpireAt:  now.Add(s.ttl),
		ReplyTo:   in.ReplyTo,
	}

	s.mu.Lock()
	s.messages[id] = msg
	s.mu.Unlock()

	_ = s.notifier.Notify(ctx, msg.Channel)
	return msg, nil
}

func (s *Store) IncrementReportCount(ctx context.Context, id string) (int64, string, error) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return 0, "", store.NotFound(id)
	}
	msg.ReportCount++
	s.messages[id] = msg
	s.mu.Unlock()

	_ = s.notifier.Notify(ctx, msg.Channel)
	return msg.ReportCount, msg.Channel, nil
}

func (s *Store) SetReported(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return false, store.NotFound(id)
	}
	if msg.Reported {
		s.mu.Unlock()
		return false, nil
	}
	msg.Reported = true
	s.messages[id] = msg
	s.mu.Unlock()

	_ = s.notifier.Notify(ctx, msg.Channel)
	return true, nil
}

func (s *Store) QueryOnce(_ context.Context, channel string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, 0)
	for _, msg := range s.messages {
		if msg.Channel == channel {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, onUpdate store.UpdateFunc, onError store.ErrorFunc) (store.Unsubscribe, error) {
	sub, err := s.notifier.Listen(ctx, channel)
	if err != nil {
		return nil, store.Unavailable("subscribe", err)
	}
	query := func(ctx context.Context) ([]model.Message, error) {
		return s.QueryOnce(ctx, channel)
	}
	return store.Follow(ctx, sub, query, onUpdate, onError), nil
}

// DeleteBatch never partially fails in memory.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	touched := make(map[string]struct{})

	s.mu.Lock()
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			delete(s.messages, id)
			touched[msg.Channel] = struct{}{}
		}
	}
	s.mu.Unlock()

	for channel := range touched {
		_ = s.notifier.Notify(ctx, channel)
	}
	return nil
}

// Channels 返回当前存有消息的频道
func (s *Store) Channels(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, msg := range s.messages {
		seen[msg.Channel] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

// Len 消息总数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Close() error { return nil }

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/storetest"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	return New(ids, opts...)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, time.Duration) {
		return newTestStore(t, WithTTL(time.Hour)), time.Hour
	})
}

func TestCreate_UsesStoreClock(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return base }))

	msg, err := s.Create(context.Background(), model.NewMessage{Channel: "general", Author: "a", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, base, msg.CreatedAt)
	assert.Equal(t, base.Add(model.DefaultTTL), msg.ExpireAt)
}

func TestChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, ch := range []string{"gym", "general", "gym", "legacy-room"} {
		_, err := s.Create(ctx, model.NewMessage{Channel: ch, Author: "a", Content: "x"})
		require.NoError(t, err)
	}

	channels, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "gym", "legacy-room"}, channels)
}

func TestSubscribe_StopsAfterUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	updates := make(chan []model.Message, 16)
	unsubscribe, err := s.Subscribe(ctx, "general", func(m []model.Message) { updates <- m }, func(error) {})
	require.NoError(t, err)

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
	unsubscribe()
	require.Eventually(t, func() bool { return s.notifier.Listeners("general") == 0 }, time.Second, 5*time.Millisecond)

	_, err = s.Create(ctx, model.NewMessage{Channel: "general", Author: "a", Content: "x"})
	require.NoError(t, err)

	select {
	case <-updates:
		t.Fatal("no snapshot expected after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_ContextCancelEndsSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.Subscribe(ctx, "general", func([]model.Message) {}, func(error) {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.notifier.Listeners("general"))

	cancel()
	require.Eventually(t, func() bool { return s.notifier.Listeners("general") == 0 }, time.Second, 5*time.Millisecond)
}

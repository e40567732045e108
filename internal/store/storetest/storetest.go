// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
)

// Factory returns a fresh, empty store and the TTL it was configured with.
type Factory func(t *testing.T) (store.Store, time.Duration)

// Run exercises s against the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAssignsTimestamps", func(t *testing.T) { testCreate(t, newStore) })
	t.Run("ReportCounting", func(t *testing.T) { testReportCounting(t, newStore) })
	t.Run("ConcurrentReports", func(t *testing.T) { testConcurrentReports(t, newStore) })
	t.Run("UnknownID", func(t *testing.T) { testUnknownID(t, newStore) })
	t.Run("QueryIsolatesChannels", func(t *testing.T) { testQueryIsolation(t, newStore) })
	t.Run("SubscribeDeliversSnapshots", func(t *testing.T) { testSubscribe(t, newStore) })
	t.Run("DeleteBatch", func(t *testing.T) { testDeleteBatch(t, newStore) })
}

func create(t *testing.T, s store.Store, channel, author, content string) model.Message {
	t.Helper()
	msg, err := s.Create(context.Background(), model.NewMessage{Channel: channel, Author: author, Content: content})
	require.NoError(t, err)
	return msg
}

func testCreate(t *testing.T, newStore Factory) {
	s, ttl := newStore(t)
	msg, err := s.Create(context.Background(), model.NewMessage{
		Channel: "general",
		Author:  "Anon-42",
		Content: "hello",
		ReplyTo: "123",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	// 部分后端的 expire_at 由客户端时钟计算，允许少量偏差
	assert.InDelta(t, float64(ttl), float64(msg.ExpireAt.Sub(msg.CreatedAt)), float64(5*time.Second))
	assert.Equal(t, "general", msg.Channel)
	assert.Equal(t, "Anon-42", msg.Author)
	assert.Equal(t, "123", msg.ReplyTo)
	assert.Zero(t, msg.ReportCount)
	assert.False(t, msg.Reported)

	got, err := s.QueryOnce(context.Background(), "general")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.True(t, msg.CreatedAt.Equal(got[0].CreatedAt))
	assert.True(t, msg.ExpireAt.Equal(got[0].ExpireAt))
}

func testReportCounting(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	msg := create(t, s, "general", "a", "x")

	n, channel, err := s.IncrementReportCount(ctx, msg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, "general", channel)
	n, _, err = s.IncrementReportCount(ctx, msg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	changed, err := s.SetReported(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetReported(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.QueryOnce(ctx, "general")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].ReportCount)
	assert.True(t, got[0].Reported)
}

func testConcurrentReports(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	msg := create(t, s, "general", "a", "x")

	const reporters = 2
	counts := make([]int64, reporters)
	flips := make([]bool, reporters)
	var wg sync.WaitGroup
	for i := range reporters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _, err := s.IncrementReportCount(ctx, msg.ID)
			assert.NoError(t, err)
			counts[i] = n
			changed, err := s.SetReported(ctx, msg.ID)
			assert.NoError(t, err)
			flips[i] = changed
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int64{1, 2}, counts)
	assert.ElementsMatch(t, []bool{true, false}, flips)
}

func testUnknownID(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, _, err := s.IncrementReportCount(ctx, "404")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.SetReported(ctx, "404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testQueryIsolation(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	create(t, s, "general", "a", "one")
	create(t, s, "general", "b", "two")
	create(t, s, "gym", "c", "three")

	general, err := s.QueryOnce(context.Background(), "general")
	require.NoError(t, err)
	assert.Len(t, general, 2)
	for _, m := range general {
		assert.Equal(t, "general", m.Channel)
	}

	empty, err := s.QueryOnce(context.Background(), "library")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testSubscribe(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	create(t, s, "general", "a", "before")

	updates := make(chan []model.Message, 16)
	errs := make(chan error, 1)
	unsubscribe, err := s.Subscribe(context.Background(), "general",
		func(snapshot []model.Message) { updates <- snapshot },
		func(err error) { errs <- err },
	)
	require.NoError(t, err)
	defer unsubscribe()

	first := next(t, updates, errs)
	assert.Len(t, first, 1)

	create(t, s, "general", "b", "after")
	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return len(snap) == 2
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	unsubscribe()
	unsubscribe()
}

func next(t *testing.T, updates <-chan []model.Message, errs <-chan error) []model.Message {
	t.Helper()
	select {
	case snap := <-updates:
		return snap
	case err := <-errs:
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func testDeleteBatch(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := create(t, s, "general", "a", "x")
	b := create(t, s, "general", "b", "y")
	c := create(t, s, "gym", "c", "z")

	require.NoError(t, s.DeleteBatch(ctx, []string{a.ID, c.ID, "missing"}))

	general, err := s.QueryOnce(ctx, "general")
	require.NoError(t, err)
	require.Len(t, general, 1)
	assert.Equal(t, b.ID, general[0].ID)

	gym, err := s.QueryOnce(ctx, "gym")
	require.NoError(t, err)
	assert.Empty(t, gym)

	require.NoError(t, s.DeleteBatch(ctx, nil))
}

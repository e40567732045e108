package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/Cloak/internal/model"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func message(id string, createdAt time.Time) model.Message {
	return model.Message{
		ID:        id,
		Channel:   "general",
		Author:    "anon",
		Content:   id,
		CreatedAt: createdAt,
		ExpireAt:  createdAt.Add(model.DefaultTTL),
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestFilter_ExpiryBoundary(t *testing.T) {
	m := message("1", t0)

	assert.Len(t, Filter([]model.Message{m}, m.ExpireAt.Add(-time.Millisecond)), 1)
	assert.Empty(t, Filter([]model.Message{m}, m.ExpireAt))
	assert.Empty(t, Filter([]model.Message{m}, m.ExpireAt.Add(time.Millisecond)))
}

func TestFilter_KeepsReported(t *testing.T) {
	m := message("1", t0)
	m.Reported = true
	assert.Len(t, Filter([]model.Message{m}, t0), 1)
}

func TestExpired_ComplementsFilter(t *testing.T) {
	a := message("a", t0)
	b := message("b", t0.Add(time.Hour))
	now := a.ExpireAt

	assert.Equal(t, []string{"b"}, ids(Filter([]model.Message{a, b}, now)))
	assert.Equal(t, []string{"a"}, ids(Expired([]model.Message{a, b}, now)))
}

func TestFilter_DoesNotMutateInput(t *testing.T) {
	in := []model.Message{message("a", t0), message("b", t0.Add(-48*time.Hour))}
	out := Filter(in, t0)
	assert.Len(t, out, 1)
	assert.Len(t, in, 2)
	assert.Equal(t, "b", in[1].ID)
}

func TestReduce_TieBreakByID(t *testing.T) {
	snapshot := []model.Message{
		message("b", t0),
		message("a", t0),
		message("c", t0.Add(5*time.Millisecond)),
	}

	first := Reduce(snapshot, t0.Add(time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, ids(first))

	// 重复投递同一快照（顺序不同）结果不变
	for range 10 {
		redelivered := []model.Message{snapshot[2], snapshot[0], snapshot[1]}
		assert.Equal(t, ids(first), ids(Reduce(redelivered, t0.Add(time.Second))))
	}
}

func TestReduce_StampsPendingWrites(t *testing.T) {
	now := t0.Add(time.Minute)
	pending := model.Message{ID: "p", Channel: "general", ExpireAt: now.Add(model.DefaultTTL)}
	confirmed := message("z", t0)

	out := Reduce([]model.Message{pending, confirmed}, now)
	assert.Equal(t, []string{"z", "p"}, ids(out))
	assert.Equal(t, now, out[1].CreatedAt)
	assert.True(t, pending.CreatedAt.IsZero(), "input must stay untouched")
}

func TestReduce_HoldsBackFutureMessages(t *testing.T) {
	now := t0.Add(time.Minute)
	ahead := message("ahead", now.Add(2*time.Second))
	due := message("due", now)
	past := message("past", t0)

	out := Reduce([]model.Message{ahead, due, past}, now)
	assert.Equal(t, []string{"past", "due"}, ids(out))

	out = Reduce([]model.Message{ahead, due, past}, ahead.CreatedAt)
	assert.Equal(t, []string{"past", "due", "ahead"}, ids(out))
}

func TestNextChange(t *testing.T) {
	_, ok := NextChange(nil, t0)
	assert.False(t, ok)

	next, ok := NextChange([]model.Message{message("a", t0.Add(time.Hour)), message("b", t0)}, t0)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next, "held-back message becomes due first")

	next, ok = NextChange([]model.Message{message("a", t0.Add(-time.Hour)), message("b", t0)}, t0)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(-time.Hour).Add(model.DefaultTTL), next)

	// 已过期的消息不再影响计时
	_, ok = NextChange([]model.Message{message("old", t0.Add(-model.DefaultTTL))}, t0)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
	text, err := Error.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "error", string(text))
}

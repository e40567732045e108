package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Gopher0727/Cloak/internal/events"
	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/memory"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	ids, err := snowflake.NewGenerator(5)
	require.NoError(t, err)
	return memory.New(ids)
}

func post(t *testing.T, st store.Store) model.Message {
	t.Helper()
	m, err := st.Create(context.Background(), model.NewMessage{Channel: "general", Author: "a", Content: "x"})
	require.NoError(t, err)
	return m
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, evts ...events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evts...)
	return nil
}

func (c *capture) Close() error { return nil }

func (c *capture) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func (c *capture) count(typ events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestReport_FirstReportHidesByDefault(t *testing.T) {
	st := newStore(t)
	m := post(t, st)
	pub := &capture{}
	c := NewController(st, 0, WithPublisher(pub))
	assert.Equal(t, DefaultThreshold, c.Threshold())

	out, err := c.Report(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, Outcome{ReportCount: 1, Hidden: true}, out)
	assert.Equal(t, 1, pub.count(events.MessageReported))
	assert.Equal(t, 1, pub.count(events.MessageHidden))

	out, err = c.Report(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, Outcome{ReportCount: 2}, out)
	assert.Equal(t, 1, pub.count(events.MessageHidden))
}

func TestReport_ConfigurableThreshold(t *testing.T) {
	st := newStore(t)
	m := post(t, st)
	c := NewController(st, 3)

	for i := int64(1); i <= 2; i++ {
		out, err := c.Report(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, i, out.ReportCount)
		assert.False(t, out.Hidden)
	}
	got, _ := st.QueryOnce(context.Background(), "general")
	assert.False(t, got[0].Reported)

	out, err := c.Report(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, out.Hidden)
}

func TestReport_ConcurrentReportsFlipOnce(t *testing.T) {
	for range 50 {
		st := newStore(t)
		m := post(t, st)
		pub := &capture{}
		c := NewController(st, 1, WithPublisher(pub))

		var wg sync.WaitGroup
		outcomes := make([]Outcome, 2)
		for i := range outcomes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := c.Report(context.Background(), m.ID)
				assert.NoError(t, err)
				outcomes[i] = out
			}()
		}
		wg.Wait()

		got, err := st.QueryOnce(context.Background(), "general")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.EqualValues(t, 2, got[0].ReportCount)
		assert.True(t, got[0].Reported)

		hidden := 0
		for _, o := range outcomes {
			if o.Hidden {
				hidden++
			}
		}
		assert.Equal(t, 1, hidden, "exactly one caller flips")
		assert.Equal(t, 1, pub.count(events.MessageHidden))
	}
}

func TestReport_MissingMessageIsBenign(t *testing.T) {
	c := NewController(newStore(t), 1)
	out, err := c.Report(context.Background(), "gone")
	require.NoError(t, err)
	assert.True(t, out.Gone)
}

// deletedBetween simulates the sweeper removing the message between the
// increment and the flip.
type deletedBetween struct {
	store.Store
}

func (deletedBetween) IncrementReportCount(context.Context, string) (int64, string, error) {
	return 1, "general", nil
}
func (deletedBetween) SetReported(_ context.Context, id string) (bool, error) {
	return false, store.NotFound(id)
}

func TestReport_DeletedBeforeFlip(t *testing.T) {
	out, err := NewController(deletedBetween{}, 1).Report(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, Outcome{ReportCount: 1, Gone: true}, out)
}

type unavailable struct {
	store.Store
}

func (unavailable) IncrementReportCount(context.Context, string) (int64, string, error) {
	return 0, "", store.Unavailable("increment", errors.New("dial tcp: refused"))
}

func TestReport_StoreOutageIsLoggedAndReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewController(unavailable{}, 1, WithLogger(zap.New(core)))

	_, err := c.Report(context.Background(), "1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to increment report count", logs.All()[0].Message)
}

func TestReport_EventsCarryChannel(t *testing.T) {
	st := newStore(t)
	pub := &capture{}
	c := NewController(st, 1, WithPublisher(pub))
	msg, err := st.Create(context.Background(), model.NewMessage{Channel: "gym", Author: "a", Content: "x"})
	require.NoError(t, err)

	out, err := c.Report(context.Background(), msg.ID)
	require.NoError(t, err)
	require.True(t, out.Hidden)

	evts := pub.all()
	require.Len(t, evts, 2)
	assert.Equal(t, events.MessageReported, evts[0].Type)
	assert.Equal(t, events.MessageHidden, evts[1].Type)
	for _, e := range evts {
		assert.Equal(t, "gym", e.Channel)
		assert.Equal(t, msg.ID, e.MessageID)
	}
}

// Package moderation applies community reports and decides when a message
// becomes hidden.
package moderation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/events"
	"github.com/Gopher0727/Cloak/internal/metrics"
	"github.com/Gopher0727/Cloak/internal/store"
)

// DefaultThreshold 第一次举报即隐藏
const DefaultThreshold int64 = 1

// Outcome describes what one Report call did.
type Outcome struct {
	ReportCount int64 `json:"report_count"`
	// Hidden is true only for the call that flipped the message to reported.
	Hidden bool `json:"hidden"`
	// Gone means the message no longer exists; nothing was changed.
	Gone bool `json:"gone"`
}

type Controller struct {
	store     store.Store
	threshold int64
	publisher events.Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Controller)

func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController threshold < 1 时使用默认值
func NewController(st store.Store, threshold int64, opts ...Option) *Controller {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	c := &Controller{
		store:     st,
		threshold: threshold,
		publisher: events.Nop{},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Threshold() int64 { return c.threshold }

// Report increments the report count and, once the post-increment count
// reaches the threshold, flips reported with a conditional update. Concurrent
// reports each count once and exactly one of them performs the flip.
//
// A message that has already gone is not an error. Store outages are logged
// and returned wrapped in store.ErrUnavailable.
func (c *Controller) Report(ctx context.Context, id string) (Outcome, error) {
	log := c.log.With(zap.String("message_id", id))

	count, channel, err := c.store.IncrementReportCount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("report on missing message ignored")
		c.metrics.Reported("gone")
		return Outcome{Gone: true}, nil
	}
	if err != nil {
		log.Warn("failed to increment report count", zap.Error(err))
		c.metrics.Reported("error")
		return Outcome{}, err
	}

	log = log.With(zap.String("channel", channel))
	out := Outcome{ReportCount: count}
	evts := []events.Event{{Type: events.MessageReported, Channel: channel, MessageID: id, ReportCount: count, At: c.now()}}

	if count >= c.threshold {
		changed, err := c.store.SetReported(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// 在两次调用之间被清理
			c.metrics.Reported("gone")
			return Outcome{ReportCount: count, Gone: true}, nil
		case err != nil:
			// 计数已生效；下一次举报会再次尝试翻转
			log.Warn("failed to set reported", zap.Int64("report_count", count), zap.Error(err))
			c.metrics.Reported("error")
			return out, err
		case changed:
			out.Hidden = true
			evts = append(evts, events.Event{Type: events.MessageHidden, Channel: channel, MessageID: id, ReportCount: count, At: c.now()})
			log.Info("message hidden", zap.Int64("report_count", count), zap.Int64("threshold", c.threshold))
		}
	}

	if out.Hidden {
		c.metrics.Reported("flipped")
	} else {
		c.metrics.Reported("counted")
	}
	if err := c.publisher.Publish(ctx, evts...); err != nil {
		log.Warn("failed to publish report events", zap.Error(err))
	}
	return out, nil
}

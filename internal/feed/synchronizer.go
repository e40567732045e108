package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/metrics"
	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/present"
	"github.com/Gopher0727/Cloak/internal/store"
)

const (
	DefaultBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// Synchronizer opens feeds against one store. It holds no per-channel state;
// every Feed owns its own subscription.
type Synchronizer struct {
	store      store.Store
	presenter  *present.Presenter
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Metrics
	backoff    time.Duration
	maxBackoff time.Duration
}

type Option func(*Synchronizer)

// WithClock 注入过滤时使用的时钟
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func WithPresenter(p *present.Presenter) Option {
	return func(s *Synchronizer) { s.presenter = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Synchronizer) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithBackoff 设置重新订阅的指数退避
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Synchronizer) {
		if base > 0 {
			s.backoff = base
		}
		if ceiling >= base {
			s.maxBackoff = ceiling
		}
	}
}

func NewSynchronizer(st store.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:      st,
		presenter:  present.New(present.DefaultGroupWindow),
		now:        time.Now,
		log:        zap.NewNop(),
		backoff:    DefaultBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open subscribes to channel and returns the live feed. The listener is
// called with the first view once the store delivers its initial snapshot.
func (s *Synchronizer) Open(ctx context.Context, channel string, listener Listener) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		sync:     s,
		channel:  channel,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		log:      s.log.With(zap.String("channel", channel)),
		state:    Subscribing,
	}
	s.metrics.FeedOpened()
	f.subscribe()
	return f
}

// Feed is one open channel subscription.
type Feed struct {
	sync     *Synchronizer
	channel  string
	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger

	// deliverMu 串行化投递；Close 通过它等待进行中的回调结束
	deliverMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         uint64 // 每次（重新）订阅递增，过期回调据此丢弃
	failedGen   uint64
	closed      bool
	unsubscribe store.Unsubscribe
	snapshot    []model.Message
	lastErr     error
	attempt     int
	expiry      *time.Timer
	retry       *time.Timer
}

func (f *Feed) Channel() string { return f.channel }

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) subscribe() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	unsub, err := f.sync.store.Subscribe(f.ctx, f.channel,
		func(snapshot []model.Message) { f.onSnapshot(gen, snapshot) },
		func(err error) { f.onError(gen, err) },
	)
	if err != nil {
		f.onError(gen, err)
		return
	}

	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		unsub()
		return
	}
	prev := f.unsubscribe
	f.unsubscribe = unsub
	f.mu.Unlock()

	if prev != nil {
		prev()
	}
}

func (f *Feed) onSnapshot(gen uint64, snapshot []model.Message) {
	f.emit(func() bool {
		if gen != f.gen {
			return false
		}
		f.state = Live
		f.attempt = 0
		f.lastErr = nil
		f.snapshot = snapshot
		return true
	})
}

func (f *Feed) onError(gen uint64, err error) {
	var release store.Unsubscribe
	f.emit(func() bool {
		if gen != f.gen || gen == f.failedGen {
			return false
		}
		f.failedGen = gen
		f.state = Error
		f.lastErr = err
		release, f.unsubscribe = f.unsubscribe, nil
		delay := f.scheduleRetryLocked()
		f.log.Warn("feed subscription failed, keeping last snapshot",
			zap.Error(err), zap.Duration("retry_in", delay), zap.Int("attempt", f.attempt))
		return true
	})
	if release != nil {
		release()
	}
}

func (f *Feed) scheduleRetryLocked() time.Duration {
	delay := f.sync.backoff
	for i := 0; i < f.attempt && delay < f.sync.maxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, f.sync.maxBackoff)
	f.attempt++

	if f.retry != nil {
		f.retry.Stop()
	}
	f.retry = time.AfterFunc(delay, func() {
		f.sync.metrics.Resubscribed()
		f.subscribe()
	})
	return delay
}

// Refresh re-evaluates the last snapshot against the current time. The expiry
// timer calls it at the next ExpireAt or held-back CreatedAt so that messages
// vanish and appear on time even when the store stays silent.
func (f *Feed) Refresh() {
	f.emit(func() bool {
		return f.state == Live || f.state == Error
	})
}

// emit applies update under the state lock and, if it reports a change,
// delivers a freshly reduced view. Deliveries never overlap.
func (f *Feed) emit(update func() bool) {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()

	f.mu.Lock()
	if f.closed || !update() {
		f.mu.Unlock()
		return
	}
	view := f.viewLocked()
	f.mu.Unlock()

	f.listener(view)
	f.sync.metrics.Delivered()
}

func (f *Feed) viewLocked() View {
	now := f.sync.now()
	msgs := Reduce(f.snapshot, now)
	f.armExpiryLocked(now)

	return View{
		Channel:     f.channel,
		State:       f.state,
		Messages:    msgs,
		Entries:     f.sync.presenter.Render(msgs),
		Err:         f.lastErr,
		Degraded:    f.state == Error,
		EvaluatedAt: now,
	}
}

func (f *Feed) armExpiryLocked(now time.Time) {
	if f.expiry != nil {
		f.expiry.Stop()
		f.expiry = nil
	}
	next, ok := NextChange(f.snapshot, now)
	if !ok {
		return
	}
	f.expiry = time.AfterFunc(max(next.Sub(now), 0), f.Refresh)
}

// Close releases the store subscription exactly once. Safe to call many
// times; once it returns no listener call is in progress or will start.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.gen++
	f.state = Closed
	release := f.unsubscribe
	f.unsubscribe = nil
	f.snapshot = nil
	if f.expiry != nil {
		f.expiry.Stop()
	}
	if f.retry != nil {
		f.retry.Stop()
	}
	f.mu.Unlock()

	if release != nil {
		release()
	}
	f.cancel()

	f.deliverMu.Lock()
	f.deliverMu.Unlock()

	f.sync.metrics.FeedClosed()
}

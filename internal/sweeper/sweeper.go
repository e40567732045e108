// Package sweeper reclaims expired messages from the store on a schedule,
// independently of whether anyone is viewing the channel.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/catalog"
	"github.com/Gopher0727/Cloak/internal/events"
	"github.com/Gopher0727/Cloak/internal/feed"
	"github.com/Gopher0727/Cloak/internal/metrics"
	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/utils"
)

// Result 一次清理的统计
type Result struct {
	Channels int
	Scanned  int
	Expired  int
	Deleted  int
	Failed   int
}

type Sweeper struct {
	store      store.Store
	schedule   Schedule
	ownership  *Ownership
	workers    int
	timeout    time.Duration
	runOnStart bool
	publisher  events.Publisher
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu     sync.Mutex
	pool   *utils.WorkerPool
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Sweeper)

func WithSchedule(s Schedule) Option {
	return func(sw *Sweeper) { sw.schedule = s }
}

func WithOwnership(o *Ownership) Option {
	return func(sw *Sweeper) { sw.ownership = o }
}

func WithWorkers(n int) Option {
	return func(sw *Sweeper) { sw.workers = n }
}

// WithTimeout bounds one sweep pass.
func WithTimeout(d time.Duration) Option {
	return func(sw *Sweeper) { sw.timeout = d }
}

func WithRunOnStart(b bool) Option {
	return func(sw *Sweeper) { sw.runOnStart = b }
}

func WithPublisher(p events.Publisher) Option {
	return func(sw *Sweeper) { sw.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(sw *Sweeper) { sw.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(sw *Sweeper) { sw.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(sw *Sweeper) { sw.now = now }
}

func New(st store.Store, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:      st,
		schedule:   Interval(DefaultInterval),
		ownership:  NewOwnership("", nil),
		workers:    4,
		timeout:    time.Minute,
		runOnStart: true,
		publisher:  events.Nop{},
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start launches the schedule loop. It returns immediately; the first pass
// runs in the background when run-on-start is enabled.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.done != nil {
		return
	}

	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	sw.pool = utils.NewWorkerPool(sw.workers, sw.workers, sw.log)
	sw.pool.Start()

	sw.log.Info("sweeper started", zap.String("schedule", sw.schedule.String()), zap.Int("workers", sw.workers))
	go sw.loop(ctx, sw.done)
}

// Stop cancels the loop, waits for an in-flight pass and releases workers.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	cancel, done, pool := sw.cancel, sw.done, sw.pool
	sw.cancel, sw.done, sw.pool = nil, nil, nil
	sw.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	pool.Stop()
	sw.log.Info("sweeper stopped")
}

func (sw *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if sw.runOnStart {
		sw.pass(ctx)
	}
	// 调度使用墙上时钟，sw.now 只用于过期判断
	for {
		next, err := sw.schedule.Next(time.Now())
		if err != nil {
			sw.log.Error("failed to compute next sweep", zap.Error(err))
			next = time.Now().Add(DefaultInterval)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		sw.pass(ctx)
	}
}

func (sw *Sweeper) pass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sw.timeout)
	defer cancel()

	if _, err := sw.RunOnce(ctx); err != nil && ctx.Err() == nil {
		sw.log.Warn("sweep finished with errors", zap.Error(err))
	}
}

// RunOnce sweeps every owned channel once. Errors never abort the pass; the
// joined error is returned for logging and anything left behind is retried
// on the next run.
func (sw *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	now := sw.now()

	channels, listErr := sw.channels(ctx)
	res := Result{Channels: len(channels)}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	if listErr != nil {
		errs = append(errs, listErr)
	}

	for _, channel := range channels {
		job := func() {
			defer wg.Done()
			r, err := sw.sweepChannel(ctx, channel, now)

			mu.Lock()
			defer mu.Unlock()
			res.Scanned += r.Scanned
			res.Expired += r.Expired
			res.Deleted += r.Deleted
			res.Failed += r.Failed
			if err != nil {
				errs = append(errs, err)
			}
		}

		wg.Add(1)
		if err := sw.submit(ctx, job); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	err := errors.Join(errs...)
	sw.metrics.Swept(res.Deleted, res.Failed, time.Since(started), err)
	if res.Deleted > 0 || res.Failed > 0 {
		sw.log.Info("sweep completed",
			zap.Int("channels", res.Channels),
			zap.Int("scanned", res.Scanned),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
			zap.Duration("took", time.Since(started)))
	}
	return res, err
}

// submit 未启动时同步执行，便于直接调用 RunOnce
func (sw *Sweeper) submit(ctx context.Context, job func()) error {
	sw.mu.Lock()
	pool := sw.pool
	sw.mu.Unlock()

	if pool == nil {
		job()
		return nil
	}
	return pool.Submit(ctx, job)
}

// channels 返回目录频道与存储中出现过的频道的并集中本节点负责的部分
func (sw *Sweeper) channels(ctx context.Context) ([]string, error) {
	owned := sw.ownership.CatalogChannels()

	lister, ok := sw.store.(store.ChannelLister)
	if !ok {
		return owned, nil
	}
	extra, err := lister.Channels(ctx)
	if err != nil {
		sw.log.Warn("failed to list channels, sweeping catalog only", zap.Error(err))
		return owned, err
	}
	for _, ch := range sw.ownership.Filter(extra) {
		if !catalog.Known(ch) {
			owned = append(owned, ch)
		}
	}
	return owned, nil
}

func (sw *Sweeper) sweepChannel(ctx context.Context, channel string, now time.Time) (Result, error) {
	log := sw.log.With(zap.String("channel", channel))

	msgs, err := sw.store.QueryOnce(ctx, channel)
	if err != nil {
		log.Warn("sweep query failed", zap.Error(err))
		return Result{}, err
	}

	expired := feed.Expired(msgs, now)
	res := Result{Scanned: len(msgs), Expired: len(expired)}
	if len(expired) == 0 {
		return res, nil
	}

	ids := make([]string, len(expired))
	for i, m := range expired {
		ids[i] = m.ID
	}

	err = sw.store.DeleteBatch(ctx, ids)
	failed := make(map[string]bool)
	var batchErr *store.BatchError
	switch {
	case errors.As(err, &batchErr):
		for _, id := range batchErr.FailedIDs() {
			failed[id] = true
		}
		log.Warn("sweep partially failed, will retry next run",
			zap.Int("failed", len(failed)), zap.Int("expired", len(ids)), zap.Error(err))
	case err != nil:
		// 整批失败
		for _, id := range ids {
			failed[id] = true
		}
		log.Warn("sweep delete failed, will retry next run", zap.Error(err))
	}

	evts := make([]events.Event, 0, len(expired))
	for _, m := range expired {
		if failed[m.ID] {
			continue
		}
		evts = append(evts, events.Event{Type: events.MessageExpired, MessageID: m.ID, Channel: m.Channel, At: m.ExpireAt})
	}
	res.Failed = len(failed)
	res.Deleted = len(ids) - res.Failed

	if len(evts) > 0 {
		if perr := sw.publisher.Publish(ctx, evts...); perr != nil {
			log.Warn("failed to publish expiry events", zap.Error(perr))
		}
	}
	return res, err
}

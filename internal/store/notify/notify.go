// Package notify carries per-channel change signals between store writers and
// snapshot subscribers.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes and listens for channel change signals.
type Notifier interface {
	Notify(ctx context.Context, channel string) error
	Listen(ctx context.Context, channel string) (*Subscription, error)
}

// Subscription 单个频道的变更信号
// signals 容量为 1，未消费的信号会吸收后续信号
type Subscription struct {
	signals chan struct{}
	errs    chan error
	once    sync.Once
	stop    func()
}

func newSubscription(stop func()) *Subscription {
	return &Subscription{
		signals: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		stop:    stop,
	}
}

// Signals 有变更时可读
func (s *Subscription) Signals() <-chan struct{} { return s.signals }

// Errors 传输失败时可读，之后不会再有信号
func (s *Subscription) Errors() <-chan error { return s.errs }

// Close 释放订阅，可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *Subscription) signal() {
	select {
	case s.signals <- struct{}{}:
	default:
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

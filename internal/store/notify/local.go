package notify

import (
	"context"
	"sync"
)

// Local fans signals out inside one process.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewLocal 创建进程内通知器
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*Subscription]struct{})}
}

// Notify never fails.
func (l *Local) Notify(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs[channel] {
		sub.signal()
	}
	return nil
}

func (l *Local) Listen(_ context.Context, channel string) (*Subscription, error) {
	return l.listen(channel, nil), nil
}

// listen 注册订阅；release 在订阅移除后调用
func (l *Local) listen(channel string, release func()) *Subscription {
	var sub *Subscription
	sub = newSubscription(func() {
		l.mu.Lock()
		if set, ok := l.subs[channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.subs, channel)
			}
		}
		l.mu.Unlock()
		if release != nil {
			release()
		}
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[*Subscription]struct{})
	}
	l.subs[channel][sub] = struct{}{}
	return sub
}

// failAll 向所有订阅报告错误并将其摘除
func (l *Local) failAll(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for channel, set := range l.subs {
		for sub := range set {
			sub.fail(err)
		}
		delete(l.subs, channel)
	}
}

// Listeners 当前监听某频道的订阅数
func (l *Local) Listeners(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[channel])
}

package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Gopher0727/Cloak/internal/catalog"
	"github.com/Gopher0727/Cloak/internal/feed"
)

// ErrViewerClosed 观看者已关闭
var ErrViewerClosed = errors.New("viewer closed")

// Viewer is one client's set of open channels. Every open channel has its
// own feed; all feeds report to the same listener.
type Viewer struct {
	synchronizer *feed.Synchronizer
	listener     feed.Listener

	mu     sync.Mutex
	feeds  map[string]*feed.Feed
	closed bool
}

func NewViewer(s *feed.Synchronizer, listener feed.Listener) *Viewer {
	return &Viewer{synchronizer: s, listener: listener, feeds: make(map[string]*feed.Feed)}
}

// OpenChannel starts following channel. Opening an already open channel is a
// no-op.
func (v *Viewer) OpenChannel(ctx context.Context, channel string) error {
	if channel == "" {
		return invalid("channel", "required")
	}
	if !catalog.Known(channel) {
		return invalid("channel", "unknown channel "+channel)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewerClosed
	}
	if _, ok := v.feeds[channel]; ok {
		return nil
	}
	v.feeds[channel] = v.synchronizer.Open(ctx, channel, v.listener)
	return nil
}

// CloseChannel stops following channel. Safe to call repeatedly and for
// channels that were never opened.
func (v *Viewer) CloseChannel(channel string) {
	v.mu.Lock()
	f, ok := v.feeds[channel]
	delete(v.feeds, channel)
	v.mu.Unlock()

	if ok {
		f.Close()
	}
}

// Channels 当前打开的频道
func (v *Viewer) Channels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, 0, len(v.feeds))
	for ch := range v.feeds {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Close closes every feed. Further opens fail with ErrViewerClosed.
func (v *Viewer) Close() {
	v.mu.Lock()
	feeds := v.feeds
	v.feeds = make(map[string]*feed.Feed)
	v.closed = true
	v.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
}

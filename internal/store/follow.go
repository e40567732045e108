package store

import (
	"context"

	"github.com/Gopher0727/Cloak/internal/model"
)

// ChangeFeed is a bare "something changed in this channel" signal source.
// Signals must be coalescing: a pending signal absorbs later ones.
type ChangeFeed interface {
	Signals() <-chan struct{}
	Errors() <-chan error
	Close()
}

// QueryFunc reads a consistent snapshot of one channel.
type QueryFunc func(ctx context.Context) ([]model.Message, error)

// Follow turns a ChangeFeed into a snapshot subscription: it delivers the
// current result set once, then re-reads and redelivers after every signal.
// The feed must already be listening, so no change between listen and the
// first read is lost. Follow owns the feed and closes it when done.
func Follow(ctx context.Context, feed ChangeFeed, query QueryFunc, onUpdate UpdateFunc, onError ErrorFunc) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer feed.Close()

		deliver := func() bool {
			snapshot, err := query(ctx)
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				onError(Unavailable("snapshot query", err))
				return false
			}
			onUpdate(snapshot)
			return true
		}

		if !deliver() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-feed.Signals():
				if !deliver() {
					return
				}
			case err := <-feed.Errors():
				if ctx.Err() == nil {
					onError(Unavailable("change feed", err))
				}
				return
			}
		}
	}()

	return Unsubscribe(cancel)
}

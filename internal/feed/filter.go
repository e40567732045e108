// Package feed keeps the authoritative, time-bounded and ordered message
// sequence of every open channel.
package feed

import (
	"cmp"
	"slices"
	"time"

	"github.com/Gopher0727/Cloak/internal/model"
)

// Filter returns the messages still visible at now (now < ExpireAt).
// It allocates a new slice and never reads the clock.
func Filter(msgs []model.Message, now time.Time) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.VisibleAt(now) {
			out = append(out, m)
		}
	}
	return out
}

// Expired returns the complement of Filter: now >= ExpireAt.
func Expired(msgs []model.Message, now time.Time) []model.Message {
	out := make([]model.Message, 0)
	for _, m := range msgs {
		if m.ExpiredAt(now) {
			out = append(out, m)
		}
	}
	return out
}

// Compare orders by CreatedAt, then ID.
func Compare(a, b model.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Sort 就地排序
func Sort(msgs []model.Message) {
	slices.SortStableFunc(msgs, Compare)
}

// Reduce turns one raw snapshot into the ordered visible sequence. Messages
// whose server timestamp has not resolved yet (zero CreatedAt) are stamped
// with now so that they sort after everything already confirmed. Messages
// stamped after now are held back until their CreatedAt.
func Reduce(snapshot []model.Message, now time.Time) []model.Message {
	visible := Filter(snapshot, now)
	out := visible[:0]
	for _, m := range visible {
		switch {
		case m.CreatedAt.IsZero():
			m.CreatedAt = now
		case m.CreatedAt.After(now):
			continue
		}
		out = append(out, m)
	}
	Sort(out)
	return out
}

// NextChange returns the earliest instant after which Reduce(snapshot, ·)
// yields a different sequence than at now: a visible message expiring or a
// held-back one becoming due.
func NextChange(snapshot []model.Message, now time.Time) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, m := range snapshot {
		if !m.VisibleAt(now) {
			continue
		}
		at := m.ExpireAt
		if m.CreatedAt.After(now) {
			at = m.CreatedAt
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	return earliest, found
}

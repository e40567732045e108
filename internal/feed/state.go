package feed

import (
	"time"

	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/present"
)

// State 单个频道订阅的状态
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Live
	Error
	Closed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Error:
		return "error"
	case Closed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is what a listener sees after every change.
type View struct {
	Channel string `json:"channel"`
	State   State  `json:"state"`
	// Messages is the filtered, ordered sequence; Entries is its rendering.
	Messages    []model.Message `json:"-"`
	Entries     []present.Entry `json:"messages"`
	Err         error           `json:"-"`
	Degraded    bool            `json:"degraded"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// Listener receives views in order. It must not call Feed.Close synchronously.
type Listener func(View)

package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/feed"
	"github.com/Gopher0727/Cloak/internal/model"
	"github.com/Gopher0727/Cloak/internal/store/memory"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

type frame struct {
	Type     string            `json:"type"`
	Op       string            `json:"op"`
	Channel  string            `json:"channel"`
	State    string            `json:"state"`
	Error    string            `json:"error"`
	Messages []json.RawMessage `json:"messages"`
}

func setup(t *testing.T) (*memory.Store, *Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ids, err := snowflake.NewGenerator(3)
	require.NoError(t, err)
	st := memory.New(ids)

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", ServeWs(hub, feed.NewSynchronizer(st), zap.NewNop()))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return st, hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, op, channel string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Request{Op: op, Channel: channel}))
}

// next 读取下一个满足条件的帧
func next(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func liveView(channel string, n int) func(frame) bool {
	return func(f frame) bool {
		return f.Type == "view" && f.Channel == channel && f.State == "live" && len(f.Messages) == n
	}
}

func TestOpenPushesSnapshots(t *testing.T) {
	st, hub, url := setup(t)
	conn := dial(t, url)

	send(t, conn, OpOpen, "general")
	// 应答与首个快照的先后不固定
	var acked, live bool
	for !acked || !live {
		f := next(t, conn, func(frame) bool { return true })
		switch {
		case f.Type == "ok":
			assert.Equal(t, OpOpen, f.Op)
			acked = true
		case liveView("general", 0)(f):
			live = true
		}
	}
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, err := st.Create(context.Background(), model.NewMessage{Channel: "general", Author: "alice", Content: "hey"})
	require.NoError(t, err)

	f := next(t, conn, liveView("general", 1))
	var entry struct {
		Author  string `json:"username"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(f.Messages[0], &entry))
	assert.Equal(t, "alice", entry.Author)
	assert.Equal(t, "hey", entry.Content)
}

func TestCloseStopsChannel(t *testing.T) {
	st, _, url := setup(t)
	conn := dial(t, url)

	send(t, conn, OpOpen, "gym")
	next(t, conn, liveView("gym", 0))
	send(t, conn, OpClose, "gym")
	ack := next(t, conn, func(f frame) bool { return f.Type == "ok" && f.Op == OpClose })
	assert.Equal(t, "gym", ack.Channel)

	_, err := st.Create(context.Background(), model.NewMessage{Channel: "gym", Author: "bob", Content: "reps"})
	require.NoError(t, err)

	// 之后只应收到另一个频道的快照
	send(t, conn, OpOpen, "library")
	f := next(t, conn, func(f frame) bool { return f.Type == "view" })
	assert.Equal(t, "library", f.Channel)
}

func TestBadRequests(t *testing.T) {
	_, _, url := setup(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := next(t, conn, func(frame) bool { return true })
	assert.Equal(t, "error", f.Type)

	send(t, conn, "shout", "general")
	f = next(t, conn, func(frame) bool { return true })
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "unknown op", f.Error)

	send(t, conn, OpOpen, "nowhere")
	f = next(t, conn, func(frame) bool { return true })
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "nowhere", f.Channel)
}

func TestDisconnectUnregisters(t *testing.T) {
	_, hub, url := setup(t)
	conn := dial(t, url)

	send(t, conn, OpOpen, "support")
	next(t, conn, liveView("support", 0))
	require.Equal(t, 1, hub.Count())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// Package ws pushes live channel feeds to browsers over WebSocket.
//
// Inbound frames are {"op":"open"|"close","channel":"..."}. Outbound frames are
// either a full channel view ({"type":"view",...}) or an op reply.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/feed"
	"github.com/Gopher0727/Cloak/internal/service"
)

const (
	writeWait      = 10 * time.Second    // 允许写入消息到对端的最大时间
	pongWait       = 60 * time.Second    // 允许读取下一个 pong 消息的最大时间
	pingPeriod     = (pongWait * 9) / 10 // 发送 ping 到对端的周期。必须小于 pongWait
	maxMessageSize = 512                 // 允许来自对端的最大消息大小
	replyBuffer    = 16
)

const (
	OpOpen  = "open"
	OpClose = "close"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Request 客户端发来的指令
type Request struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// Reply 指令的应答
type Reply struct {
	Type    string `json:"type"` // ok | error
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ViewFrame 推送给客户端的频道快照
type ViewFrame struct {
	Type string `json:"type"`
	feed.View
	Error string `json:"error,omitempty"`
}

// Client 代表一个 WebSocket 连接客户端
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	viewer *service.Viewer
	log    *zap.Logger

	// 每个频道只保留最新一帧，写协程按打开顺序发送
	mu      sync.Mutex
	pending map[string][]byte
	order   []string
	wake    chan struct{}

	replies   chan Reply
	done      chan struct{}
	closeOnce sync.Once
}

// push is the feed listener. It never blocks: a newer view of the same
// channel replaces one that has not been written yet.
func (c *Client) push(view feed.View) {
	frame := ViewFrame{Type: "view", View: view}
	if view.Err != nil {
		frame.Error = view.Err.Error()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to encode view", zap.String("channel", view.Channel), zap.Error(err))
		return
	}

	c.mu.Lock()
	if _, ok := c.pending[view.Channel]; !ok {
		c.order = append(c.order, view.Channel)
	}
	c.pending[view.Channel] = data
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, len(c.order))
	for _, ch := range c.order {
		out = append(out, c.pending[ch])
	}
	c.pending = make(map[string][]byte)
	c.order = c.order[:0]
	return out
}

func (c *Client) dropPending(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[channel]; !ok {
		return
	}
	delete(c.pending, channel)
	c.order = slices.DeleteFunc(c.order, func(ch string) bool { return ch == channel })
}

func (c *Client) reply(r Reply) {
	select {
	case c.replies <- r:
	case <-c.done:
	}
}

// shutdown 关闭连接，读协程随之退出
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump 处理客户端发来的 open/close 指令
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.viewer.Close()
		c.hub.remove(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(Reply{Type: "error", Error: "malformed request"})
			continue
		}

		switch req.Op {
		case OpOpen:
			if err := c.viewer.OpenChannel(ctx, req.Channel); err != nil {
				c.reply(Reply{Type: "error", Op: req.Op, Channel: req.Channel, Error: err.Error()})
				continue
			}
		case OpClose:
			c.viewer.CloseChannel(req.Channel)
			c.dropPending(req.Channel)
		default:
			c.reply(Reply{Type: "error", Op: req.Op, Error: "unknown op"})
			continue
		}
		c.reply(Reply{Type: "ok", Op: req.Op, Channel: req.Channel})
	}
}

// writePump 把快照与应答写到连接
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	write := func(data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case <-c.wake:
			for _, data := range c.takePending() {
				if !write(data) {
					return
				}
			}
		case r := <-c.replies:
			data, err := json.Marshal(r)
			if err != nil || !write(data) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// ServeWs 处理 WebSocket 请求
func ServeWs(hub *Hub, synchronizer *feed.Synchronizer, log *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warn("failed to upgrade websocket", zap.Error(err))
			return
		}

		client := &Client{
			hub:     hub,
			conn:    conn,
			log:     log,
			pending: make(map[string][]byte),
			wake:    make(chan struct{}, 1),
			replies: make(chan Reply, replyBuffer),
			done:    make(chan struct{}),
		}
		client.viewer = service.NewViewer(synchronizer, client.push)

		if !hub.add(client) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
			return
		}

		// 请求结束后 gin 的 context 会被复用，订阅使用独立的 context
		go client.writePump()
		go client.readPump(context.Background())
	}
}

package ws

import (
	"context"
	"sync"
)

// Hub 维护活跃的 WebSocket 连接
type Hub struct {
	// 注册的客户端
	clients map[*Client]struct{}

	// 互斥锁，保护 map 的并发读写
	mu sync.RWMutex

	// 注册请求通道
	register chan *Client

	// 注销请求通道
	unregister chan *Client

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			for client := range clients {
				client.shutdown()
			}
			return
		}
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

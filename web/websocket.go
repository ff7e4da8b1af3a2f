package web

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"livedata-service/logger"
	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
	"livedata-service/pkg/processing"
)

// WSMessage 客户端订阅消息及服务端回执
type WSMessage struct {
	Type string `json:"type"`
	processing.EventFilter
}

// Client WebSocket客户端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// 订阅回执，与广播分开以免和 Hub 关闭 send 竞争
	replies chan []byte

	mu     sync.RWMutex
	filter processing.EventFilter
}

type broadcastMessage struct {
	event models.CorrelatedEvent
	data  []byte
}

// Hub WebSocket Hub，作为 EventSink 向订阅的客户端推送关联事件
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	dropped    atomic.Uint64
}

// NewHub 创建新的Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run 运行Hub，ctx 结束时断开所有客户端
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.Printf("[WebSocket] Client registered. Total clients: %d", total)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.deliver(message)

		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) deliver(message broadcastMessage) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients {
		if !client.shouldReceive(message.event) {
			continue
		}
		select {
		case client.send <- message.data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		logger.Printf("[WebSocket] Dropping slow client")
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		logger.Printf("[WebSocket] Client unregistered. Total clients: %d", len(h.clients))
	}
}

// Publish 实现 processing.EventSink；广播队列满时丢弃并计数，不阻塞调用方
func (h *Hub) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	data, err := models.MarshalCorrelated(event)
	if err != nil {
		return err
	}

	select {
	case <-h.done:
		return common.ErrClosed
	default:
	}

	select {
	case h.broadcast <- broadcastMessage{event: event, data: data}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因广播队列满丢弃的事件数
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		replies: make(chan []byte, 8),
	}
}

// shouldReceive 检查客户端是否应该接收事件
func (c *Client) shouldReceive(event models.CorrelatedEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Match(event)
}

// readPump 读取客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Printf("[WebSocket] Read error: %v", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump 向客户端写入消息
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		var message []byte
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			message = msg
		case message = <-c.replies:
		}

		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// handleMessage 处理订阅和取消订阅
func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Printf("[WebSocket] Failed to unmarshal client message: %v", err)
		return
	}

	var ack WSMessage
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.filter = msg.EventFilter
		c.mu.Unlock()
		ack = WSMessage{Type: "subscribed", EventFilter: msg.EventFilter}
		logger.Printf("[WebSocket] Client subscribed with kinds: %v, casters: %v", msg.Kinds, msg.Casters)

	case "unsubscribe":
		c.mu.Lock()
		c.filter = processing.EventFilter{}
		c.mu.Unlock()
		ack = WSMessage{Type: "unsubscribed"}

	default:
		return
	}

	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.replies <- data:
	default:
	}
}

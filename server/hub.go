package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"AudioDeck/core/console"
	"AudioDeck/logger"
	"AudioDeck/model"
)

// DefaultCoalesce 状态推送的最小间隔
const DefaultCoalesce = 100 * time.Millisecond

// MessageType 消息类型
type MessageType string

const (
	MsgTypeState MessageType = "state" // 控制台状态
	MsgTypeError MessageType = "error" // 错误消息
	MsgTypePing  MessageType = "ping"  // 心跳
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType         `json:"type"`
	State     *model.ConsoleState `json:"state,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// StateSource 提供控制台状态，由 *console.Console 实现
type StateSource interface {
	State(ctx context.Context) (model.ConsoleState, error)
	Subscribe(fn func()) (cancel func())
}

var _ StateSource = (*console.Console)(nil)

// Client WebSocket 客户端
type Client struct {
	Hub      *StateHub
	Conn     *websocket.Conn
	Send     chan []byte
	Operator string
}

// StateHub fans console state out to websocket clients. Changes are
// coalesced so a burst of ramp steps costs one push per interval.
type StateHub struct {
	source   StateSource
	coalesce time.Duration

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	// dirty 容量为 1，控制台循环里只做非阻塞写入
	dirty chan struct{}
	done  chan struct{}

	mu    sync.RWMutex
	count int
}

// NewStateHub 创建状态 Hub
func NewStateHub(source StateSource, coalesce time.Duration) *StateHub {
	if coalesce <= 0 {
		coalesce = DefaultCoalesce
	}
	return &StateHub{
		source:     source,
		coalesce:   coalesce,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client, 16),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Notify marks the state dirty. Safe to call from the console loop.
func (h *StateHub) Notify() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// Run 启动 Hub 主循环
func (h *StateHub) Run(ctx context.Context) {
	cancel := h.source.Subscribe(h.Notify)
	defer cancel()
	defer close(h.done)

	timer := time.NewTimer(h.coalesce)
	timer.Stop()
	armed := false

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setCount()
			logger.Info("client registered", logger.String("operator", client.Operator))
			// 新连接立即收到一次完整状态
			h.push(ctx, []*Client{client})

		case client := <-h.unregister:
			h.removeClient(client)

		case <-h.dirty:
			if !armed {
				timer.Reset(h.coalesce)
				armed = true
			}

		case <-timer.C:
			armed = false
			h.push(ctx, h.clientList())

		case <-ctx.Done():
			timer.Stop()
			h.cleanup()
			return
		}
	}
}

func (h *StateHub) clientList() []*Client {
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	return list
}

func (h *StateHub) push(ctx context.Context, clients []*Client) {
	if len(clients) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	st, err := h.source.State(sctx)
	cancel()
	msg := &WSMessage{Type: MsgTypeState, Timestamp: time.Now().UnixMilli()}
	if err != nil {
		logger.Warn("读取控制台状态失败", logger.ErrorField(err))
		msg = &WSMessage{Type: MsgTypeError, Error: err.Error(), Timestamp: msg.Timestamp}
	} else {
		msg.State = &st
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("序列化状态失败", logger.ErrorField(err))
		return
	}
	for _, c := range clients {
		select {
		case c.Send <- data:
		default:
			// 发送缓冲区满，移除客户端
			h.removeClient(c)
		}
	}
}

// removeClient 只在 Run 中调用
func (h *StateHub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.setCount()
	logger.Info("client unregistered", logger.String("operator", client.Operator))
}

// cleanup 清理所有连接
func (h *StateHub) cleanup() {
	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]bool)
	h.setCount()
}

func (h *StateHub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// ClientCount 获取当前连接数
func (h *StateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Register 注册客户端
func (h *StateHub) Register(ctx context.Context, client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// Unregister 注销客户端
func (h *StateHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades the connection and streams state pushes.
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	r, ok := h.authorize(w, r)
	if !ok {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	op, _ := OperatorFromContext(r.Context())
	client := &Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, 64),
		Operator: op,
	}
	if !h.hub.Register(r.Context(), client) {
		conn.Close()
		return
	}
	go client.WritePump()
	client.ReadPump()
}

// ReadPump 读取消息循环，客户端只会发送心跳
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096) // 4KB
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format", logger.ErrorField(err))
			continue
		}
		// 心跳的回应是一次完整状态
		if msg.Type == MsgTypePing {
			c.Hub.Notify()
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

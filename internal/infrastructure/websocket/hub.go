// Package websocket 把引擎事件推送给界面客户端
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/taskerino/backend/internal/infrastructure/log"
)

// 推送主题
const (
	TopicQueue    = "queue"
	TopicSessions = "sessions"
	TopicGC       = "gc"
	TopicStorage  = "storage"
)

// AllTopics 客户端未指定主题时订阅全部
var AllTopics = []string{TopicQueue, TopicSessions, TopicGC, TopicStorage}

// Hub WebSocket 连接管理中心
type Hub struct {
	// 按主题分组的连接
	topics map[string]map[*Connection]bool
	// 注册连接
	register chan *Connection
	// 注销连接
	unregister chan *Connection
	// 广播消息
	broadcast chan *Message
	stop      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	mu        sync.RWMutex
	logger    *slog.Logger
}

// Connection 一个客户端连接
type Connection struct {
	Topics []string
	Send   chan []byte
}

// NewConnection 创建连接，topics 为空时订阅全部主题
func NewConnection(topics []string, buffer int) *Connection {
	if len(topics) == 0 {
		topics = AllTopics
	}
	return &Connection{Topics: topics, Send: make(chan []byte, buffer)}
}

// Message 广播消息
type Message struct {
	Topic string
	Data  []byte
}

// Envelope 推送给客户端的消息体
type Envelope struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Connection]bool),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan *Message, 256),
		stop:       make(chan struct{}),
		logger:     log.NewModuleLogger("websocket", "hub"),
	}
}

// Run 运行 Hub（需要在 goroutine 中运行），Stop 后退出并关闭所有连接
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			for _, topic := range conn.Topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Connection]bool)
				}
				h.topics[topic][conn] = true
			}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(conn)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.topics[msg.Topic] {
				select {
				case conn.Send <- msg.Data:
				default:
					// 客户端跟不上，断开
					h.logger.Warn("Dropping slow websocket client", "topic", msg.Topic)
					h.removeLocked(conn)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for _, conns := range h.topics {
				for conn := range conns {
					h.removeLocked(conn)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// removeLocked 从所有主题中移除连接并关闭其发送通道
func (h *Hub) removeLocked(conn *Connection) {
	registered := false
	for _, topic := range conn.Topics {
		conns, ok := h.topics[topic]
		if !ok || !conns[conn] {
			continue
		}
		registered = true
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
	if registered {
		close(conn.Send)
	}
}

// Start 启动 Hub（启动后台 goroutine）
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		go h.Run()
	})
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Register 注册连接
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.stop:
	}
}

// Unregister 注销连接
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.stop:
	}
}

// ClientCount 某个主题下的连接数
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast 向订阅了 topic 的客户端广播
func (h *Hub) Broadcast(topic, eventType string, data any) error {
	jsonData, err := json.Marshal(Envelope{
		Topic:     topic,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- &Message{Topic: topic, Data: jsonData}:
	case <-h.stop:
	}
	return nil
}

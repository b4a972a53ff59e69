package sse

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// 事件类型
const (
	EventAssignmentUpdate = "assignment_update"
	EventBatchUpdate      = "batch_update"
)

// 事件动作
const (
	ActionAccepted  = "accepted"
	ActionSubmitted = "submitted"
	ActionReturned  = "returned"
	ActionExpired   = "expired"
	ActionCompleted = "task_completed"
	ActionCreated   = "created"
	ActionActivated = "activated"
	ActionPaused    = "deactivated"
)

// Event 一条 Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client 已连接的订阅者
type Client struct {
	ID     string
	UserID uint
	Events chan Event
}

// Hub 管理所有订阅连接，nil Hub 上的发布操作为空操作
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register 注册订阅者
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("sse client registered",
		zap.String("client_id", client.ID),
		zap.Uint("user_id", client.UserID),
		zap.Int("total", len(h.clients)))
}

// Unregister 注销订阅者并关闭其事件通道
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("sse client unregistered",
			zap.String("client_id", clientID),
			zap.Int("total", len(h.clients)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 向所有订阅者发送事件，缓冲区满的订阅者跳过
func (h *Hub) Broadcast(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Events <- event:
		default:
			h.logger.Warn("sse client buffer full, skipping event", zap.String("client_id", client.ID))
		}
	}
}

// AssignmentUpdate 领取/提交/退回等进度变化
type AssignmentUpdate struct {
	BatchID      uint   `json:"batch_id"`
	TaskID       uint   `json:"task_id"`
	AssignmentID uint   `json:"assignment_id,omitempty"`
	Action       string `json:"action"`
}

// BatchUpdate 批次级变化
type BatchUpdate struct {
	BatchID uint   `json:"batch_id"`
	Action  string `json:"action"`
	Count   int64  `json:"count,omitempty"`
}

// PublishAssignmentUpdate 广播领取进度
func (h *Hub) PublishAssignmentUpdate(update AssignmentUpdate) {
	h.publish(EventAssignmentUpdate, update)
}

// PublishBatchUpdate 广播批次变化
func (h *Hub) PublishBatchUpdate(update BatchUpdate) {
	h.publish(EventBatchUpdate, update)
}

func (h *Hub) publish(eventType string, payload interface{}) {
	if h == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("sse marshal event", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.Broadcast(Event{EventType: eventType, Data: string(data)})
}

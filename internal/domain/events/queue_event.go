package events

import (
	"time"

	"github.com/taskerino/backend/internal/domain/queue"
)

// QueueItemEvent 队列条目状态迁移事件
type QueueItemEvent struct {
	// EventType 事件类型
	EventType EventType `json:"type"`
	// Item 迁移后的条目快照（不含载荷）
	Item queue.Item `json:"item"`
	// EventTime 事件发生时间
	EventTime time.Time `json:"timestamp"`
}

// Type 实现 Event 接口
func (e *QueueItemEvent) Type() EventType {
	return e.EventType
}

// Timestamp 实现 Event 接口
func (e *QueueItemEvent) Timestamp() time.Time {
	return e.EventTime
}

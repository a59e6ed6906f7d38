package websocket

import (
	"github.com/taskerino/backend/internal/domain/events"
)

// topicFor 事件类型对应的推送主题
func topicFor(eventType events.EventType) string {
	switch eventType {
	case events.SessionSaved, events.SessionDeleted:
		return TopicSessions
	case events.AttachmentGCProgress:
		return TopicGC
	case events.StorageKeyChanged, events.StorageKeyRemoved:
		return TopicStorage
	default:
		return TopicQueue
	}
}

// Bridge 订阅事件总线并转发到 Hub，返回取消订阅的函数
func (h *Hub) Bridge(bus events.EventBus) func() {
	types := append([]events.EventType{}, events.QueueEventTypes...)
	types = append(types,
		events.SessionSaved,
		events.SessionDeleted,
		events.AttachmentGCProgress,
		events.StorageKeyChanged,
		events.StorageKeyRemoved,
	)
	return bus.SubscribeMultiple(types, events.HandlerFunc(func(event events.Event) error {
		return h.Broadcast(topicFor(event.Type()), string(event.Type()), event)
	}))
}

package events

import "sync"

// Handler 事件处理器接口
type Handler interface {
	// HandleEvent 处理事件
	// 返回 error 仅用于日志记录，不会重试
	HandleEvent(event Event) error
}

// HandlerFunc 函数类型的处理器适配器
type HandlerFunc func(event Event) error

// HandleEvent 实现 Handler 接口
func (f HandlerFunc) HandleEvent(event Event) error {
	return f(event)
}

// EventBus 事件总线接口
type EventBus interface {
	// Subscribe 订阅特定类型的事件，返回取消订阅的函数
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// SubscribeMultiple 订阅多个类型的事件，返回取消所有订阅的函数
	SubscribeMultiple(eventTypes []EventType, handler Handler) (unsubscribe func())

	// Publish 发布事件
	// 同一订阅者按发布顺序收到事件
	Publish(event Event)

	// Close 关闭事件总线
	// 停止接收新事件，等待已发布事件处理完成
	Close()
}

// SubscribeChannel 以通道形式订阅事件
// 通道容量为 buffer；消费者跟不上时阻塞的是该订阅者自己的投递，不影响发布方
// 返回的 cancel 取消订阅；通道不会被关闭，消费者应同时监听自己的退出信号
func SubscribeChannel(bus EventBus, eventTypes []EventType, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	done := make(chan struct{})

	unsubscribe := bus.SubscribeMultiple(eventTypes, HandlerFunc(func(event Event) error {
		select {
		case ch <- event:
		case <-done:
		}
		return nil
	}))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
	return ch, cancel
}

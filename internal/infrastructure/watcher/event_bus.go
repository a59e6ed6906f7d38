// Package watcher 提供事件分发与数据目录监听
package watcher

import (
	"log/slog"
	"sync"

	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// subscription 单个订阅者
// 每个订阅者拥有独立的邮箱和投递 goroutine，因此事件按发布顺序到达，
// 慢订阅者不会阻塞发布方或其他订阅者
type subscription struct {
	handler events.Handler

	mu      sync.Mutex
	pending []events.Event
	stopped bool

	signal chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newSubscription(handler events.Handler) *subscription {
	return &subscription{
		handler: handler,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(event events.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) take() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stop)
	})
}

// eventBusImpl EventBus 的实现
type eventBusImpl struct {
	// subs 按事件类型存储的订阅者
	subs map[events.EventType][]*subscription
	// mu 保护 subs 的互斥锁
	mu sync.RWMutex
	// logger 日志记录器
	logger *slog.Logger
	// closed 是否已关闭
	closed bool
	// wg 等待所有投递 goroutine 退出
	wg sync.WaitGroup
}

// NewEventBus 创建新的事件总线实例
func NewEventBus() events.EventBus {
	return &eventBusImpl{
		subs:   make(map[events.EventType][]*subscription),
		logger: log.NewModuleLogger("watcher", "event_bus"),
	}
}

// Subscribe 订阅特定类型的事件
func (b *eventBusImpl) Subscribe(eventType events.EventType, handler events.Handler) func() {
	return b.SubscribeMultiple([]events.EventType{eventType}, handler)
}

// SubscribeMultiple 以一个订阅者订阅多个类型的事件，跨类型同样保持发布顺序
func (b *eventBusImpl) SubscribeMultiple(eventTypes []events.EventType, handler events.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := newSubscription(handler)
	for _, eventType := range eventTypes {
		b.subs[eventType] = append(b.subs[eventType], sub)
	}

	b.wg.Add(1)
	go b.run(sub)

	// 返回取消订阅函数
	return func() {
		b.unsubscribe(sub, eventTypes)
		sub.close()
	}
}

// unsubscribe 按订阅者指针移除
func (b *eventBusImpl) unsubscribe(sub *subscription, eventTypes []events.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range eventTypes {
		subs := b.subs[eventType]
		for i, s := range subs {
			if s == sub {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish 发布事件，不阻塞调用方
func (b *eventBusImpl) Publish(event events.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	// 复制订阅者列表，避免长时间持有锁
	subs := make([]*subscription, len(b.subs[event.Type()]))
	copy(subs, b.subs[event.Type()])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	b.logger.Debug("Publishing event",
		"type", event.Type(),
		"handlers_count", len(subs),
	)

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

// run 订阅者的投递循环；停止时先投递完已入邮箱的事件
func (b *eventBusImpl) run(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.signal:
			b.deliver(sub)
		case <-sub.stop:
			b.deliver(sub)
			return
		}
	}
}

func (b *eventBusImpl) deliver(sub *subscription) {
	for {
		batch := sub.take()
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			b.dispatchToHandler(event, sub.handler)
		}
	}
}

// dispatchToHandler 分发事件到单个处理器
func (b *eventBusImpl) dispatchToHandler(event events.Event, handler events.Handler) {
	// 捕获 panic，防止单个处理器崩溃影响其他处理器
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				"type", event.Type(),
				"panic", r,
			)
		}
	}()

	if err := handler.HandleEvent(event); err != nil {
		b.logger.Error("Handler returned error",
			"type", event.Type(),
			"error", err,
		)
	}
}

// Close 关闭事件总线
func (b *eventBusImpl) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	unique := make(map[*subscription]struct{})
	for _, subs := range b.subs {
		for _, sub := range subs {
			unique[sub] = struct{}{}
		}
	}
	b.subs = make(map[events.EventType][]*subscription)
	b.mu.Unlock()

	for sub := range unique {
		sub.close()
	}

	// 等待所有已发布事件处理完成
	b.wg.Wait()

	b.logger.Info("Event bus closed")
}

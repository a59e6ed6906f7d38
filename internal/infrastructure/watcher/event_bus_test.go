package watcher

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/queue"
)

func queueEvent(eventType events.EventType, id string) *events.QueueItemEvent {
	return &events.QueueItemEvent{
		EventType: eventType,
		Item:      queue.Item{ID: id},
		EventTime: time.Now(),
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var received atomic.Bool

	unsub := bus.Subscribe(events.QueueItemEnqueued, events.HandlerFunc(func(event events.Event) error {
		received.Store(true)
		return nil
	}))
	defer unsub()

	bus.Publish(queueEvent(events.QueueItemEnqueued, "item-1"))

	assert.Eventually(t, received.Load, time.Second, 10*time.Millisecond, "handler should have received the event")
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var count atomic.Int32

	// 注册多个处理器
	for i := 0; i < 3; i++ {
		unsub := bus.Subscribe(events.QueueItemCompleted, events.HandlerFunc(func(event events.Event) error {
			count.Add(1)
			return nil
		}))
		defer unsub()
	}

	bus.Publish(queueEvent(events.QueueItemCompleted, "item-1"))

	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 10*time.Millisecond,
		"all 3 handlers should have received the event")
}

func TestEventBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []events.EventType
	)
	unsub := bus.SubscribeMultiple(events.QueueEventTypes, events.HandlerFunc(func(event events.Event) error {
		mu.Lock()
		got = append(got, event.Type())
		mu.Unlock()
		return nil
	}))
	defer unsub()

	want := []events.EventType{
		events.QueueItemEnqueued,
		events.QueueItemProcessing,
		events.QueueItemRetrying,
		events.QueueItemProcessing,
		events.QueueItemCompleted,
	}
	for _, eventType := range want {
		bus.Publish(queueEvent(eventType, "item-1"))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var count atomic.Int32
	unsub := bus.Subscribe(events.QueueItemDropped, events.HandlerFunc(func(event events.Event) error {
		count.Add(1)
		return nil
	}))

	bus.Publish(queueEvent(events.QueueItemDropped, "a"))
	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 10*time.Millisecond)

	unsub()
	bus.Publish(queueEvent(events.QueueItemDropped, "b"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), count.Load())
}

func TestEventBus_ErrorIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var successCount atomic.Int32

	// 注册一个会失败的处理器
	bus.Subscribe(events.QueueItemFailed, events.HandlerFunc(func(event events.Event) error {
		return errors.New("handler error")
	}))

	// 注册一个正常的处理器
	bus.Subscribe(events.QueueItemFailed, events.HandlerFunc(func(event events.Event) error {
		successCount.Add(1)
		return nil
	}))

	bus.Publish(queueEvent(events.QueueItemFailed, "item-1"))

	assert.Eventually(t, func() bool { return successCount.Load() == 1 }, time.Second, 10*time.Millisecond,
		"second handler should still receive the event")
}

func TestEventBus_PanicRecovery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var successCount atomic.Int32

	// 注册一个会 panic 的处理器
	bus.Subscribe(events.QueueItemFailed, events.HandlerFunc(func(event events.Event) error {
		panic("handler panic")
	}))

	bus.Subscribe(events.QueueItemFailed, events.HandlerFunc(func(event events.Event) error {
		successCount.Add(1)
		return nil
	}))

	// 发布事件（不应该 panic）
	require.NotPanics(t, func() {
		bus.Publish(queueEvent(events.QueueItemFailed, "item-1"))
	})

	assert.Eventually(t, func() bool { return successCount.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEventBus_CloseWaitsForHandlers(t *testing.T) {
	bus := NewEventBus()

	handlerStarted := make(chan struct{})
	var delivered atomic.Int32

	bus.Subscribe(events.StorageKeyChanged, events.HandlerFunc(func(event events.Event) error {
		if delivered.Add(1) == 1 {
			close(handlerStarted)
			time.Sleep(100 * time.Millisecond) // 模拟耗时处理
		}
		return nil
	}))

	bus.Publish(&events.StorageEvent{EventType: events.StorageKeyChanged, EventTime: time.Now()})
	bus.Publish(&events.StorageEvent{EventType: events.StorageKeyChanged, EventTime: time.Now()})

	<-handlerStarted
	bus.Close()

	// Close 返回时邮箱中的事件已全部投递
	assert.Equal(t, int32(2), delivered.Load())

	// 关闭后发布被忽略
	require.NotPanics(t, func() {
		bus.Publish(&events.StorageEvent{EventType: events.StorageKeyChanged, EventTime: time.Now()})
	})
}

func TestSubscribeChannel(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, cancel := events.SubscribeChannel(bus, []events.EventType{events.QueueItemCompleted}, 4)
	defer cancel()

	bus.Publish(queueEvent(events.QueueItemCompleted, "item-1"))

	select {
	case event := <-ch:
		qe, ok := event.(*events.QueueItemEvent)
		require.True(t, ok)
		assert.Equal(t, "item-1", qe.Item.ID)
	case <-time.After(time.Second):
		t.Fatal("expected event on channel")
	}
}

// Package metrics 把缓存、写回队列和附件回收的运行状态导出为 Prometheus 指标
package metrics

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskerino/backend/internal/domain/events"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// DefaultNamespace 指标前缀
const DefaultNamespace = "taskerino"

// CacheSource 提供缓存统计快照
type CacheSource interface {
	Stats() cache.Stats
}

// QueueSource 提供队列统计快照
type QueueSource interface {
	Stats() domainQueue.Stats
}

// Collector 订阅事件总线累计计数，并在抓取时读取缓存和队列快照
type Collector struct {
	queueEvents  *prometheus.CounterVec
	queueLatency *prometheus.HistogramVec
	sessions     *prometheus.CounterVec
	gcDeleted    prometheus.Counter
	gcFreed      prometheus.Counter
	snapshot     *snapshotCollector

	bus    events.EventBus
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	gcLast      events.GCProgressEvent
}

// NewCollector 创建并注册指标，reg 为空时使用默认注册表
// 重复注册时复用已存在的同名指标
func NewCollector(namespace string, reg prometheus.Registerer, bus events.EventBus, c CacheSource, q QueueSource) (*Collector, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Collector{
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "item_transitions_total",
			Help:      "Persistence queue item state transitions.",
		}, []string{"event", "priority", "type"}),
		queueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "write_latency_seconds",
			Help:      "Time from enqueue to durable write.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"priority"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "operations_total",
			Help:      "Session save and delete operations.",
		}, []string{"operation"}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attachments",
			Name:      "gc_deleted_total",
			Help:      "Unreferenced attachments removed by garbage collection.",
		}),
		gcFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attachments",
			Name:      "gc_freed_bytes_total",
			Help:      "Bytes reclaimed by attachment garbage collection.",
		}),
		snapshot: newSnapshotCollector(namespace, c, q),
		bus:      bus,
		logger:   log.NewModuleLogger("metrics", "collector"),
	}

	if err := register(reg, m.queueEvents, func(existing prometheus.Collector) bool {
		vec, ok := existing.(*prometheus.CounterVec)
		if ok {
			m.queueEvents = vec
		}
		return ok
	}); err != nil {
		return nil, err
	}
	if err := register(reg, m.queueLatency, func(existing prometheus.Collector) bool {
		vec, ok := existing.(*prometheus.HistogramVec)
		if ok {
			m.queueLatency = vec
		}
		return ok
	}); err != nil {
		return nil, err
	}
	if err := register(reg, m.sessions, func(existing prometheus.Collector) bool {
		vec, ok := existing.(*prometheus.CounterVec)
		if ok {
			m.sessions = vec
		}
		return ok
	}); err != nil {
		return nil, err
	}
	if err := register(reg, m.gcDeleted, func(existing prometheus.Collector) bool {
		counter, ok := existing.(prometheus.Counter)
		if ok {
			m.gcDeleted = counter
		}
		return ok
	}); err != nil {
		return nil, err
	}
	if err := register(reg, m.gcFreed, func(existing prometheus.Collector) bool {
		counter, ok := existing.(prometheus.Counter)
		if ok {
			m.gcFreed = counter
		}
		return ok
	}); err != nil {
		return nil, err
	}
	if err := register(reg, m.snapshot, func(existing prometheus.Collector) bool {
		_, ok := existing.(*snapshotCollector)
		return ok
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// register 注册指标；已注册时交给 adopt 接管现有实例
func register(reg prometheus.Registerer, collector prometheus.Collector, adopt func(prometheus.Collector) bool) error {
	err := reg.Register(collector)
	if err == nil {
		return nil
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok && adopt(are.ExistingCollector) {
		return nil
	}
	return fmt.Errorf("register metric: %w", err)
}

// Start 订阅队列、会话和回收事件
func (m *Collector) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil || m.unsubscribe != nil {
		return
	}

	types := append([]events.EventType{}, events.QueueEventTypes...)
	types = append(types, events.SessionSaved, events.SessionDeleted, events.AttachmentGCProgress)
	m.unsubscribe = m.bus.SubscribeMultiple(types, events.HandlerFunc(m.handleEvent))
	m.logger.Debug("Metrics collector subscribed", "event_types", len(types))
}

// Stop 取消订阅
func (m *Collector) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Collector) handleEvent(event events.Event) error {
	switch e := event.(type) {
	case *events.QueueItemEvent:
		m.queueEvents.WithLabelValues(string(e.EventType), string(e.Item.Priority), string(e.Item.Type)).Inc()
		if e.EventType == events.QueueItemCompleted && e.Item.FinishedAt != nil {
			m.queueLatency.WithLabelValues(string(e.Item.Priority)).
				Observe(e.Item.FinishedAt.Sub(e.Item.CreatedAt).Seconds())
		}
	case *events.StorageEvent:
		switch e.EventType {
		case events.SessionSaved:
			m.sessions.WithLabelValues("save").Inc()
		case events.SessionDeleted:
			m.sessions.WithLabelValues("delete").Inc()
		}
	case *events.GCProgressEvent:
		m.recordGC(e)
	}
	return nil
}

// recordGC 进度事件是累计值，只记录与上一次的差
// Scanned 回退说明开始了新一轮回收
func (m *Collector) recordGC(e *events.GCProgressEvent) {
	m.mu.Lock()
	last := m.gcLast
	if e.Scanned < last.Scanned {
		last = events.GCProgressEvent{}
	}
	m.gcLast = *e
	m.mu.Unlock()

	if d := e.Deleted - last.Deleted; d > 0 {
		m.gcDeleted.Add(float64(d))
	}
	if d := e.FreedBytes - last.FreedBytes; d > 0 {
		m.gcFreed.Add(float64(d))
	}
	if e.Total > 0 && e.Scanned >= e.Total {
		m.mu.Lock()
		m.gcLast = events.GCProgressEvent{}
		m.mu.Unlock()
	}
}

// Package engine 组合会话存储、附件存储、索引与写回队列，负责它们之间的一致性和生命周期
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	appAttachment "github.com/taskerino/backend/internal/application/attachment"
	appIndex "github.com/taskerino/backend/internal/application/index"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	appSession "github.com/taskerino/backend/internal/application/session"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// ErrNotInitialized 引擎尚未 Init
var ErrNotInitialized = errors.New("engine not initialized")

// Stats 引擎整体统计
type Stats struct {
	Cache         cache.Stats             `json:"cache"`
	Queue         domainQueue.Stats       `json:"queue"`
	Attachments   *domainAttachment.Stats `json:"attachments,omitempty"`
	Index         search.IndexStats       `json:"index"`
	Relationships int                     `json:"relationships"`
	ActiveSession string                  `json:"activeSession,omitempty"`
}

// Engine 持久化引擎上下文
// 进程内共享的缓存、队列和索引都挂在这里，由 Init / Reset / Shutdown 管理生命周期
type Engine struct {
	adapter   storage.Adapter
	cache     *cache.LRUCache[any]
	queue     *appQueue.Queue
	sessions  *appSession.ChunkedStorage
	cas       *appAttachment.Store
	index     *appIndex.Manager
	relations *appIndex.RelationshipIndex
	bus       events.EventBus
	logger    *slog.Logger

	mu            sync.RWMutex
	initialized   bool
	closed        bool
	activeSession string
	recovery      *storage.RecoveryResult
	unsubscribe   func()
}

// New 创建引擎，调用 Init 后可用
func New(
	adapter storage.Adapter,
	c *cache.LRUCache[any],
	queue *appQueue.Queue,
	sessions *appSession.ChunkedStorage,
	cas *appAttachment.Store,
	index *appIndex.Manager,
	relations *appIndex.RelationshipIndex,
	bus events.EventBus,
) *Engine {
	return &Engine{
		adapter:   adapter,
		cache:     c,
		queue:     queue,
		sessions:  sessions,
		cas:       cas,
		index:     index,
		relations: relations,
		bus:       bus,
		logger:    log.NewModuleLogger("engine", "engine"),
	}
}

// Init 初始化存储介质，重放 WAL，加载索引并启动写回队列
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%w: engine already shut down", storage.ErrValidation)
	}
	if e.initialized {
		return nil
	}
	start := time.Now()

	if err := e.adapter.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if rec, ok := e.adapter.(storage.Recoverable); ok {
		result, err := rec.RecoverFromWAL(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover from WAL: %w", err)
		}
		e.recovery = result
		if err := rec.Checkpoint(ctx); err != nil {
			e.logger.Warn("Failed to checkpoint WAL after recovery", "error", err)
		}
	}

	if err := e.loadIndexes(ctx); err != nil {
		return err
	}
	e.loadRelationships(ctx)

	e.queue.Start()
	if e.bus != nil {
		e.unsubscribe = e.bus.SubscribeMultiple(
			[]events.EventType{events.StorageKeyChanged, events.StorageKeyRemoved},
			events.HandlerFunc(e.handleStorageEvent),
		)
	}

	e.initialized = true
	e.logger.Info("Engine initialized",
		"indexed_sessions", e.index.Stats().Documents,
		"relationships", e.relations.Len(),
		"duration", time.Since(start),
	)
	return nil
}

// loadIndexes 优先从快照恢复；快照缺失、损坏或与元数据不一致时完整重建
func (e *Engine) loadIndexes(ctx context.Context) error {
	metas, err := e.sessions.ListMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	data, err := e.adapter.Load(ctx, appIndex.SnapshotKey)
	switch {
	case err == nil:
		if err := e.index.Restore(data); err != nil {
			e.logger.Warn("Index snapshot unusable, rebuilding", "error", err)
			e.index.BuildIndexes(metas)
			return nil
		}
		if report := e.index.VerifyIntegrity(metas); !report.Valid {
			e.index.BuildIndexes(metas)
		}
		return nil
	case storage.IsNotFound(err):
		e.index.BuildIndexes(metas)
		return nil
	default:
		return fmt.Errorf("failed to load index snapshot: %w", err)
	}
}

func (e *Engine) loadRelationships(ctx context.Context) {
	data, err := e.adapter.Load(ctx, appIndex.RelationshipsKey)
	if err != nil {
		if !storage.IsNotFound(err) {
			e.logger.Warn("Failed to load relationships", "error", err)
		}
		return
	}
	if err := e.relations.Restore(data); err != nil {
		e.logger.Warn("Relationship snapshot unusable, starting empty", "error", err)
	}
}

// Reset 丢弃所有进程内状态（待处理写入、缓存、索引、当前会话），不触碰已持久化的数据
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cleared := e.queue.Clear()
	e.cache.Reset()
	e.index.Reset()
	e.relations.Clear()
	e.activeSession = ""

	e.logger.Info("Engine state reset", "cleared_queue_items", cleared)
}

// Shutdown 保存索引快照，排空写回队列并关闭存储
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	initialized := e.initialized
	e.initialized = false
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	var errs []error
	if initialized {
		e.persistIndexes()
		e.persistRelationships()
	}
	if err := e.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
	}
	if rec, ok := e.adapter.(storage.Recoverable); ok && initialized {
		if err := rec.Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: %w", err))
		}
	}
	if err := e.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	e.logger.Info("Engine shut down", "errors", len(errs))
	return errors.Join(errs...)
}

func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Recovery 最近一次 Init 时 WAL 恢复的结果，非文件后端为 nil
func (e *Engine) Recovery() *storage.RecoveryResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recovery
}

// SetActiveSession 标记当前正在录制的会话，空字符串表示没有
func (e *Engine) SetActiveSession(id string) error {
	if id != "" {
		if err := domainSession.ValidateID(id); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
	}
	e.mu.Lock()
	e.activeSession = id
	e.mu.Unlock()
	return nil
}

// ActiveSession 当前会话 ID
func (e *Engine) ActiveSession() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeSession
}

// Stats 汇总各组件统计
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	attachments, err := e.cas.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Cache:         e.cache.Stats(),
		Queue:         e.queue.Stats(),
		Attachments:   attachments,
		Index:         e.index.Stats(),
		Relationships: e.relations.Len(),
		ActiveSession: e.ActiveSession(),
	}, nil
}

// Sessions 会话分块存储
func (e *Engine) Sessions() *appSession.ChunkedStorage { return e.sessions }

// Attachments 内容寻址附件存储
func (e *Engine) Attachments() *appAttachment.Store { return e.cas }

// Queue 写回队列
func (e *Engine) Queue() *appQueue.Queue { return e.queue }

// Index 会话索引
func (e *Engine) Index() *appIndex.Manager { return e.index }

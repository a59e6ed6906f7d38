package engine

import (
	"context"
	"fmt"

	appAttachment "github.com/taskerino/backend/internal/application/attachment"
	appIndex "github.com/taskerino/backend/internal/application/index"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
)

// Search 检索会话
func (e *Engine) Search(q search.Query) *search.Result {
	return e.index.Search(q)
}

// VerifyIndexes 对照当前存储中的元数据检查索引
func (e *Engine) VerifyIndexes(ctx context.Context) (*search.IntegrityReport, error) {
	metas, err := e.sessions.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return e.index.VerifyIntegrity(metas), nil
}

// RebuildIndexes 以低优先级在后台重建索引，被取消后再次调用会继续
func (e *Engine) RebuildIndexes(ctx context.Context) (*appIndex.RebuildResult, error) {
	metas, err := e.sessions.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	result, err := e.index.Rebuild(ctx, metas, e.queue)
	if err != nil {
		return result, err
	}
	e.persistIndexes()
	return result, nil
}

// OptimizeIndexes 以低优先级压缩索引
func (e *Engine) OptimizeIndexes(ctx context.Context) (*appIndex.OptimizeResult, error) {
	result, err := e.index.OptimizeIndexes(ctx, e.queue)
	if err != nil {
		return result, err
	}
	e.persistIndexes()
	return result, nil
}

// CollectGarbage 回收没有引用的附件
func (e *Engine) CollectGarbage(ctx context.Context, onProgress appAttachment.ProgressFunc) (*domainAttachment.GCResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cas.CollectGarbage(ctx, onProgress)
}

// Flush 立即处理写回队列中的全部条目
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.Flush(ctx)
}

// Checkpoint 排空写回队列后截断 WAL；非文件后端为空操作
func (e *Engine) Checkpoint(ctx context.Context) error {
	rec, ok := e.adapter.(storage.Recoverable)
	if !ok {
		return nil
	}
	if err := e.queue.Flush(ctx); err != nil {
		return err
	}
	return rec.Checkpoint(ctx)
}

// AddRelationship 添加实体关系，重复 ID 返回 false
func (e *Engine) AddRelationship(rel search.Relationship) (bool, error) {
	added, err := e.relations.Add(rel)
	if err != nil || !added {
		return added, err
	}
	e.persistRelationships()
	return true, nil
}

// RemoveRelationship 删除实体关系
func (e *Engine) RemoveRelationship(id string) bool {
	if !e.relations.Remove(id) {
		return false
	}
	e.persistRelationships()
	return true
}

// Relationships 实体参与的关系
func (e *Engine) Relationships(entityID string) []search.Relationship {
	return e.relations.ForEntity(entityID)
}

// persistIndexes 索引快照作为低优先级条目入队，后写覆盖先写
func (e *Engine) persistIndexes() {
	data, err := e.index.Snapshot()
	if err != nil {
		e.logger.Warn("Failed to snapshot indexes", "error", err)
		return
	}
	e.enqueueIndex(appIndex.SnapshotKey, data)
}

func (e *Engine) persistRelationships() {
	data, err := e.relations.Snapshot()
	if err != nil {
		e.logger.Warn("Failed to snapshot relationships", "error", err)
		return
	}
	e.enqueueIndex(appIndex.RelationshipsKey, data)
}

func (e *Engine) enqueueIndex(key string, data []byte) {
	_, err := e.queue.Enqueue(domainQueue.Request{
		Key:      key,
		Value:    data,
		Priority: domainQueue.PriorityLow,
		Type:     domainQueue.TypeIndex,
		GroupID:  "indexes",
	})
	if err != nil {
		e.logger.Warn("Failed to enqueue index snapshot", "key", key, "error", err)
	}
}

// handleStorageEvent 外部进程改动数据文件后使缓存失效，并刷新对应会话的索引
func (e *Engine) handleStorageEvent(event events.Event) error {
	se, ok := event.(*events.StorageEvent)
	if !ok {
		return nil
	}

	if se.SessionID != "" {
		e.sessions.InvalidateSession(se.SessionID)
	} else if se.Key != "" {
		e.cache.Delete(se.Key)
	}

	id, isMetadata := domainSession.IDFromMetadataKey(se.Key)
	if !isMetadata || e.ready() != nil {
		return nil
	}

	if se.EventType == events.StorageKeyRemoved {
		e.index.DeleteFromIndexes(id)
		return nil
	}

	meta, err := e.sessions.LoadMetadata(context.Background(), id)
	if err != nil {
		return fmt.Errorf("reload metadata %s: %w", id, err)
	}
	if meta == nil {
		e.index.DeleteFromIndexes(id)
		return nil
	}
	e.index.UpdateIndexes(meta)
	return nil
}

package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
)

const (
	// rebuildBatchSize 重建时每批处理的记录数，批与批之间让出给高优先级写入
	rebuildBatchSize = 100
	// snapshotVersion 索引快照格式版本
	snapshotVersion = 1
)

// SnapshotKey 索引快照在存储中的键
const SnapshotKey = "indexes/sessions"

// IdleWaiter 等待写回队列中的高优先级工作完成
type IdleWaiter interface {
	WaitForIdle(ctx context.Context) error
}

// RebuildResult 重建结果
type RebuildResult struct {
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Resumed   bool          `json:"resumed"`
	Duration  time.Duration `json:"duration"`
}

// OptimizeResult 压缩结果
type OptimizeResult struct {
	Kinds          int           `json:"kinds"`
	RemovedEntries int           `json:"removedEntries"`
	Duration       time.Duration `json:"duration"`
}

// Rebuild 在后台分批重建索引，完成后整体替换当前索引
// 被取消时保留已完成的部分，下次调用从中断处继续；期间的增量更新同时作用于新索引
func (m *Manager) Rebuild(ctx context.Context, metas []*domainSession.Metadata, idle IdleWaiter) (*RebuildResult, error) {
	start := time.Now()
	result := &RebuildResult{Total: len(metas)}

	m.mu.Lock()
	if m.shadow == nil {
		m.shadow = newIndexSet()
		m.shadowDone = make(map[string]struct{})
	} else {
		result.Resumed = true
	}
	m.mu.Unlock()

	for offset := 0; offset < len(metas); offset += rebuildBatchSize {
		if idle != nil {
			if err := idle.WaitForIdle(ctx); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			m.logger.Info("Index rebuild interrupted", "processed", result.Processed, "total", result.Total)
			return result, err
		}

		batch := metas[offset:min(offset+rebuildBatchSize, len(metas))]
		m.mu.Lock()
		if m.shadow == nil {
			// 期间被 BuildIndexes 或 Reset 取代
			m.mu.Unlock()
			return result, fmt.Errorf("%w: rebuild superseded", storage.ErrValidation)
		}
		for _, meta := range batch {
			if meta == nil {
				continue
			}
			if _, done := m.shadowDone[meta.ID]; done {
				result.Skipped++
				continue
			}
			m.shadow.add(newDocument(meta))
			m.shadowDone[meta.ID] = struct{}{}
			result.Processed++
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.shadow != nil {
		m.current = m.shadow
		m.shadow = nil
		m.shadowDone = nil
		m.builtAt = time.Now()
		m.invalidateResults()
	}
	m.mu.Unlock()

	result.Duration = time.Since(start)
	m.logger.Info("Indexes rebuilt",
		"total", result.Total,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"resumed", result.Resumed,
		"duration", result.Duration,
	)
	return result, nil
}

// RebuildPending 是否有未完成的重建
func (m *Manager) RebuildPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shadow != nil
}

// OptimizeIndexes 从文档重新生成每一种索引，去掉空集合和不再存在的 ID
// 按索引种类逐个替换，中断后重新调用即可
func (m *Manager) OptimizeIndexes(ctx context.Context, idle IdleWaiter) (*OptimizeResult, error) {
	start := time.Now()
	result := &OptimizeResult{}

	kinds := []search.IndexKind{search.IndexText, search.IndexTag, search.IndexCategory, search.IndexStatus, search.IndexDate}
	for _, kind := range kinds {
		if idle != nil {
			if err := idle.WaitForIdle(ctx); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		m.mu.Lock()
		result.RemovedEntries += m.current.compact(kind)
		m.invalidateResults()
		m.mu.Unlock()
		result.Kinds++
	}

	result.Duration = time.Since(start)
	m.logger.Info("Indexes optimized",
		"removed_entries", result.RemovedEntries,
		"duration", result.Duration,
	)
	return result, nil
}

// compact 重新生成一种索引，返回被丢弃的条目数
func (s *indexSet) compact(kind search.IndexKind) int {
	old := s.all()[kind]
	fresh := make(postings, len(old))
	for _, doc := range s.docs {
		switch kind {
		case search.IndexText:
			for _, term := range doc.Terms {
				fresh.add(term, doc.ID)
			}
		case search.IndexTag:
			for _, tag := range doc.Tags {
				fresh.add(tag, doc.ID)
			}
		case search.IndexCategory:
			fresh.add(doc.Category, doc.ID)
		case search.IndexStatus:
			fresh.add(doc.Status, doc.ID)
		case search.IndexDate:
			fresh.add(doc.bucket(), doc.ID)
		}
	}

	removed := entryCount(old) - entryCount(fresh)
	switch kind {
	case search.IndexText:
		s.text = fresh
	case search.IndexTag:
		s.tags = fresh
	case search.IndexCategory:
		s.categories = fresh
	case search.IndexStatus:
		s.statuses = fresh
	case search.IndexDate:
		s.dates = fresh
	}
	return removed
}

func entryCount(p postings) int {
	n := 0
	for _, ids := range p {
		n += len(ids)
	}
	return n
}

type snapshot struct {
	Version   int         `json:"version"`
	BuiltAt   time.Time   `json:"builtAt"`
	Documents []*document `json:"documents"`
}

// Snapshot 序列化当前索引，索引本身由文档重新生成
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.RLock()
	snap := snapshot{
		Version:   snapshotVersion,
		BuiltAt:   m.builtAt,
		Documents: m.current.documents(),
	}
	m.mu.RUnlock()
	return json.Marshal(snap)
}

// Restore 从快照恢复索引，快照损坏时返回 ErrIntegrity 且不修改当前索引
func (m *Manager) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: index snapshot: %v", storage.ErrIntegrity, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported index snapshot version %d", storage.ErrIntegrity, snap.Version)
	}

	set := newIndexSet()
	for _, doc := range snap.Documents {
		if doc == nil || doc.ID == "" {
			return fmt.Errorf("%w: index snapshot contains an empty document", storage.ErrIntegrity)
		}
		set.add(doc)
	}

	m.mu.Lock()
	m.current = set
	m.shadow = nil
	m.shadowDone = nil
	m.builtAt = snap.BuiltAt
	m.invalidateResults()
	m.mu.Unlock()

	m.logger.Info("Indexes restored from snapshot", "documents", len(set.docs))
	return nil
}

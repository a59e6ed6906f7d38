package attachment

import (
	"context"
	"time"

	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
)

// gcEventInterval 每回收这么多个对象发布一次进度事件
const gcEventInterval = 50

type gcOutcome int

const (
	gcKept gcOutcome = iota
	gcDeleted
	gcTooYoung
)

// ProgressFunc 回收进度回调
type ProgressFunc func(progress domainAttachment.GCProgress)

// CollectGarbage 删除所有引用集合为空且超过宽限期的内容对象
// 开始前等待队列中的高优先级写入完成；单个对象出错时记录并跳过
func (s *Store) CollectGarbage(ctx context.Context, onProgress ProgressFunc) (*domainAttachment.GCResult, error) {
	start := time.Now()

	if s.idle != nil {
		if err := s.idle.WaitForIdle(ctx); err != nil {
			return nil, err
		}
	}

	hashes, err := s.ListHashes(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Attachment garbage collection started", "total", len(hashes))

	result := &domainAttachment.GCResult{}
	progress := domainAttachment.GCProgress{Total: len(hashes)}
	cutoff := s.now().Add(-s.grace)

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, freed, err := s.collectOne(ctx, hash, cutoff)
		result.Scanned++
		if err != nil {
			result.Errors++
			s.logger.Warn("Skipping attachment during garbage collection",
				"hash", hash,
				"error", err,
			)
		}
		switch outcome {
		case gcDeleted:
			result.Deleted++
			result.FreedBytes += freed
		case gcTooYoung:
			result.Skipped++
		}

		progress.Scanned = result.Scanned
		progress.Deleted = result.Deleted
		progress.FreedBytes = result.FreedBytes
		progress.Current = hash
		if onProgress != nil {
			onProgress(progress)
		}
		if result.Scanned%gcEventInterval == 0 || result.Scanned == len(hashes) {
			s.publishProgress(progress)
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	s.logger.Info("Attachment garbage collection finished",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"freed_bytes", result.FreedBytes,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// collectOne 在哈希锁内重新确认引用集合为空再删除
// 创建时间晚于 cutoff 的对象留到下一轮
func (s *Store) collectOne(ctx context.Context, hash string, cutoff time.Time) (gcOutcome, int64, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	meta, err := s.loadMetadata(ctx, hash)
	if err != nil {
		return gcKept, 0, err
	}
	if meta.Referenced() {
		return gcKept, 0, nil
	}
	if meta.CreatedAt.After(cutoff) {
		return gcTooYoung, 0, nil
	}
	if err := s.remove(ctx, hash); err != nil {
		return gcKept, 0, err
	}
	return gcDeleted, meta.Size, nil
}

// CollectGarbageStream 以 channel 形式返回回收进度
// 最后一个值携带 Result 或 Err，随后 channel 关闭
func (s *Store) CollectGarbageStream(ctx context.Context) <-chan domainAttachment.GCUpdate {
	updates := make(chan domainAttachment.GCUpdate, 16)

	go func() {
		defer close(updates)

		result, err := s.CollectGarbage(ctx, func(progress domainAttachment.GCProgress) {
			select {
			case updates <- domainAttachment.GCUpdate{Progress: &progress}:
			case <-ctx.Done():
			}
		})

		final := domainAttachment.GCUpdate{Result: result, Err: err}
		select {
		case updates <- final:
		case <-ctx.Done():
		}
	}()

	return updates
}

func (s *Store) publishProgress(progress domainAttachment.GCProgress) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.GCProgressEvent{
		Scanned:    progress.Scanned,
		Total:      progress.Total,
		Deleted:    progress.Deleted,
		FreedBytes: progress.FreedBytes,
		EventTime:  time.Now(),
	})
}

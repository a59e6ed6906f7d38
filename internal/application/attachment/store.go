// Package attachment 实现内容寻址、引用计数的附件存储
package attachment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/singleton"
)

// ErrAttachmentNotFound 哈希对应的内容对象不存在
var ErrAttachmentNotFound = fmt.Errorf("%w: attachment", storage.ErrNotFound)

// IdleWaiter 等待写回队列中的高优先级工作完成
type IdleWaiter interface {
	WaitForIdle(ctx context.Context) error
}

// Store 内容寻址存储
// 同一哈希上的引用增删按哈希串行化，避免并发更新丢失
type Store struct {
	adapter storage.Adapter
	cache   *cache.LRUCache[any]
	bus     events.EventBus
	idle    IdleWaiter
	locks   *singleton.KeyedMutex
	logger  *slog.Logger
	now     func() time.Time
	// grace 新建不足该时长的对象不参与回收，保存与首次引用之间的窗口内不会被删
	grace time.Duration
}

// NewStore 创建附件存储，bus 和 idle 可以为空
func NewStore(adapter storage.Adapter, c *cache.LRUCache[any], bus events.EventBus, idle IdleWaiter) *Store {
	return &Store{
		adapter: adapter,
		cache:   c,
		bus:     bus,
		idle:    idle,
		locks:   singleton.NewKeyedMutex(),
		logger:  log.NewModuleLogger("attachment", "cas"),
		now:     time.Now,
	}
}

// SetGCGrace 设置回收宽限期，0 表示不设宽限
func (s *Store) SetGCGrace(grace time.Duration) {
	if grace < 0 {
		grace = 0
	}
	s.grace = grace
}

// SaveAttachment 保存附件内容并返回内容哈希
// 相同内容已存在时直接返回已有哈希，不重写数据
func (s *Store) SaveAttachment(ctx context.Context, att *domainAttachment.Attachment) (string, error) {
	if att == nil || len(att.Data) == 0 {
		return "", domainAttachment.ErrNoPayload
	}

	hash := domainAttachment.Hash(att.Data)
	unlock := s.locks.Lock(hash)
	defer unlock()

	exists, err := s.adapter.Exists(ctx, domainAttachment.MetadataKey(hash))
	if err != nil {
		return "", fmt.Errorf("failed to check attachment %s: %w", hash, err)
	}
	if exists {
		s.logger.Debug("Attachment deduplicated",
			"hash", hash,
			"local_id", att.ID,
			"size", len(att.Data),
		)
		return hash, nil
	}

	meta := &domainAttachment.Metadata{
		Hash:       hash,
		Size:       int64(len(att.Data)),
		MimeType:   att.MimeType,
		CreatedAt:  s.now(),
		References: []domainAttachment.Ref{},
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	tx, err := s.adapter.BeginTransaction(ctx)
	if err != nil {
		return "", err
	}
	if err := tx.Save(domainAttachment.DataKey(hash), att.Data); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Save(domainAttachment.MetadataKey(hash), metaData); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to save attachment %s: %w", hash, err)
	}
	s.cache.Delete(domainAttachment.MetadataKey(hash))

	s.logger.Debug("Attachment stored",
		"hash", hash,
		"local_id", att.ID,
		"size", meta.Size,
	)
	return hash, nil
}

// LoadAttachment 读取内容，不存在或内容与哈希不符时返回 nil, nil
func (s *Store) LoadAttachment(ctx context.Context, hash string) ([]byte, error) {
	if domainAttachment.ValidateHash(hash) != nil {
		return nil, nil
	}
	data, err := s.adapter.Load(ctx, domainAttachment.DataKey(hash))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load attachment %s: %w", hash, err)
	}
	if domainAttachment.Hash(data) != hash {
		s.logger.Error("Attachment content does not match its hash",
			"hash", hash,
			"size", len(data),
		)
		return nil, nil
	}
	return data, nil
}

// GetMetadata 读取元数据与引用集合，不存在或损坏时返回 nil, nil
func (s *Store) GetMetadata(ctx context.Context, hash string) (*domainAttachment.Metadata, error) {
	if domainAttachment.ValidateHash(hash) != nil {
		return nil, nil
	}
	meta, err := s.loadMetadata(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) || storage.IsIntegrity(err) {
			return nil, nil
		}
		return nil, err
	}
	return cloneMetadata(meta), nil
}

// loadMetadata 缓存优先；不存在返回 ErrAttachmentNotFound，无法解析返回 ErrIntegrity
func (s *Store) loadMetadata(ctx context.Context, hash string) (*domainAttachment.Metadata, error) {
	key := domainAttachment.MetadataKey(hash)
	if v, ok := s.cache.Get(key); ok {
		if meta, ok := v.(*domainAttachment.Metadata); ok {
			return cloneMetadata(meta), nil
		}
	}

	data, err := s.adapter.Load(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w %s", ErrAttachmentNotFound, hash)
		}
		return nil, fmt.Errorf("failed to load attachment metadata %s: %w", hash, err)
	}

	var meta domainAttachment.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: attachment metadata %s: %v", storage.ErrIntegrity, hash, err)
	}
	s.cache.Set(key, cloneMetadata(&meta))
	return &meta, nil
}

func (s *Store) saveMetadata(ctx context.Context, meta *domainAttachment.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := domainAttachment.MetadataKey(meta.Hash)
	defer s.cache.Delete(key)
	return s.adapter.Save(ctx, key, data)
}

// AddReference 为内容对象添加 (ownerID, localID) 引用，重复添加无副作用
func (s *Store) AddReference(ctx context.Context, hash, ownerID, localID string) error {
	if err := domainAttachment.ValidateHash(hash); err != nil {
		return err
	}
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is required", storage.ErrValidation)
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	meta, err := s.loadMetadata(ctx, hash)
	if err != nil {
		return err
	}
	if !meta.AddReference(ownerID, localID, s.now()) {
		return nil
	}
	if err := s.saveMetadata(ctx, meta); err != nil {
		return fmt.Errorf("failed to add reference to %s: %w", hash, err)
	}

	s.logger.Debug("Reference added",
		"hash", hash,
		"owner_id", ownerID,
		"local_id", localID,
		"references", len(meta.References),
	)
	return nil
}

// RemoveReference 移除某个拥有者对内容对象的全部引用
// 哈希不存在时只记录日志，拥有者可能已经被清理过
func (s *Store) RemoveReference(ctx context.Context, hash, ownerID string) error {
	if domainAttachment.ValidateHash(hash) != nil {
		s.logger.Warn("Ignoring reference removal for invalid hash", "hash", hash, "owner_id", ownerID)
		return nil
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	meta, err := s.loadMetadata(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) || storage.IsIntegrity(err) {
			s.logger.Warn("Attachment not found while removing reference",
				"hash", hash,
				"owner_id", ownerID,
				"error", err,
			)
			return nil
		}
		return err
	}
	if meta.RemoveOwner(ownerID) == 0 {
		return nil
	}
	if err := s.saveMetadata(ctx, meta); err != nil {
		return fmt.Errorf("failed to remove reference from %s: %w", hash, err)
	}
	return nil
}

// DeleteAttachment 只有引用集合为空时才删除，返回是否删除
func (s *Store) DeleteAttachment(ctx context.Context, hash string) (bool, error) {
	if err := domainAttachment.ValidateHash(hash); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	meta, err := s.loadMetadata(ctx, hash)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if meta.Referenced() {
		return false, nil
	}
	if err := s.remove(ctx, hash); err != nil {
		return false, err
	}
	return true, nil
}

// remove 删除数据与元数据，调用方持有哈希锁
func (s *Store) remove(ctx context.Context, hash string) error {
	tx, err := s.adapter.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(domainAttachment.DataKey(hash)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Delete(domainAttachment.MetadataKey(hash)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete attachment %s: %w", hash, err)
	}
	s.cache.Delete(domainAttachment.MetadataKey(hash))
	return nil
}

// MigrateFromLegacy 保存旧格式附件并登记引用
func (s *Store) MigrateFromLegacy(ctx context.Context, localID string, att *domainAttachment.Attachment, ownerID string) (string, error) {
	hash, err := s.SaveAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	if err := s.AddReference(ctx, hash, ownerID, localID); err != nil {
		return "", err
	}
	return hash, nil
}

// ListHashes 列出所有内容对象的哈希
func (s *Store) ListHashes(ctx context.Context) ([]string, error) {
	keys, err := s.adapter.List(ctx, domainAttachment.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	hashes := make([]string, 0, len(keys)/2)
	for _, key := range keys {
		if hash, ok := domainAttachment.HashFromMetadataKey(key); ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// GetStats 统计对象数、引用数、字节数和去重节省量
// 元数据损坏的对象计入 Corrupt，不影响其它统计
func (s *Store) GetStats(ctx context.Context) (*domainAttachment.Stats, error) {
	hashes, err := s.ListHashes(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domainAttachment.Stats{}
	var logical int64
	for _, hash := range hashes {
		meta, err := s.loadMetadata(ctx, hash)
		if err != nil {
			if storage.IsNotFound(err) || storage.IsIntegrity(err) {
				stats.Corrupt++
				continue
			}
			return nil, err
		}

		refs := len(meta.References)
		stats.TotalAttachments++
		stats.TotalReferences += refs
		stats.TotalBytes += meta.Size
		logical += meta.Size * int64(max(refs, 1))
		if refs == 0 {
			stats.Unreferenced++
		}
	}

	if stats.TotalAttachments > 0 {
		stats.AvgReferences = float64(stats.TotalReferences) / float64(stats.TotalAttachments)
	}
	stats.DedupSavings = logical - stats.TotalBytes
	return stats, nil
}

func cloneMetadata(m *domainAttachment.Metadata) *domainAttachment.Metadata {
	c := *m
	c.References = append([]domainAttachment.Ref{}, m.References...)
	return &c
}

// Package session 实现会话聚合的分块存储
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/singleton"
)

// loadConcurrency 单次整会话加载时并发读取的块数上限
const loadConcurrency = 8

// ErrSessionNotFound 写路径上目标会话不存在
var ErrSessionNotFound = fmt.Errorf("%w: session", storage.ErrNotFound)

// Enqueuer 写回队列的入队能力
type Enqueuer interface {
	EnqueueBatch(reqs []domainQueue.Request) ([]string, error)
}

// commitNotifier 队列提交成功的回调注册，排队写入落盘后据此让缓存失效
type commitNotifier interface {
	OnCommitted(fn func(items []domainQueue.Item))
}

// ChunkedStorage 会话分块存储
// 元数据和每个集合的块分别存成独立的键，读路径先查缓存，写路径在返回前让缓存失效
type ChunkedStorage struct {
	adapter storage.Adapter
	cache   *cache.LRUCache[any]
	queue   Enqueuer
	codec   *chunkCodec
	locks   *singleton.KeyedMutex
	loads   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time

	// generations 每个会话的缓存代数，失效时递增
	// 读路径只在代数未变时回填缓存，避免失效之前读到的旧值写回缓存
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewChunkedStorage 创建分块存储，queue 为空时 SaveFullQueued 不可用
func NewChunkedStorage(adapter storage.Adapter, c *cache.LRUCache[any], queue Enqueuer) (*ChunkedStorage, error) {
	codec, err := newChunkCodec()
	if err != nil {
		return nil, err
	}
	cs := &ChunkedStorage{
		adapter:     adapter,
		cache:       c,
		queue:       queue,
		codec:       codec,
		locks:       singleton.NewKeyedMutex(),
		logger:      log.NewModuleLogger("session", "chunked"),
		now:         time.Now,
		generations: make(map[string]uint64),
	}
	if n, ok := queue.(commitNotifier); ok {
		n.OnCommitted(cs.handleCommitted)
	}
	return cs, nil
}

// handleCommitted 排队的会话写入落盘后丢弃该会话的缓存
func (c *ChunkedStorage) handleCommitted(items []domainQueue.Item) {
	seen := make(map[string]struct{})
	for _, item := range items {
		if item.Type != domainQueue.TypeChunk || item.SessionID == "" {
			continue
		}
		if _, ok := seen[item.SessionID]; ok {
			continue
		}
		seen[item.SessionID] = struct{}{}
		c.invalidateSession(item.SessionID)
	}
}

// SaveFull 写入元数据、所有块和可选大对象，一个事务内完成
// 重复保存得到相同的最终状态（UpdatedAt 除外），多余的旧块会被删除
func (c *ChunkedStorage) SaveFull(ctx context.Context, s *domainSession.Session) (*domainSession.Metadata, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	unlock := c.locks.Lock(s.ID)
	defer unlock()

	existing, err := c.loadMetadataFromAdapter(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	existingKeys, err := c.adapter.List(ctx, domainSession.Prefix(s.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}

	meta, ops, err := c.planSave(s, existing, existingKeys)
	if err != nil {
		return nil, err
	}

	if err := c.commit(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	c.invalidateSession(s.ID)

	c.logger.Debug("Session saved",
		"session_id", s.ID,
		"screenshots", meta.Screenshots.Count,
		"audio_segments", meta.AudioSegments.Count,
		"video_chunks", meta.VideoChunks.Count,
		"operations", len(ops),
	)
	return meta.Clone(), nil
}

// SaveFullQueued 与 SaveFull 产生相同的写入，但交给写回队列
// 所有写入以 chunk 类型、按会话分组入队，由队列合并为一个事务；调用方不等待 I/O
// 队列落盘之前读到的仍是旧数据
func (c *ChunkedStorage) SaveFullQueued(ctx context.Context, s *domainSession.Session, priority domainQueue.Priority) (*domainSession.Metadata, []string, error) {
	if c.queue == nil {
		return nil, nil, fmt.Errorf("%w: no persistence queue configured", storage.ErrValidation)
	}
	if err := s.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	unlock := c.locks.Lock(s.ID)
	defer unlock()

	existing, err := c.LoadMetadata(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	existingKeys := c.knownChunkKeys(existing)

	meta, ops, err := c.planSave(s, existing, existingKeys)
	if err != nil {
		return nil, nil, err
	}

	reqs := make([]domainQueue.Request, 0, len(ops))
	for _, op := range ops {
		reqs = append(reqs, domainQueue.Request{
			Key:       op.Key,
			Value:     op.Value,
			Delete:    op.Type == storage.OperationDelete,
			Priority:  priority,
			Type:      domainQueue.TypeChunk,
			SessionID: s.ID,
		})
	}
	ids, err := c.queue.EnqueueBatch(reqs)
	if err != nil {
		return nil, nil, err
	}
	c.invalidateSession(s.ID)

	return meta.Clone(), ids, nil
}

// planSave 计算保存一个会话需要的全部操作，元数据放在最后
func (c *ChunkedStorage) planSave(s *domainSession.Session, existing *domainSession.Metadata, existingKeys []string) (*domainSession.Metadata, []storage.Operation, error) {
	now := c.now()
	meta := domainSession.MetadataFromSession(s)
	meta.UpdatedAt = now
	switch {
	case existing != nil && !existing.CreatedAt.IsZero():
		meta.CreatedAt = existing.CreatedAt
	case meta.CreatedAt.IsZero():
		meta.CreatedAt = now
	}

	var ops []storage.Operation
	written := make(map[string]struct{})

	for _, col := range domainSession.Collections {
		chunks, err := encodeCollection(s, col)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: encode %s: %v", storage.ErrValidation, col, err)
		}
		for i, data := range chunks {
			key := domainSession.ChunkKey(s.ID, col, i)
			ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: key, Value: data})
			written[key] = struct{}{}
		}
	}

	for _, obj := range domainSession.Objects {
		key := domainSession.ObjectKey(s.ID, obj)
		data := objectPayload(s, obj)
		if len(data) > 0 {
			ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: key, Value: data})
			written[key] = struct{}{}
			continue
		}
		if existing != nil && existing.HasObject(obj) {
			ops = append(ops, storage.Operation{Type: storage.OperationDelete, Key: key})
			written[key] = struct{}{}
		}
	}

	// 会话变短后留下的块
	metaKey := domainSession.MetadataKey(s.ID)
	for _, key := range existingKeys {
		if _, ok := written[key]; ok || key == metaKey || !isChunkKey(key) {
			continue
		}
		ops = append(ops, storage.Operation{Type: storage.OperationDelete, Key: key})
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode metadata: %v", storage.ErrValidation, err)
	}
	ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: metaKey, Value: data})

	return meta, ops, nil
}

// knownChunkKeys 由元数据推算已有的块键（不访问适配器）
func (c *ChunkedStorage) knownChunkKeys(meta *domainSession.Metadata) []string {
	if meta == nil {
		return nil
	}
	var keys []string
	for _, col := range domainSession.Collections {
		for i := 0; i < meta.Info(col).ChunkCount; i++ {
			keys = append(keys, domainSession.ChunkKey(meta.ID, col, i))
		}
	}
	return keys
}

// LoadMetadata 读取元数据；缓存命中时不访问适配器
// 不存在或已损坏时返回 nil, nil
func (c *ChunkedStorage) LoadMetadata(ctx context.Context, id string) (*domainSession.Metadata, error) {
	if err := domainSession.ValidateID(id); err != nil {
		return nil, nil
	}

	key := domainSession.MetadataKey(id)
	if v, ok := c.cache.Get(key); ok {
		if meta, ok := v.(*domainSession.Metadata); ok {
			return meta.Clone(), nil
		}
	}

	gen := c.generation(id)
	v, err, _ := c.loads.Do(flightKey(key, gen), func() (any, error) {
		meta, err := c.loadMetadataFromAdapter(ctx, id)
		if err != nil || meta == nil {
			return nil, err
		}
		c.fill(id, gen, key, meta)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	meta, _ := v.(*domainSession.Metadata)
	if meta == nil {
		return nil, nil
	}
	return meta.Clone(), nil
}

func (c *ChunkedStorage) loadMetadataFromAdapter(ctx context.Context, id string) (*domainSession.Metadata, error) {
	key := domainSession.MetadataKey(id)
	data, err := c.adapter.Load(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load metadata %s: %w", id, err)
	}

	var meta domainSession.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		c.logger.Error("Corrupt session metadata, treating as missing",
			"session_id", id,
			"error", err,
		)
		return nil, nil
	}
	return &meta, nil
}

// LoadFullSession 读取元数据后并发读取全部块，按原顺序重建集合
// 不存在返回 nil, nil；块缺失或损坏同样返回 nil, nil 并记录错误，不返回残缺数据
func (c *ChunkedStorage) LoadFullSession(ctx context.Context, id string) (*domainSession.Session, error) {
	meta, err := c.LoadMetadata(ctx, id)
	if err != nil || meta == nil {
		return nil, err
	}

	raw := make(map[domainSession.Collection][][]byte, len(domainSession.Collections))
	for _, col := range domainSession.Collections {
		raw[col] = make([][]byte, meta.Info(col).ChunkCount)
	}
	objects := make(map[domainSession.Object]json.RawMessage, len(domainSession.Objects))
	objectData := make([]json.RawMessage, len(domainSession.Objects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for _, col := range domainSession.Collections {
		chunks := raw[col]
		for i := range chunks {
			i := i
			key := domainSession.ChunkKey(id, col, i)
			g.Go(func() error {
				data, err := c.loadChunk(gctx, key)
				if err != nil {
					return err
				}
				chunks[i] = data
				return nil
			})
		}
	}
	for i, obj := range domainSession.Objects {
		i := i
		if !meta.HasObject(obj) {
			continue
		}
		key := domainSession.ObjectKey(id, obj)
		g.Go(func() error {
			data, err := c.loadBytes(gctx, key)
			if err != nil {
				return err
			}
			objectData[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, storage.ErrIntegrity) {
			c.logger.Error("Session data is incomplete or corrupt",
				"session_id", id,
				"error", err,
			)
			return nil, nil
		}
		return nil, err
	}

	for i, obj := range domainSession.Objects {
		if objectData[i] != nil {
			objects[obj] = objectData[i]
		}
	}

	s, err := assembleSession(meta, raw, objects)
	if err != nil {
		c.logger.Error("Failed to reconstruct session",
			"session_id", id,
			"error", err,
		)
		return nil, nil
	}
	return s, nil
}

// loadChunk 读取并解码一个块，缺失视为完整性错误
func (c *ChunkedStorage) loadChunk(ctx context.Context, key string) ([]byte, error) {
	data, err := c.loadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: missing chunk %s", storage.ErrIntegrity, key)
	}
	return data, nil
}

// loadBytes 缓存优先读取一个键的（解压后的）内容，不存在返回 nil
func (c *ChunkedStorage) loadBytes(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			return data, nil
		}
	}

	id, _ := domainSession.IDFromKey(key)
	gen := c.generation(id)
	v, err, _ := c.loads.Do(flightKey(key, gen), func() (any, error) {
		stored, err := c.adapter.Load(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to load %s: %w", key, err)
		}
		data, err := c.codec.decode(stored)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrIntegrity, key, err)
		}
		c.fill(id, gen, key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// LoadObject 读取可选大对象，不存在返回 nil, nil
func (c *ChunkedStorage) LoadObject(ctx context.Context, id string, obj domainSession.Object) (json.RawMessage, error) {
	if err := domainSession.ValidateID(id); err != nil {
		return nil, nil
	}
	data, err := c.loadBytes(ctx, domainSession.ObjectKey(id, obj))
	if err != nil {
		if errors.Is(err, storage.ErrIntegrity) {
			return nil, nil
		}
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// SaveObject 写回可选大对象并同步元数据标记；data 为空表示删除
func (c *ChunkedStorage) SaveObject(ctx context.Context, id string, obj domainSession.Object, data json.RawMessage) (*domainSession.Metadata, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	meta, err := c.loadMetadataFromAdapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w %s", ErrSessionNotFound, id)
	}

	key := domainSession.ObjectKey(id, obj)
	present := len(data) > 0
	switch obj {
	case domainSession.ObjectSummary:
		meta.HasSummary = present
	case domainSession.ObjectTranscript:
		meta.HasTranscript = present
	case domainSession.ObjectAudioInsights:
		meta.HasAudioInsights = present
	default:
		return nil, fmt.Errorf("%w: unknown object %q", storage.ErrValidation, obj)
	}
	meta.UpdatedAt = c.now()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	ops := []storage.Operation{{Type: storage.OperationDelete, Key: key}}
	if present {
		ops[0] = storage.Operation{Type: storage.OperationSave, Key: key, Value: data}
	}
	ops = append(ops, storage.Operation{Type: storage.OperationSave, Key: domainSession.MetadataKey(id), Value: metaData})

	if err := c.commit(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to save %s for session %s: %w", obj, id, err)
	}
	c.invalidateKeys(id, key, domainSession.MetadataKey(id))
	return meta.Clone(), nil
}

// AppendScreenshot 追加一张截图
func (c *ChunkedStorage) AppendScreenshot(ctx context.Context, id string, shot domainSession.Screenshot) (*domainSession.Metadata, error) {
	return appendItem(ctx, c, id, domainSession.CollectionScreenshots, shot)
}

// AppendAudioSegment 追加一个音频片段
func (c *ChunkedStorage) AppendAudioSegment(ctx context.Context, id string, segment domainSession.AudioSegment) (*domainSession.Metadata, error) {
	return appendItem(ctx, c, id, domainSession.CollectionAudioSegments, segment)
}

// AppendVideoChunk 追加一个视频分段
func (c *ChunkedStorage) AppendVideoChunk(ctx context.Context, id string, chunk domainSession.VideoChunk) (*domainSession.Metadata, error) {
	return appendItem(ctx, c, id, domainSession.CollectionVideoChunks, chunk)
}

// appendItem 最后一块有空位时追加到该块，否则新建一块；块与元数据在同一事务中写入
func appendItem[T any](ctx context.Context, c *ChunkedStorage, id string, col domainSession.Collection, item T) (*domainSession.Metadata, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	meta, err := c.loadMetadataFromAdapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w %s", ErrSessionNotFound, id)
	}

	info := meta.Info(col)
	if info.ChunkSize <= 0 {
		info.ChunkSize = col.ChunkSize()
	}

	var items []T
	index := info.ChunkCount
	if info.ChunkCount > 0 && info.LastChunkFill() < info.ChunkSize {
		index = info.ChunkCount - 1
		key := domainSession.ChunkKey(id, col, index)
		stored, err := c.adapter.Load(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, fmt.Errorf("%w: missing chunk %s", storage.ErrIntegrity, key)
			}
			return nil, err
		}
		data, err := c.codec.decode(stored)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrIntegrity, key, err)
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrIntegrity, key, err)
		}
	}
	items = append(items, item)

	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if meta.Compressed {
		data = c.codec.encode(data)
	}

	info.Count++
	info.ChunkCount = domainSession.ChunkCountFor(info.Count, info.ChunkSize)
	meta.UpdatedAt = c.now()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	chunkKey := domainSession.ChunkKey(id, col, index)
	ops := []storage.Operation{
		{Type: storage.OperationSave, Key: chunkKey, Value: data},
		{Type: storage.OperationSave, Key: domainSession.MetadataKey(id), Value: metaData},
	}
	if err := c.commit(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to append to %s of session %s: %w", col, id, err)
	}
	c.invalidateKeys(id, chunkKey, domainSession.MetadataKey(id))

	return meta.Clone(), nil
}

// DeleteSession 删除元数据、全部块和大对象；会话不存在时不报错
// 返回是否确实删除了数据
func (c *ChunkedStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := domainSession.ValidateID(id); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	keys, err := c.adapter.List(ctx, domainSession.Prefix(id))
	if err != nil {
		return false, fmt.Errorf("failed to list session keys: %w", err)
	}
	defer c.invalidateSession(id)

	if len(keys) == 0 {
		return false, nil
	}

	ops := make([]storage.Operation, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, storage.Operation{Type: storage.OperationDelete, Key: key})
	}
	if err := c.commit(ctx, ops); err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	c.logger.Info("Session deleted", "session_id", id, "keys", len(keys))
	return true, nil
}

// MigrateFromLegacy 把分块之前的单体会话转换为分块格式，结果与 SaveFull 相同
func (c *ChunkedStorage) MigrateFromLegacy(ctx context.Context, legacy *domainSession.LegacySession) (*domainSession.Metadata, error) {
	s, err := legacy.ToSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return c.SaveFull(ctx, s)
}

// ListMetadata 列出所有会话的元数据，按开始时间倒序
func (c *ChunkedStorage) ListMetadata(ctx context.Context) ([]*domainSession.Metadata, error) {
	keys, err := c.adapter.List(ctx, domainSession.SessionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var result []*domainSession.Metadata
	for _, key := range keys {
		id, ok := domainSession.IDFromMetadataKey(key)
		if !ok {
			continue
		}
		meta, err := c.LoadMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})
	return result, nil
}

// InvalidateSession 丢弃某个会话的全部缓存
func (c *ChunkedStorage) InvalidateSession(id string) {
	c.invalidateSession(id)
}

func (c *ChunkedStorage) invalidateSession(id string) {
	c.genMu.Lock()
	c.generations[id]++
	c.genMu.Unlock()

	if _, err := c.cache.InvalidatePattern(domainSession.CachePattern(id)); err != nil {
		// ID 含 glob 元字符时退回前缀匹配
		c.cache.InvalidatePrefix(domainSession.Prefix(id))
	}
}

func (c *ChunkedStorage) invalidateKeys(id string, keys ...string) {
	c.genMu.Lock()
	c.generations[id]++
	c.genMu.Unlock()
	c.cache.DeleteMany(keys)
}

func (c *ChunkedStorage) generation(id string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generations[id]
}

// fill 代数未变时才写入缓存；持锁写入保证不会越过随后的一次失效
func (c *ChunkedStorage) fill(id string, gen uint64, key string, value any) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generations[id] != gen {
		return
	}
	c.cache.Set(key, value)
}

// flightKey 失效前后的读取不合并到同一次加载
func flightKey(key string, gen uint64) string {
	return fmt.Sprintf("%s#%d", key, gen)
}

// commit 在一个事务中应用全部操作，失败时回滚
func (c *ChunkedStorage) commit(ctx context.Context, ops []storage.Operation) error {
	tx, err := c.adapter.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Type == storage.OperationDelete {
			err = tx.Delete(op.Key)
		} else {
			err = tx.Save(op.Key, op.Value)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return nil
}

// isChunkKey sessions/{id}/{collection}/chunk-NNN
func isChunkKey(key string) bool {
	i := strings.LastIndex(key, "/")
	return i >= 0 && strings.HasPrefix(key[i+1:], "chunk-")
}

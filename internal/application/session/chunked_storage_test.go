package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appQueue "github.com/taskerino/backend/internal/application/queue"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	infraStorage "github.com/taskerino/backend/internal/infrastructure/storage"
)

// countingAdapter 统计 Load 调用次数
type countingAdapter struct {
	*infraStorage.MemoryAdapter
	loads atomic.Int64
}

func (a *countingAdapter) Load(ctx context.Context, key string) ([]byte, error) {
	a.loads.Add(1)
	return a.MemoryAdapter.Load(ctx, key)
}

// recordingQueue 记录入队请求
type recordingQueue struct {
	mu   sync.Mutex
	reqs []domainQueue.Request
}

func (q *recordingQueue) EnqueueBatch(reqs []domainQueue.Request) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(reqs))
	for i := range reqs {
		ids[i] = fmt.Sprintf("item-%d", len(q.reqs)+i)
	}
	q.reqs = append(q.reqs, reqs...)
	return ids, nil
}

func setupTestStorage(t *testing.T) (*ChunkedStorage, *countingAdapter, *recordingQueue) {
	t.Helper()
	adapter := &countingAdapter{MemoryAdapter: infraStorage.NewMemoryAdapter()}
	require.NoError(t, adapter.Init(context.Background()))
	queue := &recordingQueue{}
	c := cache.New(cache.Options[any]{MaxBytes: 10 * 1024 * 1024})
	cs, err := NewChunkedStorage(adapter, c, queue)
	require.NoError(t, err)
	return cs, adapter, queue
}

func newTestSession(id string, screenshots, audio, video int) *domainSession.Session {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &domainSession.Session{
		ID:        id,
		Name:      "Session " + id,
		Status:    domainSession.StatusCompleted,
		StartTime: start,
		Tags:      []string{"work"},
	}
	for i := 0; i < screenshots; i++ {
		s.Screenshots = append(s.Screenshots, domainSession.Screenshot{
			ID:           fmt.Sprintf("shot-%d", i),
			AttachmentID: fmt.Sprintf("att-%d", i),
			Timestamp:    start.Add(time.Duration(i) * time.Second),
			UserComment:  strings.Repeat("note ", 20),
		})
	}
	for i := 0; i < audio; i++ {
		s.AudioSegments = append(s.AudioSegments, domainSession.AudioSegment{
			ID:            fmt.Sprintf("audio-%d", i),
			Timestamp:     start.Add(time.Duration(i) * time.Second),
			Duration:      10,
			Transcription: "hello world",
		})
	}
	for i := 0; i < video; i++ {
		s.VideoChunks = append(s.VideoChunks, domainSession.VideoChunk{
			ID:        fmt.Sprintf("video-%d", i),
			StartTime: float64(i * 30),
			EndTime:   float64((i + 1) * 30),
		})
	}
	return s
}

func TestChunkedStorage_SaveFullChunking(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		screenshots int
		wantChunks  int
		wantLast    int
	}{
		{"40张截图分成两块", 40, 2, 20},
		{"25张截图分成20+5", 25, 2, 5},
		{"空集合没有块", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, adapter, _ := setupTestStorage(t)

			meta, err := cs.SaveFull(ctx, newTestSession("s1", tt.screenshots, 0, 0))
			require.NoError(t, err)
			assert.Equal(t, tt.screenshots, meta.Screenshots.Count)
			assert.Equal(t, 20, meta.Screenshots.ChunkSize)
			assert.Equal(t, tt.wantChunks, meta.Screenshots.ChunkCount)
			assert.Equal(t, tt.wantLast, meta.Screenshots.LastChunkFill())

			keys, err := adapter.List(ctx, domainSession.ChunkPrefix("s1", domainSession.CollectionScreenshots))
			require.NoError(t, err)
			assert.Len(t, keys, tt.wantChunks)

			loaded, err := cs.LoadFullSession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Len(t, loaded.Screenshots, tt.screenshots)
			for i, shot := range loaded.Screenshots {
				assert.Equal(t, fmt.Sprintf("shot-%d", i), shot.ID)
			}
		})
	}
}

func TestChunkedStorage_RoundTripAllCollections(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)

	s := newTestSession("s1", 45, 250, 3)
	s.Summary = json.RawMessage(`{"text":"done"}`)
	s.Transcript = json.RawMessage(`"hello"`)

	meta, err := cs.SaveFull(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Screenshots.ChunkCount)
	assert.Equal(t, 3, meta.AudioSegments.ChunkCount)
	assert.Equal(t, 1, meta.VideoChunks.ChunkCount)
	assert.True(t, meta.HasSummary)
	assert.True(t, meta.HasTranscript)
	assert.False(t, meta.HasAudioInsights)

	loaded, err := cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.Screenshots, loaded.Screenshots)
	assert.Equal(t, s.AudioSegments, loaded.AudioSegments)
	assert.Equal(t, s.VideoChunks, loaded.VideoChunks)
	assert.JSONEq(t, `{"text":"done"}`, string(loaded.Summary))
	assert.JSONEq(t, `"hello"`, string(loaded.Transcript))
	assert.Nil(t, loaded.AudioInsights)
}

func TestChunkedStorage_ResaveShrinksAndKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	cs, adapter, _ := setupTestStorage(t)

	fixed := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return fixed }

	s := newTestSession("s1", 45, 0, 0)
	s.Summary = json.RawMessage(`{"a":1}`)
	first, err := cs.SaveFull(ctx, s)
	require.NoError(t, err)

	cs.now = func() time.Time { return fixed.Add(time.Minute) }

	smaller := newTestSession("s1", 5, 0, 0)
	second, err := cs.SaveFull(ctx, smaller)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, 1, second.Screenshots.ChunkCount)
	assert.False(t, second.HasSummary)

	keys, err := adapter.List(ctx, domainSession.Prefix("s1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		domainSession.MetadataKey("s1"),
		domainSession.ChunkKey("s1", domainSession.CollectionScreenshots, 0),
	}, keys)
}

func TestChunkedStorage_LoadMetadataCacheHit(t *testing.T) {
	ctx := context.Background()
	cs, adapter, _ := setupTestStorage(t)

	_, err := cs.SaveFull(ctx, newTestSession("s1", 3, 0, 0))
	require.NoError(t, err)

	meta, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, meta)

	before := adapter.loads.Load()
	again, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, meta, again)
	assert.Equal(t, before, adapter.loads.Load(), "cache hit must not touch the adapter")

	// 返回的是副本
	again.Name = "changed"
	third, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Session s1", third.Name)
}

func TestChunkedStorage_LoadMissing(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)

	meta, err := cs.LoadMetadata(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, meta)

	full, err := cs.LoadFullSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, full)

	meta, err = cs.LoadMetadata(ctx, "../etc")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestChunkedStorage_MissingChunkReturnsNil(t *testing.T) {
	ctx := context.Background()
	cs, adapter, _ := setupTestStorage(t)

	_, err := cs.SaveFull(ctx, newTestSession("s1", 25, 0, 0))
	require.NoError(t, err)
	require.NoError(t, adapter.Delete(ctx, domainSession.ChunkKey("s1", domainSession.CollectionScreenshots, 1)))

	full, err := cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, full)
}

func TestChunkedStorage_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("最后一块有空位时追加到该块", func(t *testing.T) {
		cs, adapter, _ := setupTestStorage(t)
		_, err := cs.SaveFull(ctx, newTestSession("s1", 5, 0, 0))
		require.NoError(t, err)

		meta, err := cs.AppendScreenshot(ctx, "s1", domainSession.Screenshot{ID: "shot-5"})
		require.NoError(t, err)
		assert.Equal(t, 6, meta.Screenshots.Count)
		assert.Equal(t, 1, meta.Screenshots.ChunkCount)

		keys, err := adapter.List(ctx, domainSession.ChunkPrefix("s1", domainSession.CollectionScreenshots))
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})

	t.Run("最后一块已满时新建一块", func(t *testing.T) {
		cs, _, _ := setupTestStorage(t)
		_, err := cs.SaveFull(ctx, newTestSession("s1", 20, 0, 0))
		require.NoError(t, err)

		meta, err := cs.AppendScreenshot(ctx, "s1", domainSession.Screenshot{ID: "shot-20"})
		require.NoError(t, err)
		assert.Equal(t, 21, meta.Screenshots.Count)
		assert.Equal(t, 2, meta.Screenshots.ChunkCount)

		full, err := cs.LoadFullSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, full)
		require.Len(t, full.Screenshots, 21)
		assert.Equal(t, "shot-20", full.Screenshots[20].ID)
	})

	t.Run("空集合追加第一块", func(t *testing.T) {
		cs, _, _ := setupTestStorage(t)
		_, err := cs.SaveFull(ctx, newTestSession("s1", 0, 0, 0))
		require.NoError(t, err)

		_, err = cs.AppendAudioSegment(ctx, "s1", domainSession.AudioSegment{ID: "a0"})
		require.NoError(t, err)
		meta, err := cs.AppendVideoChunk(ctx, "s1", domainSession.VideoChunk{ID: "v0"})
		require.NoError(t, err)
		assert.Equal(t, 1, meta.AudioSegments.ChunkCount)
		assert.Equal(t, 1, meta.VideoChunks.ChunkCount)
	})

	t.Run("会话不存在", func(t *testing.T) {
		cs, _, _ := setupTestStorage(t)
		_, err := cs.AppendScreenshot(ctx, "missing", domainSession.Screenshot{ID: "x"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestChunkedStorage_AppendInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)
	_, err := cs.SaveFull(ctx, newTestSession("s1", 3, 0, 0))
	require.NoError(t, err)

	_, err = cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)

	_, err = cs.AppendScreenshot(ctx, "s1", domainSession.Screenshot{ID: "shot-3"})
	require.NoError(t, err)

	full, err := cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Len(t, full.Screenshots, 4)
}

func TestChunkedStorage_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)
	_, err := cs.SaveFull(ctx, newTestSession("s1", 0, 0, 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cs.AppendScreenshot(ctx, "s1", domainSession.Screenshot{ID: fmt.Sprintf("c-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	meta, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 50, meta.Screenshots.Count)
	assert.Equal(t, 3, meta.Screenshots.ChunkCount)
}

func TestChunkedStorage_DeleteSession(t *testing.T) {
	ctx := context.Background()
	cs, adapter, _ := setupTestStorage(t)

	s := newTestSession("s1", 25, 1, 0)
	s.Summary = json.RawMessage(`{}`)
	_, err := cs.SaveFull(ctx, s)
	require.NoError(t, err)
	_, err = cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)

	deleted, err := cs.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	keys, err := adapter.List(ctx, domainSession.Prefix("s1"))
	require.NoError(t, err)
	assert.Empty(t, keys)

	meta, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, meta, "cache must be invalidated")

	// 删除不存在的会话不报错
	deleted, err = cs.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestChunkedStorage_MigrateFromLegacy(t *testing.T) {
	ctx := context.Background()
	migrated, migratedAdapter, _ := setupTestStorage(t)
	direct, directAdapter, _ := setupTestStorage(t)

	fixed := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	migrated.now = func() time.Time { return fixed }
	direct.now = func() time.Time { return fixed }

	legacy := &domainSession.LegacySession{
		ID:          "legacy-1",
		Name:        "Old session",
		StartTime:   "2024-03-01T09:00:00Z",
		EndTime:     "2024-03-01T10:00:00Z",
		Tags:        []string{"old"},
		Screenshots: newTestSession("x", 22, 0, 0).Screenshots,
		Transcript:  "hello",
		Video:       &domainSession.LegacyVideo{FullVideoAttachmentID: "vid", Duration: 3600},
	}

	meta, err := migrated.MigrateFromLegacy(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Screenshots.ChunkCount)
	assert.Equal(t, 1, meta.VideoChunks.Count)
	assert.True(t, meta.HasTranscript)

	s, err := legacy.ToSession()
	require.NoError(t, err)
	_, err = direct.SaveFull(ctx, s)
	require.NoError(t, err)

	keys, err := migratedAdapter.List(ctx, "")
	require.NoError(t, err)
	directKeys, err := directAdapter.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, directKeys, keys)

	for _, key := range keys {
		a, err := migratedAdapter.Load(ctx, key)
		require.NoError(t, err)
		b, err := directAdapter.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, b, a, key)
	}
}

func TestChunkedStorage_CompressSession(t *testing.T) {
	ctx := context.Background()
	cs, adapter, _ := setupTestStorage(t)

	s := newTestSession("s1", 45, 120, 0)
	_, err := cs.SaveFull(ctx, s)
	require.NoError(t, err)

	result, err := cs.CompressSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, result.Chunks)
	assert.Less(t, result.CompressedBytes, result.OriginalBytes)
	assert.Less(t, result.Ratio, 0.4)

	raw, err := adapter.Load(ctx, domainSession.ChunkKey("s1", domainSession.CollectionScreenshots, 0))
	require.NoError(t, err)
	assert.True(t, isCompressed(raw))

	meta, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, meta.Compressed)

	loaded, err := cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.Screenshots, loaded.Screenshots)
	assert.Equal(t, s.AudioSegments, loaded.AudioSegments)

	// 压缩后追加仍然可读
	_, err = cs.AppendScreenshot(ctx, "s1", domainSession.Screenshot{ID: "late"})
	require.NoError(t, err)
	loaded, err = cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Screenshots, 46)
	assert.Equal(t, "late", loaded.Screenshots[45].ID)

	again, err := cs.CompressSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)

	_, err = cs.CompressSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkedStorage_SaveObject(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)
	_, err := cs.SaveFull(ctx, newTestSession("s1", 0, 0, 0))
	require.NoError(t, err)

	obj, err := cs.LoadObject(ctx, "s1", domainSession.ObjectAudioInsights)
	require.NoError(t, err)
	assert.Nil(t, obj)

	meta, err := cs.SaveObject(ctx, "s1", domainSession.ObjectAudioInsights, json.RawMessage(`{"mood":"calm"}`))
	require.NoError(t, err)
	assert.True(t, meta.HasAudioInsights)

	obj, err = cs.LoadObject(ctx, "s1", domainSession.ObjectAudioInsights)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mood":"calm"}`, string(obj))

	meta, err = cs.SaveObject(ctx, "s1", domainSession.ObjectAudioInsights, nil)
	require.NoError(t, err)
	assert.False(t, meta.HasAudioInsights)

	obj, err = cs.LoadObject(ctx, "s1", domainSession.ObjectAudioInsights)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestChunkedStorage_ListMetadata(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)

	older := newTestSession("older", 0, 0, 0)
	newer := newTestSession("newer", 0, 0, 0)
	newer.StartTime = older.StartTime.Add(time.Hour)

	_, err := cs.SaveFull(ctx, older)
	require.NoError(t, err)
	_, err = cs.SaveFull(ctx, newer)
	require.NoError(t, err)

	list, err := cs.ListMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
	assert.Equal(t, "older", list[1].ID)
}

func TestChunkedStorage_SaveFullQueued(t *testing.T) {
	ctx := context.Background()
	cs, adapter, queue := setupTestStorage(t)

	meta, ids, err := cs.SaveFullQueued(ctx, newTestSession("s1", 25, 0, 0), domainQueue.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Screenshots.ChunkCount)
	assert.Len(t, ids, 3)

	// 没有直接写入适配器
	exists, err := adapter.Exists(ctx, domainSession.MetadataKey("s1"))
	require.NoError(t, err)
	assert.False(t, exists)

	require.Len(t, queue.reqs, 3)
	for _, req := range queue.reqs {
		assert.Equal(t, domainQueue.TypeChunk, req.Type)
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, domainQueue.PriorityCritical, req.Priority)
	}
	assert.Equal(t, domainSession.MetadataKey("s1"), queue.reqs[2].Key, "metadata is written last")
}

func TestChunkedStorage_SaveFullValidation(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := setupTestStorage(t)

	_, err := cs.SaveFull(ctx, &domainSession.Session{ID: "a/b"})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = cs.SaveFull(ctx, nil)
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func setupQueuedStorage(t *testing.T, opts appQueue.Options) (*ChunkedStorage, *appQueue.Queue) {
	t.Helper()
	adapter := infraStorage.NewMemoryAdapter()
	require.NoError(t, adapter.Init(context.Background()))
	q := appQueue.New(adapter, nil, opts)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	c := cache.New(cache.Options[any]{MaxBytes: 10 * 1024 * 1024})
	cs, err := NewChunkedStorage(adapter, c, q)
	require.NoError(t, err)
	return cs, q
}

func TestChunkedStorage_QueuedSaveRefreshesCacheOnCommit(t *testing.T) {
	ctx := context.Background()
	cs, q := setupQueuedStorage(t, appQueue.Options{BatchDelay: time.Hour, IdleDelay: time.Hour})

	v1 := newTestSession("s1", 3, 0, 0)
	v1.Name = "v1"
	_, err := cs.SaveFull(ctx, v1)
	require.NoError(t, err)

	v2 := newTestSession("s1", 3, 0, 0)
	v2.Name = "v2"
	_, _, err = cs.SaveFullQueued(ctx, v2, domainQueue.PriorityNormal)
	require.NoError(t, err)

	// 落盘之前读到旧值，并进入缓存
	meta, err := cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v1", meta.Name)

	require.NoError(t, q.Flush(ctx))

	meta, err = cs.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", meta.Name)

	full, err := cs.LoadFullSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, "v2", full.Name)
}

func TestChunkedStorage_QueuedSavesAtMixedPrioritiesStayWhole(t *testing.T) {
	ctx := context.Background()
	cs, _ := setupQueuedStorage(t, appQueue.Options{BatchDelay: 100 * time.Millisecond, IdleDelay: 2 * time.Second})

	first := newTestSession("x", 1, 0, 0)
	first.Name = "A"
	_, _, err := cs.SaveFullQueued(ctx, first, domainQueue.PriorityNormal)
	require.NoError(t, err)

	second := newTestSession("x", 60, 0, 0)
	second.Name = "B"
	_, _, err = cs.SaveFullQueued(ctx, second, domainQueue.PriorityLow)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		meta, err := cs.LoadMetadata(ctx, "x")
		return err == nil && meta != nil
	}, time.Second, 5*time.Millisecond)

	// 元数据可见时它引用的块必须都已写入
	full, err := cs.LoadFullSession(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, "B", full.Name)
	assert.Len(t, full.Screenshots, 60)
}

func TestChunkedStorage_StaleLoadDoesNotRefillCache(t *testing.T) {
	cs, _, _ := setupTestStorage(t)
	key := domainSession.MetadataKey("s1")

	gen := cs.generation("s1")
	cs.invalidateSession("s1")
	cs.fill("s1", gen, key, &domainSession.Metadata{ID: "s1", Name: "stale"})
	assert.False(t, cs.cache.Has(key))

	cs.fill("s1", cs.generation("s1"), key, &domainSession.Metadata{ID: "s1", Name: "fresh"})
	assert.True(t, cs.cache.Has(key))
}

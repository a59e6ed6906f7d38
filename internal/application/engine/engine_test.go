package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appAttachment "github.com/taskerino/backend/internal/application/attachment"
	appIndex "github.com/taskerino/backend/internal/application/index"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	appSession "github.com/taskerino/backend/internal/application/session"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	infraStorage "github.com/taskerino/backend/internal/infrastructure/storage"
	"github.com/taskerino/backend/internal/infrastructure/watcher"
)

func newTestEngine(t *testing.T, adapter storage.Adapter) (*Engine, events.EventBus) {
	t.Helper()
	bus := watcher.NewEventBus()
	t.Cleanup(bus.Close)

	c := cache.New(cache.Options[any]{MaxBytes: 10 * 1024 * 1024})
	queue := appQueue.New(adapter, bus, appQueue.Options{
		BatchDelay: 5 * time.Millisecond,
		IdleDelay:  10 * time.Millisecond,
	})
	sessions, err := appSession.NewChunkedStorage(adapter, c, queue)
	require.NoError(t, err)
	cas := appAttachment.NewStore(adapter, c, bus, queue)

	e := New(adapter, c, queue, sessions, cas, appIndex.NewManager(appIndex.Options{}), appIndex.NewRelationshipIndex(), bus)
	return e, bus
}

func initTestEngine(t *testing.T) (*Engine, *infraStorage.MemoryAdapter) {
	t.Helper()
	adapter := infraStorage.NewMemoryAdapter()
	e, _ := newTestEngine(t, adapter)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, adapter
}

func saveBlob(t *testing.T, e *Engine, content string) string {
	t.Helper()
	hash, err := e.Attachments().SaveAttachment(context.Background(), &domainAttachment.Attachment{
		ID:       "local-" + content,
		MimeType: "image/png",
		Data:     []byte(content),
	})
	require.NoError(t, err)
	return hash
}

func testSession(id string, tags []string, attachments ...string) *domainSession.Session {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s := &domainSession.Session{
		ID:        id,
		Name:      "Deep work " + id,
		Status:    domainSession.StatusCompleted,
		StartTime: start,
		Tags:      tags,
	}
	for i, hash := range attachments {
		s.Screenshots = append(s.Screenshots, domainSession.Screenshot{
			ID:           id + "-shot-" + string(rune('a'+i)),
			AttachmentID: hash,
			Timestamp:    start.Add(time.Duration(i) * time.Minute),
		})
	}
	return s
}

func TestEngine_RequiresInit(t *testing.T) {
	e, _ := newTestEngine(t, infraStorage.NewMemoryAdapter())

	_, err := e.SaveSession(context.Background(), testSession("s1", nil))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = e.CollectGarbage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestEngine_SaveSessionIndexesAndReferences(t *testing.T) {
	e, _ := initTestEngine(t)
	ctx := context.Background()

	shared := saveBlob(t, e, "shared screenshot")
	only := saveBlob(t, e, "first only")

	_, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}, shared, only))
	require.NoError(t, err)
	_, err = e.SaveSession(ctx, testSession("s2", []string{"focus", "client"}, shared))
	require.NoError(t, err)

	result := e.Search(search.Query{Tags: []string{"focus"}})
	assert.ElementsMatch(t, []string{"s1", "s2"}, result.IDs)

	meta, err := e.Attachments().GetMetadata(ctx, shared)
	require.NoError(t, err)
	assert.Len(t, meta.References, 2)

	t.Run("重新保存释放不再使用的附件", func(t *testing.T) {
		_, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}, shared))
		require.NoError(t, err)

		meta, err := e.Attachments().GetMetadata(ctx, only)
		require.NoError(t, err)
		assert.Empty(t, meta.References)

		meta, err = e.Attachments().GetMetadata(ctx, shared)
		require.NoError(t, err)
		assert.Len(t, meta.References, 2)
	})

	t.Run("非哈希附件 ID 不登记引用", func(t *testing.T) {
		_, err := e.SaveSession(ctx, testSession("s3", nil, "legacy-id"))
		require.NoError(t, err)
		stats, err := e.Attachments().GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalAttachments)
	})
}

func TestEngine_DeleteSessionReleasesEverything(t *testing.T) {
	e, adapter := initTestEngine(t)
	ctx := context.Background()

	hash := saveBlob(t, e, "to be collected")
	_, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}, hash))
	require.NoError(t, err)
	require.NoError(t, e.SetActiveSession("s1"))

	added, err := e.AddRelationship(search.Relationship{
		ID:       "r1",
		Type:     search.RelationTaskSession,
		SourceID: "task-1",
		TargetID: "s1",
	})
	require.NoError(t, err)
	assert.True(t, added)

	deleted, err := e.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Empty(t, e.Search(search.Query{Tags: []string{"focus"}}).IDs)
	assert.Empty(t, e.Relationships("task-1"))
	assert.Empty(t, e.ActiveSession())

	result, err := e.CollectGarbage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	exists, err := adapter.Exists(ctx, domainAttachment.DataKey(hash))
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err = e.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_IndexesSurviveRestart(t *testing.T) {
	adapter := infraStorage.NewMemoryAdapter()
	ctx := context.Background()

	first, _ := newTestEngine(t, adapter)
	require.NoError(t, first.Init(ctx))
	_, err := first.SaveSession(ctx, testSession("s1", []string{"focus"}))
	require.NoError(t, err)
	_, err = first.AddRelationship(search.Relationship{ID: "r1", Type: search.RelationNoteSession, SourceID: "note-1", TargetID: "s1"})
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	exists, err := adapter.Exists(ctx, appIndex.SnapshotKey)
	require.NoError(t, err)
	assert.True(t, exists, "shutdown persists the index snapshot")

	second, _ := newTestEngine(t, adapter)
	require.NoError(t, second.Init(ctx))
	t.Cleanup(func() { _ = second.Shutdown(ctx) })

	assert.Equal(t, []string{"s1"}, second.Search(search.Query{Tags: []string{"focus"}}).IDs)
	assert.Len(t, second.Relationships("s1"), 1)
}

func TestEngine_CorruptSnapshotRebuilds(t *testing.T) {
	adapter := infraStorage.NewMemoryAdapter()
	ctx := context.Background()

	first, _ := newTestEngine(t, adapter)
	require.NoError(t, first.Init(ctx))
	_, err := first.SaveSession(ctx, testSession("s1", []string{"focus"}))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	require.NoError(t, adapter.Save(ctx, appIndex.SnapshotKey, []byte("{not json")))

	second, _ := newTestEngine(t, adapter)
	require.NoError(t, second.Init(ctx))
	t.Cleanup(func() { _ = second.Shutdown(ctx) })

	assert.Equal(t, []string{"s1"}, second.Search(search.Query{Tags: []string{"focus"}}).IDs)
}

func TestEngine_ExternalChangeReindexes(t *testing.T) {
	adapter := infraStorage.NewMemoryAdapter()
	ctx := context.Background()
	e, bus := newTestEngine(t, adapter)
	require.NoError(t, e.Init(ctx))
	t.Cleanup(func() { _ = e.Shutdown(ctx) })

	meta, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}))
	require.NoError(t, err)

	// 模拟另一个进程直接改写元数据文件
	changed := meta.Clone()
	changed.Tags = []string{"errands"}
	data, err := json.Marshal(changed)
	require.NoError(t, err)
	require.NoError(t, adapter.Save(ctx, domainSession.MetadataKey("s1"), data))

	bus.Publish(&events.StorageEvent{
		EventType: events.StorageKeyChanged,
		Key:       domainSession.MetadataKey("s1"),
		SessionID: "s1",
		EventTime: time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(e.Search(search.Query{Tags: []string{"errands"}}).IDs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.Search(search.Query{Tags: []string{"focus"}}).IDs)

	require.NoError(t, adapter.Delete(ctx, domainSession.MetadataKey("s1")))
	bus.Publish(&events.StorageEvent{
		EventType: events.StorageKeyRemoved,
		Key:       domainSession.MetadataKey("s1"),
		SessionID: "s1",
		EventTime: time.Now(),
	})

	assert.Eventually(t, func() bool {
		return !e.Index().Contains("s1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_Reset(t *testing.T) {
	e, _ := initTestEngine(t)
	ctx := context.Background()

	_, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}))
	require.NoError(t, err)
	require.NoError(t, e.SetActiveSession("s1"))

	e.Reset()

	assert.Empty(t, e.ActiveSession())
	assert.Equal(t, 0, e.Index().Stats().Documents)

	// 已持久化的数据不受影响
	loaded, err := e.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	report, err := e.VerifyIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, report.Missing)

	_, err = e.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.True(t, e.Index().Contains("s1"))
}

func TestEngine_SetActiveSessionValidates(t *testing.T) {
	e, _ := initTestEngine(t)
	assert.ErrorIs(t, e.SetActiveSession("a/b"), storage.ErrValidation)
	require.NoError(t, e.SetActiveSession(""))
}

func TestEngine_Stats(t *testing.T) {
	e, _ := initTestEngine(t)
	ctx := context.Background()

	hash := saveBlob(t, e, "stats blob")
	_, err := e.SaveSession(ctx, testSession("s1", []string{"focus"}, hash))
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Index.Documents)
	assert.Equal(t, 1, stats.Attachments.TotalAttachments)
	assert.Equal(t, 1, stats.Attachments.TotalReferences)
}

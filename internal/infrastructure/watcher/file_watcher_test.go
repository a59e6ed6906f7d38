package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskerino/backend/internal/domain/events"
)

func newTestWatcher(t *testing.T, bus events.EventBus) (*FileWatcher, string) {
	t.Helper()
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "data")
	require.NoError(t, os.MkdirAll(root, 0755))

	config := WatchConfig{
		DataRoot:      root,
		MetadataPath:  filepath.Join(tmpDir, ScanMetadataFileName),
		DebounceDelay: 50 * time.Millisecond,
	}
	fw, err := NewFileWatcher(config, bus)
	require.NoError(t, err)
	return fw, root
}

func TestFileWatcher_RequiresDataRoot(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	_, err := NewFileWatcher(WatchConfig{}, bus)
	assert.Error(t, err)
}

func TestFileWatcher_Debounce(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	fw, root := newTestWatcher(t, bus)
	sessionDir := filepath.Join(root, "sessions", "s1")
	require.NoError(t, os.MkdirAll(sessionDir, 0755))

	// 记录接收到的事件
	var (
		mu   sync.Mutex
		keys []string
		ids  []string
	)
	bus.Subscribe(events.StorageKeyChanged, events.HandlerFunc(func(event events.Event) error {
		se := event.(*events.StorageEvent)
		mu.Lock()
		keys = append(keys, se.Key)
		ids = append(ids, se.SessionID)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, fw.Start())
	defer fw.Stop()

	testFile := filepath.Join(sessionDir, "metadata.json")
	require.NoError(t, os.WriteFile(testFile, []byte(`{"id":"s1"}`), 0644))

	// 快速多次写入（应该被防抖合并）
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, os.WriteFile(testFile, []byte(`{"id":"s1","name":"x"}`), 0644))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	// 等待可能的多余事件
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(keys), 2, "events should be debounced")
	assert.Equal(t, "sessions/s1/metadata", keys[0])
	assert.Equal(t, "s1", ids[0])
}

func TestFileWatcher_IgnoresBookkeepingFiles(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	fw, root := newTestWatcher(t, bus)

	var count atomic.Int32
	bus.SubscribeMultiple([]events.EventType{events.StorageKeyChanged, events.StorageKeyRemoved},
		events.HandlerFunc(func(event events.Event) error {
			count.Add(1)
			return nil
		}))

	require.NoError(t, fw.Start())
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "wal.log"), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.1700000000.backup.json"), []byte("[]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".tmp-notes.json"), []byte("[]"), 0644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestFileWatcher_Remove(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	fw, root := newTestWatcher(t, bus)
	target := filepath.Join(root, "notes.json")
	require.NoError(t, os.WriteFile(target, []byte("[]"), 0644))

	removed := make(chan *events.StorageEvent, 1)
	bus.Subscribe(events.StorageKeyRemoved, events.HandlerFunc(func(event events.Event) error {
		select {
		case removed <- event.(*events.StorageEvent):
		default:
		}
		return nil
	}))

	require.NoError(t, fw.Start())
	defer fw.Stop()

	require.NoError(t, os.Remove(target))

	select {
	case event := <-removed:
		assert.Equal(t, "notes", event.Key)
		assert.Empty(t, event.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected removal event")
	}
}

func TestFileWatcher_ReconcileSinceLastScan(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	fw, root := newTestWatcher(t, bus)

	old := filepath.Join(root, "old.json")
	fresh := filepath.Join(root, "fresh.json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0644))

	lastScan := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, lastScan.Add(-time.Hour), lastScan.Add(-time.Hour)))
	require.NoError(t, fw.metadata.SetLastScanTime(lastScan))

	var (
		mu   sync.Mutex
		keys []string
	)
	bus.Subscribe(events.StorageKeyChanged, events.HandlerFunc(func(event events.Event) error {
		mu.Lock()
		keys = append(keys, event.(*events.StorageEvent).Key)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, fw.Start())
	defer fw.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fresh"}, keys)
	assert.True(t, fw.metadata.GetLastScanTime().After(lastScan))
}

func TestScanMetadata_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ScanMetadataFileName)

	sm := NewScanMetadata(path)
	assert.True(t, sm.GetLastScanTime().IsZero())

	testTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	require.NoError(t, sm.SetLastScanTime(testTime))

	// 创建新实例加载
	sm2 := NewScanMetadata(path)
	assert.True(t, sm2.GetLastScanTime().Equal(testTime), "loaded time should match saved time")
}

func TestScanMetadata_InMemory(t *testing.T) {
	sm := NewScanMetadata("")
	require.NoError(t, sm.SetLastScanTime(time.Unix(100, 0)))
	assert.Equal(t, time.Unix(100, 0), sm.GetLastScanTime())
}

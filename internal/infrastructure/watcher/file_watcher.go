package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/storage"
)

// WatchConfig FileWatcher 配置
type WatchConfig struct {
	// DataRoot 文件存储后端的数据根目录
	DataRoot string
	// MetadataPath 扫描元数据文件路径，为空则不持久化
	MetadataPath string
	// DebounceDelay 防抖延迟
	DebounceDelay time.Duration
}

// DefaultWatchConfig 返回默认配置
func DefaultWatchConfig(dataRoot string) WatchConfig {
	return WatchConfig{
		DataRoot:      dataRoot,
		MetadataPath:  filepath.Join(filepath.Dir(dataRoot), ScanMetadataFileName),
		DebounceDelay: 200 * time.Millisecond,
	}
}

// FileWatcher 数据目录监听器
// 把外部进程对数据文件的修改转换为 StorageEvent，供缓存失效和索引刷新使用
type FileWatcher struct {
	config   WatchConfig
	eventBus events.EventBus
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// 防抖相关
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	// 控制
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// 扫描元数据
	metadata *ScanMetadata
}

// NewFileWatcher 创建文件监听器
func NewFileWatcher(config WatchConfig, eventBus events.EventBus) (*FileWatcher, error) {
	if config.DataRoot == "" {
		return nil, errors.New("watcher: data root is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		config:         config,
		eventBus:       eventBus,
		watcher:        watcher,
		logger:         log.NewModuleLogger("watcher", "file_watcher"),
		debounceTimers: make(map[string]*time.Timer),
		stopCh:         make(chan struct{}),
		metadata:       NewScanMetadata(config.MetadataPath),
	}, nil
}

// Start 启动文件监听
// 先对账上次停止后被修改的文件，再开始实时监听
func (fw *FileWatcher) Start() error {
	fw.logger.Info("Starting file watcher", "data_root", fw.config.DataRoot)

	if err := os.MkdirAll(fw.config.DataRoot, 0755); err != nil {
		return err
	}

	if err := fw.addDirRecursive(fw.config.DataRoot); err != nil {
		return err
	}

	fw.reconcile()

	// 启动事件处理循环
	fw.wg.Add(1)
	go fw.watchLoop()

	return nil
}

// Stop 停止文件监听
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")

		close(fw.stopCh)
		fw.watcher.Close()
		fw.wg.Wait()

		// 取消所有防抖定时器
		fw.debounceMu.Lock()
		for _, timer := range fw.debounceTimers {
			timer.Stop()
		}
		fw.debounceTimers = make(map[string]*time.Timer)
		fw.debounceMu.Unlock()

		if err := fw.metadata.SetLastScanTime(time.Now()); err != nil {
			fw.logger.Warn("Failed to persist scan metadata", "error", err)
		}

		fw.logger.Info("File watcher stopped")
	})
}

// reconcile 发布上次扫描之后被修改过的数据文件
// 首次运行没有基准时间，只记录当前时间
func (fw *FileWatcher) reconcile() {
	startTime := time.Now()
	lastScan := fw.metadata.GetLastScanTime()

	count := 0
	if !lastScan.IsZero() {
		count = fw.scanDir(fw.config.DataRoot, lastScan)
	}

	if err := fw.metadata.SetLastScanTime(startTime); err != nil {
		fw.logger.Warn("Failed to persist scan metadata", "error", err)
	}

	fw.logger.Info("Reconcile scan completed",
		"changed", count,
		"since", lastScan,
		"duration", time.Since(startTime),
	)
}

// scanDir 发布 dir 下修改时间晚于 since 的数据文件
func (fw *FileWatcher) scanDir(dir string, since time.Time) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil // 忽略无法访问的条目
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().After(since) {
			return nil
		}
		if fw.publish(events.StorageKeyChanged, path) {
			count++
		}
		return nil
	})
	return count
}

// addDirRecursive 递归添加目录监听，fsnotify 本身不递归
func (fw *FileWatcher) addDirRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // 忽略无法访问的目录
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.logger.Debug("Failed to add directory to watch",
				"path", path,
				"error", err,
			)
		}
		return nil
	})
}

// watchLoop 事件监听循环
func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.stopCh:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", "error", err)
		}
	}
}

// handleFsEvent 处理文件系统事件
func (fw *FileWatcher) handleFsEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// 新目录需要加入监听，监听建立前写入的文件补发一次
			_ = fw.addDirRecursive(event.Name)
			fw.scanDir(event.Name, time.Time{})
			return
		}
	}

	if _, ok := storage.KeyForPath(fw.config.DataRoot, event.Name); !ok {
		return
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	fw.debounce(event.Name)
}

// debounce 同一路径在防抖窗口内只发一次事件
func (fw *FileWatcher) debounce(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	// 取消之前的定时器
	if timer, exists := fw.debounceTimers[path]; exists {
		timer.Stop()
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.config.DebounceDelay, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		select {
		case <-fw.stopCh:
			return
		default:
		}

		// 以文件最终状态为准，合并 create/write/rename 序列
		eventType := events.StorageKeyChanged
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			eventType = events.StorageKeyRemoved
		}
		fw.publish(eventType, path)
	})
}

// publish 发布存储事件，非数据文件返回 false
func (fw *FileWatcher) publish(eventType events.EventType, path string) bool {
	key, ok := storage.KeyForPath(fw.config.DataRoot, path)
	if !ok {
		return false
	}
	sessionID, _ := session.IDFromKey(key)

	fw.eventBus.Publish(&events.StorageEvent{
		EventType: eventType,
		Key:       key,
		SessionID: sessionID,
		FilePath:  path,
		EventTime: time.Now(),
	})

	fw.logger.Debug("Storage event emitted",
		"type", eventType,
		"key", key,
	)
	return true
}

package watcher

import (
	"path/filepath"

	"github.com/google/wire"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/infrastructure/config"
	"github.com/taskerino/backend/internal/infrastructure/storage"
)

// ProviderSet 事件总线与数据目录监听
var ProviderSet = wire.NewSet(
	ProvideEventBus,
	ProvideFileWatcher,
)

// ProvideEventBus 提供事件总线实例
func ProvideEventBus() events.EventBus {
	return NewEventBus()
}

// ProvideFileWatcher 提供文件监听器实例
// 只有文件后端有可监听的数据目录，其余后端返回 nil
func ProvideFileWatcher(cfg *config.StorageConfig, eventBus events.EventBus) (*FileWatcher, error) {
	if cfg.Backend != config.BackendFile && cfg.Backend != "" {
		return nil, nil
	}
	return NewFileWatcher(DefaultWatchConfig(filepath.Join(cfg.DataDir, storage.DataSubdir)), eventBus)
}

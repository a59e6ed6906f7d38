package storage

import (
	"fmt"
	"path/filepath"

	domainStorage "github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/config"
)

// DataSubdir 文件后端的数据根目录（位于数据目录下）
const DataSubdir = "data"

// NewAdapter 按配置创建存储适配器，返回后仍需调用 Init
func NewAdapter(cfg *config.StorageConfig) (domainStorage.Adapter, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileAdapter(filepath.Join(cfg.DataDir, DataSubdir), FileAdapterOptions{
			BackupEnabled: cfg.BackupEnabled,
			BackupsToKeep: cfg.BackupsToKeep,
			MinFreeBytes:  uint64(cfg.MinFreeSpaceMB) * 1024 * 1024,
			WALEnabled:    cfg.WALEnabled,

			CheckpointEntries: cfg.WALCheckpointEntries,
			CheckpointBytes:   cfg.WALCheckpointMB * 1024 * 1024,
		}), nil
	case config.BackendSQLite:
		return NewSQLiteAdapter(GetDBPath(cfg.DataDir)), nil
	case config.BackendMemory:
		return NewMemoryAdapter(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", domainStorage.ErrValidation, cfg.Backend)
	}
}

package index

import (
	"github.com/google/wire"
	"github.com/taskerino/backend/internal/infrastructure/config"
)

// ProviderSet 索引 ProviderSet
var ProviderSet = wire.NewSet(
	ProvideManager,
	NewRelationshipIndex,
)

// ProvideManager 按配置创建索引管理器
func ProvideManager(cfg *config.IndexConfig) *Manager {
	return NewManager(Options{SearchCacheTTL: cfg.SearchCacheTTL})
}

package config

import "github.com/google/wire"

// ProviderSet 配置 ProviderSet（*Config 由注入器参数提供）
var ProviderSet = wire.NewSet(
	NewStorageConfig,
	NewServerConfig,
	NewCacheConfig,
	NewQueueConfig,
	NewIndexConfig,
)

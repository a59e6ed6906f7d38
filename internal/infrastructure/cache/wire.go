package cache

import (
	"github.com/google/wire"
	"github.com/taskerino/backend/internal/infrastructure/config"
)

// ProviderSet 缓存 ProviderSet
var ProviderSet = wire.NewSet(
	NewShared,
)

// NewShared 创建各组件共享的缓存实例
func NewShared(cfg *config.CacheConfig) *LRUCache[any] {
	return New(Options[any]{
		MaxBytes: cfg.MaxBytes,
		MaxItems: cfg.MaxItems,
		TTL:      cfg.TTL,
	})
}

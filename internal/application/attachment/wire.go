package attachment

import (
	"github.com/google/wire"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/config"
)

// ProviderSet 附件存储 ProviderSet
var ProviderSet = wire.NewSet(
	ProvideStore,
)

// ProvideStore 创建附件存储，回收前等待写回队列空闲
func ProvideStore(cfg *config.StorageConfig, adapter storage.Adapter, c *cache.LRUCache[any], bus events.EventBus, queue *appQueue.Queue) *Store {
	store := NewStore(adapter, c, bus, queue)
	store.SetGCGrace(cfg.GCGracePeriod)
	return store
}

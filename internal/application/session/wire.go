package session

import (
	"github.com/google/wire"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/cache"
)

// ProviderSet 会话存储 ProviderSet
var ProviderSet = wire.NewSet(
	ProvideChunkedStorage,
)

// ProvideChunkedStorage 创建与写回队列相连的分块存储
func ProvideChunkedStorage(adapter storage.Adapter, c *cache.LRUCache[any], queue *appQueue.Queue) (*ChunkedStorage, error) {
	return NewChunkedStorage(adapter, c, queue)
}

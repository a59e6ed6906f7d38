package infrastructure

import (
	"github.com/google/wire"

	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/config"
	"github.com/taskerino/backend/internal/infrastructure/metrics"
	"github.com/taskerino/backend/internal/infrastructure/storage"
	"github.com/taskerino/backend/internal/infrastructure/watcher"
	"github.com/taskerino/backend/internal/infrastructure/websocket"
)

// ProviderSet Infrastructure 层总 ProviderSet
var ProviderSet = wire.NewSet(
	config.ProviderSet,
	cache.ProviderSet,
	storage.ProviderSet,
	watcher.ProviderSet,
	websocket.ProviderSet,
	metrics.ProviderSet,
)

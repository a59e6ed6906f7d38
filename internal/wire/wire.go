//go:build wireinject
// +build wireinject

package wire

import (
	"github.com/google/wire"

	"github.com/taskerino/backend/internal/application"
	appEngine "github.com/taskerino/backend/internal/application/engine"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	"github.com/taskerino/backend/internal/infrastructure"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/config"
	"github.com/taskerino/backend/internal/infrastructure/metrics"
	"github.com/taskerino/backend/internal/infrastructure/storage"
	"github.com/taskerino/backend/internal/infrastructure/watcher"
	"github.com/taskerino/backend/internal/interfaces"
)

// InitializeAll 初始化守护进程的全部服务
func InitializeAll(cfg *config.Config) (*App, error) {
	wire.Build(
		// 按层组合 ProviderSet
		infrastructure.ProviderSet, // 基础设施层
		application.ProviderSet,    // 应用层
		interfaces.ProviderSet,     // 接口层
		// 接口绑定：指标数据源 -> 共享缓存与写回队列
		wire.Bind(new(metrics.CacheSource), new(*cache.LRUCache[any])),
		wire.Bind(new(metrics.QueueSource), new(*appQueue.Queue)),
		NewApp, // 组合所有服务的应用结构
	)
	return nil, nil
}

// InitializeEngine 只构造持久化引擎，供命令行维护工具使用
func InitializeEngine(cfg *config.Config) (*appEngine.Engine, error) {
	wire.Build(
		config.ProviderSet,
		cache.ProviderSet,
		storage.ProviderSet,
		watcher.ProvideEventBus,
		application.ProviderSet,
	)
	return nil, nil
}

package queue

import (
	"github.com/google/wire"
	"github.com/taskerino/backend/internal/domain/events"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/config"
)

// ProviderSet 持久化队列 ProviderSet
var ProviderSet = wire.NewSet(
	NewFromConfig,
)

// NewFromConfig 按配置创建队列（未启动）
func NewFromConfig(cfg *config.QueueConfig, adapter storage.Adapter, bus events.EventBus) *Queue {
	return New(adapter, bus, Options{
		BatchDelay:      cfg.BatchDelay,
		IdleDelay:       cfg.IdleDelay,
		MaxPending:      cfg.MaxPending,
		LowBatchSize:    cfg.LowBatchSize,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		MaxOpsPerMinute: cfg.MaxOpsPerMinute,
	})
}

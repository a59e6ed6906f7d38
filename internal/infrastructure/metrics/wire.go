package metrics

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/taskerino/backend/internal/domain/events"
)

// ProviderSet 指标 ProviderSet
// CacheSource / QueueSource 的绑定由注入器提供
var ProviderSet = wire.NewSet(
	ProvideRegistry,
	ProvideCollector,
)

// ProvideRegistry 进程级注册表，附带 Go 运行时与进程指标
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideCollector 创建引擎指标收集器（未订阅事件，由 App 启动）
func ProvideCollector(reg *prometheus.Registry, bus events.EventBus, c CacheSource, q QueueSource) (*Collector, error) {
	return NewCollector(DefaultNamespace, reg, bus, c, q)
}

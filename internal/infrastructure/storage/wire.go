package storage

import "github.com/google/wire"

// ProviderSet Storage 基础设施层 ProviderSet
var ProviderSet = wire.NewSet(
	NewAdapter, // 按配置选择文件 / SQLite / 内存适配器
)

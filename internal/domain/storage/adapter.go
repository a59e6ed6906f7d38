// Package storage 定义存储适配器契约
// 核心引擎只依赖这里的接口，文件与数据库两种实现位于 infrastructure/storage
package storage

import "context"

// OperationType 事务内操作类型
type OperationType string

const (
	// OperationSave 保存
	OperationSave OperationType = "save"
	// OperationDelete 删除
	OperationDelete OperationType = "delete"
)

// Operation 事务中排队的单个操作
type Operation struct {
	Type  OperationType `json:"type"`
	Key   string        `json:"key"`
	Value []byte        `json:"value,omitempty"`
}

// Adapter 键值存储适配器
// Load 在 key 不存在时返回 ErrNotFound；Delete 不存在的 key 不报错
type Adapter interface {
	// Init 初始化底层介质（建目录、建表、恢复 WAL 等）
	Init(ctx context.Context) error
	// Save 持久化单个键
	Save(ctx context.Context, key string, value []byte) error
	// Load 读取单个键
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete 删除单个键
	Delete(ctx context.Context, key string) error
	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) (bool, error)
	// List 列出指定前缀下的所有键（按字典序）
	List(ctx context.Context, prefix string) ([]string, error)
	// BeginTransaction 开启一个原子多键事务
	BeginTransaction(ctx context.Context) (Transaction, error)
	// Close 释放资源
	Close() error
}

// Transaction 原子多键事务
// Commit 或 Rollback 之后再调用任何写操作都会返回 ErrTransactionClosed
type Transaction interface {
	// ID 事务 ID
	ID() string
	// Save 排队一个保存操作（提交前对读者不可见）
	Save(key string, value []byte) error
	// Delete 排队一个删除操作
	Delete(key string) error
	// Commit 原子地应用所有操作；空事务为无操作
	Commit(ctx context.Context) error
	// Rollback 丢弃所有操作
	Rollback() error
	// PendingOperations 返回已排队操作的副本
	PendingOperations() []Operation
}

// Recoverable 支持 WAL 恢复的适配器（文件实现）
type Recoverable interface {
	// RecoverFromWAL 重放日志中已提交的写入
	RecoverFromWAL(ctx context.Context) (*RecoveryResult, error)
	// Checkpoint 在所有条目落盘后截断日志
	Checkpoint(ctx context.Context) error
}

// RecoveryResult WAL 恢复结果
type RecoveryResult struct {
	EntriesRead       int `json:"entries_read"`
	WritesApplied     int `json:"writes_applied"`
	WritesSkipped     int `json:"writes_skipped"`
	TransactionsTotal int `json:"transactions_total"`
	Committed         int `json:"committed"`
	RolledBack        int `json:"rolled_back"`
	Incomplete        int `json:"incomplete"`
}

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	domainStorage "github.com/taskerino/backend/internal/domain/storage"
)

// MemoryAdapter 进程内存储适配器，用于测试和 memory 后端
type MemoryAdapter struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryAdapter 创建内存适配器
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{data: make(map[string][]byte)}
}

// Init 无需初始化
func (m *MemoryAdapter) Init(ctx context.Context) error {
	return nil
}

// Save 保存
func (m *MemoryAdapter) Save(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Load 读取
func (m *MemoryAdapter) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, domainStorage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Delete 删除
func (m *MemoryAdapter) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Exists 检查是否存在
func (m *MemoryAdapter) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// List 列出前缀下的键
func (m *MemoryAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len 当前键数量
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// BeginTransaction 开启事务
func (m *MemoryAdapter) BeginTransaction(ctx context.Context) (domainStorage.Transaction, error) {
	return &memoryTransaction{opBuffer: newOpBuffer(), adapter: m}, nil
}

// Close 无需释放
func (m *MemoryAdapter) Close() error {
	return nil
}

func (m *MemoryAdapter) apply(ops []domainStorage.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		switch op.Type {
		case domainStorage.OperationSave:
			m.data[op.Key] = op.Value
		case domainStorage.OperationDelete:
			delete(m.data, op.Key)
		}
	}
}

type memoryTransaction struct {
	*opBuffer
	adapter *MemoryAdapter
}

// Commit 在一次加锁内应用全部操作
func (t *memoryTransaction) Commit(ctx context.Context) error {
	ops, err := t.take()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	t.adapter.apply(ops)
	return nil
}

package storage

import (
	"sync"

	"github.com/google/uuid"
	domainStorage "github.com/taskerino/backend/internal/domain/storage"
)

// opBuffer 事务的待提交操作缓冲区，三种适配器共用
// 提交或回滚后关闭，之后的任何写操作都返回 ErrTransactionClosed
type opBuffer struct {
	mu     sync.Mutex
	id     string
	ops    []domainStorage.Operation
	closed bool
}

func newOpBuffer() *opBuffer {
	return &opBuffer{id: uuid.NewString()}
}

// ID 事务 ID
func (b *opBuffer) ID() string {
	return b.id
}

// Save 排队保存操作，值会被复制
func (b *opBuffer) Save(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domainStorage.ErrTransactionClosed
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	b.ops = append(b.ops, domainStorage.Operation{
		Type:  domainStorage.OperationSave,
		Key:   key,
		Value: copied,
	})
	return nil
}

// Delete 排队删除操作
func (b *opBuffer) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domainStorage.ErrTransactionClosed
	}
	b.ops = append(b.ops, domainStorage.Operation{
		Type: domainStorage.OperationDelete,
		Key:  key,
	})
	return nil
}

// PendingOperations 返回已排队操作的副本
func (b *opBuffer) PendingOperations() []domainStorage.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	ops := make([]domainStorage.Operation, len(b.ops))
	copy(ops, b.ops)
	return ops
}

// Rollback 丢弃所有操作
func (b *opBuffer) Rollback() error {
	_, err := b.take()
	return err
}

// take 关闭缓冲区并取出操作，只能成功一次
func (b *opBuffer) take() ([]domainStorage.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domainStorage.ErrTransactionClosed
	}
	b.closed = true
	ops := b.ops
	b.ops = nil
	return ops, nil
}

// touchedKeys 按首次出现顺序返回操作涉及的键
func touchedKeys(ops []domainStorage.Operation) []string {
	seen := make(map[string]struct{}, len(ops))
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.Key]; ok {
			continue
		}
		seen[op.Key] = struct{}{}
		keys = append(keys, op.Key)
	}
	return keys
}

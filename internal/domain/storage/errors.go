package storage

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	// ErrNotFound 键、会话或附件不存在
	ErrNotFound = errors.New("not found")
	// ErrValidation 调用方输入或用法错误
	ErrValidation = errors.New("validation error")
	// ErrIntegrity 校验失败或数据损坏
	ErrIntegrity = errors.New("integrity error")
	// ErrTransient 底层 I/O 失败，可重试
	ErrTransient = errors.New("transient storage error")
	// ErrCapacity 容量不足（队列或磁盘）
	ErrCapacity = errors.New("capacity exceeded")
)

// 具体错误
var (
	// ErrTransactionClosed 事务已提交或回滚
	ErrTransactionClosed = fmt.Errorf("%w: transaction already committed or rolled back", ErrValidation)
	// ErrEmptyKey 空键
	ErrEmptyKey = fmt.Errorf("%w: key must not be empty", ErrValidation)
	// ErrInsufficientSpace 磁盘空间不足
	ErrInsufficientSpace = fmt.Errorf("%w: insufficient disk space", ErrCapacity)
)

// CriticalError 写路径上的致命完整性错误
// 调用方必须把它和“不存在”区分开，因为它意味着数据没有被保护
type CriticalError struct {
	Op  string
	Key string
	Err error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("CRITICAL: %s failed for %s, original data left untouched: %v", e.Op, e.Key, e.Err)
}

func (e *CriticalError) Unwrap() []error {
	return []error{ErrIntegrity, e.Err}
}

// IsNotFound 判断是否为不存在错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCritical 判断是否为致命完整性错误
func IsCritical(err error) bool {
	var critical *CriticalError
	return errors.As(err, &critical)
}

// IsTransient 判断是否为可重试的 I/O 错误
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsValidation 判断是否为输入校验错误
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsIntegrity 判断是否为完整性错误（含致命错误）
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

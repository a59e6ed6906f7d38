package singleton

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName 数据目录锁文件名
const LockFileName = ".taskerino.lock"

const (
	lockRetries    = 50
	lockRetryDelay = 10 * time.Millisecond
)

// ErrDataDirLocked 数据目录已被另一个进程占用
var ErrDataDirLocked = errors.New("data directory is locked by another process")

// DataDirLock 数据目录进程锁
// 引擎不做多进程协调，同一数据目录同时只允许一个进程打开
type DataDirLock struct {
	lock *flock.Flock
}

// LockDataDir 获取数据目录的排他锁，短暂重试后仍失败则返回 ErrDataDirLocked
func LockDataDir(dataDir string) (*DataDirLock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockFileName))
	for i := 0; i < lockRetries; i++ {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock data directory: %w", err)
		}
		if locked {
			return &DataDirLock{lock: lock}, nil
		}
		time.Sleep(lockRetryDelay)
	}
	return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dataDir)
}

// Path 锁文件路径
func (l *DataDirLock) Path() string {
	return l.lock.Path()
}

// Unlock 释放锁
func (l *DataDirLock) Unlock() error {
	return l.lock.Unlock()
}

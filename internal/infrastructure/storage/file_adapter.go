package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	domainStorage "github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// 磁盘空间估算：写入量放大 1.2 倍，再加上最低保留空间
const (
	spaceSafetyFactor   = 1.2
	defaultMinFreeBytes = 100 * 1024 * 1024
)

// fileSystem 文件适配器依赖的最小文件操作集合
// WriteFile 必须原子替换目标文件
type fileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Remove(name string) error
}

type osFileSystem struct{}

func (osFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (osFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(name, data, perm)
}

func (osFileSystem) Remove(name string) error {
	return os.Remove(name)
}

// FileAdapterOptions 文件适配器配置
type FileAdapterOptions struct {
	BackupEnabled bool
	BackupsToKeep int
	MinFreeBytes  uint64
	WALEnabled    bool
	// CheckpointEntries / CheckpointBytes 提交后日志超过任一阈值即自动截断，0 表示不启用该项
	CheckpointEntries int
	CheckpointBytes   int64
}

// FileAdapter 基于普通文件系统的存储适配器
// 每个键一个文件；覆盖前写入并校验备份；事务通过 WAL 保证崩溃后可恢复
type FileAdapter struct {
	root   string
	opts   FileAdapterOptions
	fs     fileSystem
	wal    *writeAheadLog
	logger *slog.Logger

	// writeMu 串行化所有写路径；读路径依赖原子 rename，不加锁
	writeMu sync.Mutex
	// replayed 打开时日志为空或已完成重放；此前不能自动截断，否则会丢掉待重放的条目
	replayed bool

	now       func() time.Time
	freeSpace func(path string) (uint64, error)
}

// NewFileAdapter 创建文件适配器
func NewFileAdapter(root string, opts FileAdapterOptions) *FileAdapter {
	if opts.BackupsToKeep <= 0 {
		opts.BackupsToKeep = 10
	}
	return &FileAdapter{
		root:      root,
		opts:      opts,
		fs:        osFileSystem{},
		logger:    log.NewModuleLogger("storage", "file_adapter"),
		now:       time.Now,
		freeSpace: freeDiskSpace,
	}
}

// Root 数据根目录
func (a *FileAdapter) Root() string {
	return a.root
}

// Init 创建根目录并打开 WAL
func (a *FileAdapter) Init(ctx context.Context) error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}
	if a.opts.WALEnabled && a.wal == nil {
		wal, err := openWAL(filepath.Join(a.root, walFileName), a.now)
		if err != nil {
			return err
		}
		a.wal = wal
		if _, size := wal.Stats(); size == 0 {
			a.replayed = true
		}
	}
	a.logger.Info("File adapter initialized",
		"root", a.root,
		"wal", a.opts.WALEnabled,
		"backups", a.opts.BackupEnabled,
	)
	return nil
}

// Save 保存单个键，按单操作事务写入 WAL，失败时同样留下 rollback 标记
func (a *FileAdapter) Save(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return a.commit(ctx, uuid.NewString(), []domainStorage.Operation{
		{Type: domainStorage.OperationSave, Key: key, Value: value},
	})
}

// Load 读取单个键
func (a *FileAdapter) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := a.fs.ReadFile(keyToPath(a.root, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domainStorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domainStorage.ErrTransient, key, err)
	}
	return data, nil
}

// Delete 删除单个键及其备份
func (a *FileAdapter) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return a.commit(ctx, uuid.NewString(), []domainStorage.Operation{
		{Type: domainStorage.OperationDelete, Key: key},
	})
}

// Exists 检查键是否存在
func (a *FileAdapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	_, err := os.Stat(keyToPath(a.root, key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", domainStorage.ErrTransient, key, err)
	}
	return true, nil
}

// List 列出前缀下的键，跳过备份、临时文件与 WAL 记账文件
func (a *FileAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	start := a.root
	if idx := strings.LastIndex(prefix, "/"); idx > 0 {
		start = filepath.Join(a.root, filepath.FromSlash(prefix[:idx]))
	}

	keys := make([]string, 0)
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		key, ok := pathToKey(a.root, path)
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// ListBackups 按时间从新到旧列出键的备份
func (a *FileAdapter) ListBackups(key string) ([]BackupInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return a.listBackups(keyToPath(a.root, key))
}

// BeginTransaction 开启事务
func (a *FileAdapter) BeginTransaction(ctx context.Context) (domainStorage.Transaction, error) {
	return &fileTransaction{opBuffer: newOpBuffer(), adapter: a}, nil
}

// Close 关闭 WAL
func (a *FileAdapter) Close() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.wal == nil {
		return nil
	}
	err := a.wal.Close()
	a.wal = nil
	return err
}

// writeKey 写入单个键；需要备份时先写并校验备份，失败则不覆盖原文件
func (a *FileAdapter) writeKey(key string, value []byte, backup bool) error {
	path := keyToPath(a.root, key)

	if backup {
		if err := a.writeVerifiedBackup(key, path); err != nil {
			a.logger.Error("Refusing to overwrite unprotected data",
				"key", key,
				"error", err,
			)
			return err
		}
	}

	if err := a.fs.WriteFile(path, value, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", domainStorage.ErrTransient, key, err)
	}
	return nil
}

func (a *FileAdapter) deleteKey(key string) error {
	path := keyToPath(a.root, key)
	if err := a.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", domainStorage.ErrTransient, key, err)
	}
	a.removeBackups(path)
	return nil
}

// ensureSpace 检查剩余空间是否足够写入 size 字节
// 无法获取磁盘信息时放行
func (a *FileAdapter) ensureSpace(size int64) error {
	if a.freeSpace == nil {
		return nil
	}
	free, err := a.freeSpace(a.root)
	if err != nil {
		a.logger.Debug("Disk space check unavailable", "error", err)
		return nil
	}

	minFree := a.opts.MinFreeBytes
	if minFree == 0 {
		minFree = defaultMinFreeBytes
	}
	required := uint64(float64(size)*spaceSafetyFactor) + minFree
	if free < required {
		return fmt.Errorf("%w: need %d bytes, %d available", domainStorage.ErrInsufficientSpace, required, free)
	}
	return nil
}

func (a *FileAdapter) appendWAL(entries ...WALEntry) error {
	if a.wal == nil {
		return nil
	}
	if err := a.wal.Append(entries...); err != nil {
		return fmt.Errorf("%w: %v", domainStorage.ErrTransient, err)
	}
	return nil
}

// priorValue 事务提交前某个键的内容快照
type priorValue struct {
	data   []byte
	exists bool
}

// commit 原子地应用事务操作
// 顺序：start -> 各条 write/delete -> commit 写入 WAL，随后落盘；
// 落盘失败时按快照恢复并追加 rollback 标记，重放时该事务被跳过
func (a *FileAdapter) commit(ctx context.Context, txID string, ops []domainStorage.Operation) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var total int64
	for _, op := range ops {
		total += int64(len(op.Value))
	}
	if err := a.ensureSpace(total); err != nil {
		return err
	}

	entries := make([]WALEntry, 0, len(ops)+2)
	entries = append(entries, WALEntry{Operation: WALTransactionStart, TransactionID: txID})
	for _, op := range ops {
		entry := WALEntry{Operation: WALWrite, Collection: op.Key, Data: op.Value, TransactionID: txID}
		if op.Type == domainStorage.OperationDelete {
			entry = WALEntry{Operation: WALDelete, Collection: op.Key, TransactionID: txID}
		}
		entries = append(entries, entry)
	}
	entries = append(entries, WALEntry{Operation: WALTransactionCommit, TransactionID: txID})

	snapshot, err := a.snapshot(touchedKeys(ops))
	if err != nil {
		return err
	}

	if err := a.appendWAL(entries...); err != nil {
		return err
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return a.abort(txID, snapshot, fmt.Errorf("commit interrupted after %d of %d operations: %w", i, len(ops), err))
		}

		var opErr error
		switch op.Type {
		case domainStorage.OperationSave:
			opErr = a.writeKey(op.Key, op.Value, a.opts.BackupEnabled)
		case domainStorage.OperationDelete:
			opErr = a.deleteKey(op.Key)
		}
		if opErr != nil {
			return a.abort(txID, snapshot, opErr)
		}
	}

	// 提交返回前所有操作都已落盘，日志中的条目不再需要
	a.maybeCheckpointLocked()
	return nil
}

func (a *FileAdapter) maybeCheckpointLocked() {
	if a.wal == nil || !a.replayed {
		return
	}
	entries, size := a.wal.Stats()
	overEntries := a.opts.CheckpointEntries > 0 && entries >= a.opts.CheckpointEntries
	overBytes := a.opts.CheckpointBytes > 0 && size >= a.opts.CheckpointBytes
	if !overEntries && !overBytes {
		return
	}
	if err := a.checkpointLocked(); err != nil {
		a.logger.Warn("Automatic WAL checkpoint failed",
			"entries", entries,
			"bytes", size,
			"error", err,
		)
	}
}

func (a *FileAdapter) snapshot(keys []string) (map[string]priorValue, error) {
	snapshot := make(map[string]priorValue, len(keys))
	for _, key := range keys {
		data, err := a.fs.ReadFile(keyToPath(a.root, key))
		switch {
		case errors.Is(err, os.ErrNotExist):
			snapshot[key] = priorValue{}
		case err != nil:
			return nil, fmt.Errorf("%w: snapshot %s: %v", domainStorage.ErrTransient, key, err)
		default:
			snapshot[key] = priorValue{data: data, exists: true}
		}
	}
	return snapshot, nil
}

// abort 恢复事务前的状态并记录 rollback
func (a *FileAdapter) abort(txID string, snapshot map[string]priorValue, cause error) error {
	for key, prior := range snapshot {
		var err error
		if prior.exists {
			err = a.fs.WriteFile(keyToPath(a.root, key), prior.data, 0o644)
		} else {
			err = a.fs.Remove(keyToPath(a.root, key))
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		}
		if err != nil {
			a.logger.Error("Failed to restore key after aborted transaction",
				"transaction_id", txID,
				"key", key,
				"error", err,
			)
		}
	}

	if err := a.appendWAL(WALEntry{Operation: WALTransactionRollback, TransactionID: txID}); err != nil {
		a.logger.Error("Failed to record transaction rollback",
			"transaction_id", txID,
			"error", err,
		)
	}

	a.logger.Warn("Transaction rolled back",
		"transaction_id", txID,
		"error", cause,
	)
	return fmt.Errorf("transaction %s rolled back: %w", txID, cause)
}

// RecoverFromWAL 重放日志：独立写入与已提交事务内的写入被应用，
// 回滚或未完成事务内的写入被跳过
func (a *FileAdapter) RecoverFromWAL(ctx context.Context) (*domainStorage.RecoveryResult, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	file, err := os.Open(filepath.Join(a.root, walFileName))
	if errors.Is(err, os.ErrNotExist) {
		a.replayed = true
		return &domainStorage.RecoveryResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	defer file.Close()

	entries, corrupt, err := readWALEntries(file)
	if err != nil {
		return nil, err
	}
	if corrupt > 0 {
		a.logger.Warn("Skipped unreadable WAL entries", "count", corrupt)
	}

	plan := planReplay(entries)
	result := &domainStorage.RecoveryResult{
		EntriesRead:       len(entries),
		WritesSkipped:     plan.skipped,
		TransactionsTotal: plan.transactions,
		Committed:         plan.committed,
		RolledBack:        plan.rolledBack,
		Incomplete:        plan.incomplete,
	}

	for _, entry := range plan.apply {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := validateKey(entry.Collection); err != nil {
			a.logger.Warn("Skipping WAL entry with invalid key",
				"entry_id", entry.ID,
				"error", err,
			)
			result.WritesSkipped++
			continue
		}

		var applyErr error
		if entry.Operation == WALDelete {
			applyErr = a.deleteKey(entry.Collection)
		} else {
			// 重放是幂等的重写，不再生成备份
			applyErr = a.writeKey(entry.Collection, entry.Data, false)
		}
		if applyErr != nil {
			return result, fmt.Errorf("failed to replay wal entry %s: %w", entry.ID, applyErr)
		}
		result.WritesApplied++
	}

	a.replayed = true
	a.logger.Info("WAL recovery completed",
		"entries", result.EntriesRead,
		"applied", result.WritesApplied,
		"skipped", result.WritesSkipped,
		"rolled_back", result.RolledBack,
		"incomplete", result.Incomplete,
	)
	return result, nil
}

// Checkpoint 截断日志并记录检查点；调用前所有条目必须已经落盘
func (a *FileAdapter) Checkpoint(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.checkpointLocked()
}

func (a *FileAdapter) checkpointLocked() error {
	if a.wal == nil {
		return nil
	}

	truncated, err := a.wal.Truncate()
	if err != nil {
		return err
	}

	record, err := json.Marshal(checkpointRecord{
		Timestamp:        a.now().UnixMilli(),
		EntriesTruncated: truncated,
	})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := a.fs.WriteFile(filepath.Join(a.root, checkpointFileName), record, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	a.logger.Debug("WAL checkpoint written", "entries_truncated", truncated)
	return nil
}

type fileTransaction struct {
	*opBuffer
	adapter *FileAdapter
}

// Commit 提交；空事务不触碰磁盘
func (t *fileTransaction) Commit(ctx context.Context) error {
	ops, err := t.take()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return t.adapter.commit(ctx, t.ID(), ops)
}

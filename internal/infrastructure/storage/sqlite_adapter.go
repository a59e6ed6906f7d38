package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	domainStorage "github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// SQLiteAdapter 基于 SQLite 的存储适配器
// 键值存放在 kv_store 表中，事务映射到数据库原生事务
type SQLiteAdapter struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAdapter 创建 SQLite 适配器
func NewSQLiteAdapter(path string) *SQLiteAdapter {
	return &SQLiteAdapter{
		path:   path,
		logger: log.NewModuleLogger("storage", "sqlite_adapter"),
	}
}

// NewSQLiteAdapterWithDB 使用已打开的连接创建适配器（测试用）
func NewSQLiteAdapterWithDB(db *sql.DB) *SQLiteAdapter {
	return &SQLiteAdapter{
		db:     db,
		logger: log.NewModuleLogger("storage", "sqlite_adapter"),
	}
}

// Init 打开数据库并建表
func (a *SQLiteAdapter) Init(ctx context.Context) error {
	if a.db == nil {
		db, err := OpenDB(a.path)
		if err != nil {
			return err
		}
		a.db = db
	}
	if err := initSchema(a.db); err != nil {
		return err
	}
	a.logger.Info("SQLite adapter initialized", "path", a.path)
	return nil
}

// Save 保存
func (a *SQLiteAdapter) Save(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := a.db.ExecContext(ctx, upsertSQL, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("%w: save %s: %v", domainStorage.ErrTransient, key, err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// Load 读取
func (a *SQLiteAdapter) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := a.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainStorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domainStorage.ErrTransient, key, err)
	}
	return value, nil
}

// Delete 删除
func (a *SQLiteAdapter) Delete(ctx context.Context, key string) error {
	if _, err := a.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domainStorage.ErrTransient, key, err)
	}
	return nil
}

// Exists 检查是否存在
func (a *SQLiteAdapter) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx, "SELECT 1 FROM kv_store WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", domainStorage.ErrTransient, key, err)
	}
	return true, nil
}

// List 列出前缀下的键
func (a *SQLiteAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT key FROM kv_store WHERE substr(key, 1, ?) = ? ORDER BY key",
		utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", domainStorage.ErrTransient, prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// BeginTransaction 开启事务；操作在提交时才进入数据库事务
func (a *SQLiteAdapter) BeginTransaction(ctx context.Context) (domainStorage.Transaction, error) {
	return &sqliteTransaction{opBuffer: newOpBuffer(), adapter: a}, nil
}

// Close 关闭连接
func (a *SQLiteAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

type sqliteTransaction struct {
	*opBuffer
	adapter *SQLiteAdapter
}

// Commit 在一个数据库事务内应用全部操作
func (t *sqliteTransaction) Commit(ctx context.Context) error {
	ops, err := t.take()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	tx, err := t.adapter.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", domainStorage.ErrTransient, err)
	}

	now := time.Now().UnixMilli()
	for _, op := range ops {
		switch op.Type {
		case domainStorage.OperationSave:
			_, err = tx.ExecContext(ctx, upsertSQL, op.Key, op.Value, now)
		case domainStorage.OperationDelete:
			_, err = tx.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", op.Key)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: transaction %s %s %s: %v", domainStorage.ErrTransient, t.ID(), op.Type, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction %s: %v", domainStorage.ErrTransient, t.ID(), err)
	}
	return nil
}

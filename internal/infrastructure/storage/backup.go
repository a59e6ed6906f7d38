package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	domainStorage "github.com/taskerino/backend/internal/domain/storage"
)

// BackupInfo 单个备份文件
type BackupInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// backupPath 生成 {name}.{timestamp}.backup{ext}
func backupPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%d%s%s", base, at.UnixNano(), backupTag, ext)
}

// parseBackupName 从备份文件名中解析时间戳，name 必须属于 base
func parseBackupName(name, base, ext string) (int64, bool) {
	prefix := base + "."
	suffix := backupTag + ext
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	ts, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// writeVerifiedBackup 把 path 当前内容写入备份文件并读回校验
// 文件不存在时无需备份；任一步失败都返回 CriticalError，调用方不得继续覆盖
func (a *FileAdapter) writeVerifiedBackup(key, path string) error {
	current, err := a.fs.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &domainStorage.CriticalError{Op: "backup read", Key: key, Err: err}
	}

	target := backupPath(path, a.now())
	if err := a.fs.WriteFile(target, current, 0o644); err != nil {
		return &domainStorage.CriticalError{Op: "backup write", Key: key, Err: err}
	}

	written, err := a.fs.ReadFile(target)
	if err != nil {
		return &domainStorage.CriticalError{Op: "backup verification", Key: key, Err: err}
	}
	if !bytes.Equal(written, current) {
		_ = a.fs.Remove(target)
		return &domainStorage.CriticalError{
			Op:  "backup verification",
			Key: key,
			Err: fmt.Errorf("checksum mismatch: wrote %d bytes, read back %d", len(current), len(written)),
		}
	}

	if err := a.rotateBackups(path); err != nil {
		a.logger.Warn("Backup rotation failed",
			"key", key,
			"error", err,
		)
	}
	return nil
}

// rotateBackups 只保留最近 BackupsToKeep 个备份
func (a *FileAdapter) rotateBackups(path string) error {
	backups, err := a.listBackups(path)
	if err != nil {
		return err
	}
	if len(backups) <= a.opts.BackupsToKeep {
		return nil
	}

	var errs []error
	for _, b := range backups[a.opts.BackupsToKeep:] {
		if err := a.fs.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// listBackups 按时间从新到旧列出 path 的备份
func (a *FileAdapter) listBackups(path string) ([]BackupInfo, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup dir: %w", err)
	}

	type stamped struct {
		info BackupInfo
		ts   int64
	}
	var found []stamped
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseBackupName(entry.Name(), base, ext)
		if !ok {
			continue
		}
		info := BackupInfo{
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: time.Unix(0, ts),
		}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		found = append(found, stamped{info: info, ts: ts})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ts > found[j].ts })

	backups := make([]BackupInfo, len(found))
	for i, f := range found {
		backups[i] = f.info
	}
	return backups, nil
}

// removeBackups 删除 path 的全部备份，键被删除时调用
func (a *FileAdapter) removeBackups(path string) {
	backups, err := a.listBackups(path)
	if err != nil {
		return
	}
	for _, b := range backups {
		_ = a.fs.Remove(b.Path)
	}
}

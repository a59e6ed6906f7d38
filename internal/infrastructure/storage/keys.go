package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	domainStorage "github.com/taskerino/backend/internal/domain/storage"
)

// 文件扩展名：二进制载荷用 .bin，其余为 JSON 文档
const (
	jsonExt   = ".json"
	binaryExt = ".bin"
	backupTag = ".backup"
)

// WAL 记账文件，位于数据根目录
const (
	walFileName        = "wal.log"
	checkpointFileName = "wal.checkpoint"
)

// validateKey 校验逻辑键：非空、相对、不含 .. 段
func validateKey(key string) error {
	if key == "" {
		return domainStorage.ErrEmptyKey
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: invalid key %q", domainStorage.ErrValidation, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: invalid key %q", domainStorage.ErrValidation, key)
		}
	}
	return nil
}

// extForKey 以 /data 结尾的键是附件原始字节
func extForKey(key string) string {
	if strings.HasSuffix(key, "/data") || key == "data" {
		return binaryExt
	}
	return jsonExt
}

// keyToPath 逻辑键映射为文件路径，例如 sessions/abc/metadata -> <root>/sessions/abc/metadata.json
func keyToPath(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key)) + extForKey(key)
}

// pathToKey 文件路径还原为逻辑键，非数据文件返回 false
func pathToKey(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)

	base := rel[strings.LastIndex(rel, "/")+1:]
	if strings.HasPrefix(base, ".") || strings.Contains(base, backupTag+".") {
		return "", false
	}
	if rel == walFileName || rel == checkpointFileName {
		return "", false
	}

	switch {
	case strings.HasSuffix(rel, jsonExt):
		return strings.TrimSuffix(rel, jsonExt), true
	case strings.HasSuffix(rel, binaryExt):
		return strings.TrimSuffix(rel, binaryExt), true
	default:
		return "", false
	}
}

// KeyForPath 数据根目录下的文件路径还原为逻辑键，供外部变更监听使用
func KeyForPath(root, path string) (string, bool) {
	return pathToKey(root, path)
}

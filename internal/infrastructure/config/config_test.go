package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv(EnvHTTPPort, "")
	t.Setenv(EnvStorageBackend, "")
	t.Setenv(EnvGCGracePeriod, "")

	cfg := NewConfig()
	assert.Equal(t, ":19970", cfg.Server.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.Server.HealthCheckTimeout)
	assert.Equal(t, 10000, cfg.Storage.WALCheckpointEntries)
	assert.Equal(t, int64(64), cfg.Storage.WALCheckpointMB)
	assert.Equal(t, 5*time.Minute, cfg.Storage.GCGracePeriod)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Storage.BackupsToKeep)
	assert.Equal(t, 1000, cfg.Queue.MaxPending)
	assert.Equal(t, 50*time.Millisecond, cfg.Queue.BatchDelay)
}

func TestNewConfig_EnvOverride(t *testing.T) {
	t.Setenv(EnvHTTPPort, ":29970")
	t.Setenv(EnvStorageBackend, BackendSQLite)
	t.Setenv(EnvCacheMaxBytes, "2048")
	t.Setenv(EnvQueueMaxPend, "not-a-number")
	t.Setenv(EnvGCGracePeriod, "0s")

	cfg := NewConfig()
	assert.Equal(t, ":29970", cfg.Server.HTTPPort)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, int64(2048), cfg.Cache.MaxBytes)
	assert.Equal(t, 1000, cfg.Queue.MaxPending, "非法值应保留默认值")
	assert.Zero(t, cfg.Storage.GCGracePeriod)
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv(EnvHTTPPort, "")
	t.Setenv(EnvStorageBackend, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  backend: sqlite
  backups_to_keep: 3
queue:
  max_pending: 50
  batch_delay: 20ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Storage.BackupsToKeep)
	assert.Equal(t, 50, cfg.Queue.MaxPending)
	assert.Equal(t, 20*time.Millisecond, cfg.Queue.BatchDelay)
	assert.True(t, cfg.Storage.BackupEnabled, "文件未出现的字段应保持默认值")
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
}

func TestGetDataDir_EnvOverride(t *testing.T) {
	ResetDataDir()
	t.Cleanup(ResetDataDir)
	t.Setenv(EnvDataDir, "/custom/data/path")

	assert.Equal(t, "/custom/data/path", GetDataDir())

	cfg := NewConfig()
	assert.Equal(t, "/custom/data/path", cfg.ResolvedDataDir())
	cfg.Storage.DataDir = "/explicit"
	assert.Equal(t, "/explicit", cfg.ResolvedDataDir())
}

func TestGetDataDir_Cached(t *testing.T) {
	ResetDataDir()
	t.Cleanup(ResetDataDir)
	t.Setenv(EnvDataDir, "/first/path")
	assert.Equal(t, "/first/path", GetDataDir())

	// 修改环境变量后再调用，应该返回缓存值
	t.Setenv(EnvDataDir, "/second/path")
	assert.Equal(t, "/first/path", GetDataDir())
}

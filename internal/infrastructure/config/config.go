package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量名
const (
	EnvHTTPPort       = "TASKERINO_HTTP_PORT"
	EnvStorageBackend = "TASKERINO_STORAGE_BACKEND"
	EnvCacheMaxBytes  = "TASKERINO_CACHE_MAX_BYTES"
	EnvQueueMaxPend   = "TASKERINO_QUEUE_MAX_PENDING"
	EnvGCGracePeriod  = "TASKERINO_GC_GRACE_PERIOD"
)

// 存储后端
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config 应用配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Queue   QueueConfig   `yaml:"queue"`
	Index   IndexConfig   `yaml:"index"`
}

// ServerConfig 本地 HTTP 服务配置
type ServerConfig struct {
	HTTPPort string `yaml:"http_port"`
	// HealthCheckTimeout 启动时探测已有实例的超时
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
}

// StorageConfig 存储适配器配置
type StorageConfig struct {
	// Backend file / sqlite / memory
	Backend string `yaml:"backend"`
	// DataDir 留空表示使用 GetDataDir()
	DataDir string `yaml:"data_dir"`
	// BackupEnabled 覆盖已有文件前先写备份
	BackupEnabled bool `yaml:"backup_enabled"`
	// BackupsToKeep 每个键保留的备份数量
	BackupsToKeep int `yaml:"backups_to_keep"`
	// MinFreeSpaceMB 写入后至少保留的磁盘空间
	MinFreeSpaceMB int64 `yaml:"min_free_space_mb"`
	// WALEnabled 是否记录预写日志
	WALEnabled bool `yaml:"wal_enabled"`
	// WALCheckpointEntries / WALCheckpointMB 日志超过任一阈值时自动截断，0 表示不按该项截断
	WALCheckpointEntries int   `yaml:"wal_checkpoint_entries"`
	WALCheckpointMB      int64 `yaml:"wal_checkpoint_mb"`
	// GCGracePeriod 新建附件在该时长内即使未被引用也不回收
	GCGracePeriod time.Duration `yaml:"gc_grace_period"`
}

// CacheConfig LRU 缓存配置
type CacheConfig struct {
	MaxBytes int64         `yaml:"max_bytes"`
	MaxItems int           `yaml:"max_items"`
	TTL      time.Duration `yaml:"ttl"`
}

// QueueConfig 写回队列配置
type QueueConfig struct {
	BatchDelay      time.Duration `yaml:"batch_delay"`
	IdleDelay       time.Duration `yaml:"idle_delay"`
	MaxPending      int           `yaml:"max_pending"`
	LowBatchSize    int           `yaml:"low_batch_size"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	MaxOpsPerMinute int           `yaml:"max_ops_per_minute"`
}

// IndexConfig 索引配置
type IndexConfig struct {
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl"`
}

// NewConfig 创建配置（默认值 + 环境变量覆盖）
func NewConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:           ":19970",
			HealthCheckTimeout: 2 * time.Second,
		},
		Storage: StorageConfig{
			Backend:        BackendFile,
			DataDir:        "",
			BackupEnabled:  true,
			BackupsToKeep:  10,
			MinFreeSpaceMB: 100,
			WALEnabled:     true,

			WALCheckpointEntries: 10000,
			WALCheckpointMB:      64,
			GCGracePeriod:        5 * time.Minute,
		},
		Cache: CacheConfig{
			MaxBytes: 100 * 1024 * 1024,
			MaxItems: 0,
			TTL:      5 * time.Minute,
		},
		Queue: QueueConfig{
			BatchDelay:   50 * time.Millisecond,
			IdleDelay:    250 * time.Millisecond,
			MaxPending:   1000,
			LowBatchSize: 50,
			BackoffBase:  100 * time.Millisecond,
			BackoffMax:   5 * time.Second,
		},
		Index: IndexConfig{
			SearchCacheTTL: 30 * time.Second,
		},
	}
	cfg.applyEnv()
	return cfg
}

// Load 读取 YAML 配置文件，文件中未出现的字段保持默认值
// 文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 环境变量优先级高于文件
	cfg.applyEnv()
	return cfg, nil
}

// ResolvedDataDir 返回实际使用的数据目录
func (c *Config) ResolvedDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return GetDataDir()
}

// applyEnv 应用环境变量覆盖
func (c *Config) applyEnv() {
	if port := os.Getenv(EnvHTTPPort); port != "" {
		c.Server.HTTPPort = port
	}
	if backend := os.Getenv(EnvStorageBackend); backend != "" {
		c.Storage.Backend = backend
	}
	if v := os.Getenv(EnvCacheMaxBytes); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv(EnvQueueMaxPend); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxPending = n
		}
	}
	if v := os.Getenv(EnvGCGracePeriod); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.Storage.GCGracePeriod = d
		}
	}
}

// NewStorageConfig 提供存储配置，DataDir 已解析为实际目录
func NewStorageConfig(cfg *Config) *StorageConfig {
	cfg.Storage.DataDir = cfg.ResolvedDataDir()
	return &cfg.Storage
}

// NewCacheConfig 提供缓存配置
func NewCacheConfig(cfg *Config) *CacheConfig {
	return &cfg.Cache
}

// NewQueueConfig 提供队列配置
func NewQueueConfig(cfg *Config) *QueueConfig {
	return &cfg.Queue
}

// NewServerConfig 提供服务器配置
func NewServerConfig(cfg *Config) *ServerConfig {
	return &cfg.Server
}

// NewIndexConfig 提供索引配置
func NewIndexConfig(cfg *Config) *IndexConfig {
	return &cfg.Index
}

package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// ScanMetadataFileName 扫描元数据文件名，位于数据目录根部
const ScanMetadataFileName = "scan_metadata.json"

// ScanMetadata 扫描元数据管理
// 记录上次对账扫描时间，启动时据此找出进程停止期间被外部修改的文件
type ScanMetadata struct {
	mu           sync.RWMutex
	lastScanTime time.Time
	filePath     string
}

// scanMetadataData 元数据文件结构
type scanMetadataData struct {
	LastScanTime time.Time `json:"last_scan_time"`
}

// NewScanMetadata 创建扫描元数据管理器，filePath 为空时只保存在内存中
func NewScanMetadata(filePath string) *ScanMetadata {
	sm := &ScanMetadata{
		filePath: filePath,
	}

	// 从文件加载
	sm.load()

	return sm
}

// GetLastScanTime 获取上次扫描时间
func (sm *ScanMetadata) GetLastScanTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastScanTime
}

// SetLastScanTime 设置上次扫描时间并持久化
func (sm *ScanMetadata) SetLastScanTime(t time.Time) error {
	sm.mu.Lock()
	sm.lastScanTime = t
	sm.mu.Unlock()

	return sm.save()
}

// load 从文件加载元数据
func (sm *ScanMetadata) load() {
	if sm.filePath == "" {
		return
	}
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return // 文件不存在或无法读取，使用默认值
	}

	var metadata scanMetadataData
	if err := json.Unmarshal(data, &metadata); err != nil {
		return
	}

	sm.mu.Lock()
	sm.lastScanTime = metadata.LastScanTime
	sm.mu.Unlock()
}

// save 保存元数据到文件
func (sm *ScanMetadata) save() error {
	if sm.filePath == "" {
		return nil
	}

	sm.mu.RLock()
	metadata := scanMetadataData{
		LastScanTime: sm.lastScanTime,
	}
	sm.mu.RUnlock()

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(sm.filePath), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(sm.filePath, data, 0644)
}

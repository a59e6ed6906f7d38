package events

import "time"

// StorageEvent 存储键变更事件
// 外部进程修改数据目录，或会话被保存、删除时触发
type StorageEvent struct {
	// EventType 事件类型
	EventType EventType `json:"type"`
	// Key 逻辑键（外部变更时）
	Key string `json:"key,omitempty"`
	// SessionID 相关会话 ID
	SessionID string `json:"session_id,omitempty"`
	// FilePath 文件完整路径（外部变更时）
	FilePath string `json:"file_path,omitempty"`
	// EventTime 事件发生时间
	EventTime time.Time `json:"timestamp"`
}

// Type 实现 Event 接口
func (e *StorageEvent) Type() EventType {
	return e.EventType
}

// Timestamp 实现 Event 接口
func (e *StorageEvent) Timestamp() time.Time {
	return e.EventTime
}

// GCProgressEvent 附件回收进度事件
type GCProgressEvent struct {
	Scanned    int       `json:"scanned"`
	Total      int       `json:"total"`
	Deleted    int       `json:"deleted"`
	FreedBytes int64     `json:"freed_bytes"`
	EventTime  time.Time `json:"timestamp"`
}

// Type 实现 Event 接口
func (e *GCProgressEvent) Type() EventType {
	return AttachmentGCProgress
}

// Timestamp 实现 Event 接口
func (e *GCProgressEvent) Timestamp() time.Time {
	return e.EventTime
}

// Package events 定义领域事件类型和接口
// 用于系统内部的事件驱动通信
package events

import "time"

// EventType 事件类型标识
type EventType string

// 队列条目生命周期事件类型
// 每次状态迁移恰好发布一个事件
const (
	// QueueItemEnqueued 条目入队
	QueueItemEnqueued EventType = "queue.item.enqueued"
	// QueueItemProcessing 条目开始处理
	QueueItemProcessing EventType = "queue.item.processing"
	// QueueItemCompleted 条目处理完成
	QueueItemCompleted EventType = "queue.item.completed"
	// QueueItemRetrying 条目失败后等待重试
	QueueItemRetrying EventType = "queue.item.retrying"
	// QueueItemFailed 条目重试耗尽
	QueueItemFailed EventType = "queue.item.failed"
	// QueueItemCancelled 条目被取消
	QueueItemCancelled EventType = "queue.item.cancelled"
	// QueueItemDropped 条目因超出上限被丢弃
	QueueItemDropped EventType = "queue.item.dropped"
)

// 存储相关事件类型
const (
	// StorageKeyChanged 数据文件被外部进程修改
	StorageKeyChanged EventType = "storage.key.changed"
	// StorageKeyRemoved 数据文件被外部进程删除
	StorageKeyRemoved EventType = "storage.key.removed"
	// SessionSaved 会话已保存
	SessionSaved EventType = "session.saved"
	// SessionDeleted 会话已删除
	SessionDeleted EventType = "session.deleted"
	// AttachmentGCProgress 附件回收进度
	AttachmentGCProgress EventType = "attachment.gc.progress"
)

// QueueEventTypes 全部队列事件类型
var QueueEventTypes = []EventType{
	QueueItemEnqueued,
	QueueItemProcessing,
	QueueItemCompleted,
	QueueItemRetrying,
	QueueItemFailed,
	QueueItemCancelled,
	QueueItemDropped,
}

// Event 领域事件接口
// 所有事件类型都必须实现此接口
type Event interface {
	// Type 返回事件类型
	Type() EventType
	// Timestamp 返回事件发生时间
	Timestamp() time.Time
}

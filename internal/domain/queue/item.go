// Package queue 定义写回队列的条目、优先级与状态
package queue

import (
	"fmt"
	"time"

	"github.com/taskerino/backend/internal/domain/storage"
)

// Priority 优先级
type Priority string

const (
	// PriorityCritical 入队即执行，不参与批处理窗口
	PriorityCritical Priority = "critical"
	// PriorityNormal 短延迟后合并成批
	PriorityNormal Priority = "normal"
	// PriorityLow 空闲时执行，超出上限时最先被丢弃
	PriorityLow Priority = "low"
)

// Rank 数值越小越优先
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// MaxRetries 各优先级失败后的最大重试次数
func (p Priority) MaxRetries() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityNormal:
		return 3
	default:
		return 5
	}
}

// ParsePriority 解析优先级字符串
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", storage.ErrValidation, s)
	}
}

// ItemType 条目结构类型
type ItemType string

const (
	TypeSimple    ItemType = "simple"
	TypeChunk     ItemType = "chunk"
	TypeIndex     ItemType = "index"
	TypeCAStorage ItemType = "caStorage"
	TypeCleanup   ItemType = "cleanup"
)

// Collapsible 同一分组内的此类条目会被合并到一个事务
func (t ItemType) Collapsible() bool {
	switch t {
	case TypeChunk, TypeIndex, TypeCAStorage:
		return true
	default:
		return false
	}
}

// Status 条目状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDropped    Status = "dropped"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDropped:
		return true
	default:
		return false
	}
}

// 取消与丢弃原因
const (
	ReasonUserCancelled = "cancelled"
	ReasonSuperseded    = "superseded"
	ReasonCleared       = "cleared"
	ReasonOverCapacity  = "over capacity"
)

// Item 队列条目
type Item struct {
	ID        string                `json:"id"`
	Key       string                `json:"key"`
	Operation storage.OperationType `json:"operation"`
	Value     []byte                `json:"-"`
	Priority  Priority              `json:"priority"`
	Type      ItemType              `json:"type"`
	Status    Status                `json:"status"`

	// SessionID / GroupID 决定可合并条目的分组，GroupID 优先
	SessionID string `json:"session_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`

	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Seq 入队序号，同一个键按序号顺序生效
	Seq uint64 `json:"seq"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Request 入队请求
type Request struct {
	Key       string
	Value     []byte
	Delete    bool
	Priority  Priority
	Type      ItemType
	SessionID string
	GroupID   string
}

// NewItem 根据请求创建待处理条目
func NewItem(id string, seq uint64, req Request, now time.Time) *Item {
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	itemType := req.Type
	if itemType == "" {
		itemType = TypeSimple
	}
	op := storage.OperationSave
	if req.Delete || itemType == TypeCleanup {
		op = storage.OperationDelete
	}

	return &Item{
		ID:         id,
		Key:        req.Key,
		Operation:  op,
		Value:      req.Value,
		Priority:   priority,
		Type:       itemType,
		Status:     StatusPending,
		SessionID:  req.SessionID,
		GroupID:    req.GroupID,
		MaxRetries: priority.MaxRetries(),
		Seq:        seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate 校验请求
func (r Request) Validate() error {
	if r.Key == "" {
		return storage.ErrEmptyKey
	}
	if r.Priority != "" {
		if _, err := ParsePriority(string(r.Priority)); err != nil {
			return err
		}
	}
	switch r.Type {
	case "", TypeSimple, TypeChunk, TypeIndex, TypeCAStorage, TypeCleanup:
	default:
		return fmt.Errorf("%w: unknown item type %q", storage.ErrValidation, r.Type)
	}
	return nil
}

// GroupKey 可合并条目的分组键；不可合并的条目各自成组
func (i *Item) GroupKey() string {
	if !i.Type.Collapsible() {
		return "item:" + i.ID
	}
	group := i.GroupID
	if group == "" {
		group = i.SessionID
	}
	return string(i.Type) + ":" + group
}

// ShouldProcess 是否可以在 now 时刻处理
func (i *Item) ShouldProcess(now time.Time) bool {
	if i.Status != StatusPending {
		return false
	}
	return i.NextAttemptAt.IsZero() || !now.Before(i.NextAttemptAt)
}

// CanRetry 检查是否可以重试
func (i *Item) CanRetry() bool {
	return i.Attempts <= i.MaxRetries
}

// MarkProcessing 标记为处理中
func (i *Item) MarkProcessing(now time.Time) {
	i.Status = StatusProcessing
	i.Attempts++
	i.UpdatedAt = now
}

// MarkCompleted 标记为完成
func (i *Item) MarkCompleted(now time.Time) {
	i.finish(StatusCompleted, now)
	i.LastError = ""
}

// MarkFailed 记录失败；还有重试机会时回到 pending 并在 delay 后重试
// 返回 true 表示条目进入终态 failed
func (i *Item) MarkFailed(err error, delay time.Duration, now time.Time) bool {
	i.LastError = err.Error()
	if i.CanRetry() {
		i.Status = StatusPending
		i.NextAttemptAt = now.Add(delay)
		i.UpdatedAt = now
		return false
	}
	i.finish(StatusFailed, now)
	return true
}

// MarkFailedPermanently 不可重试的失败，直接进入终态
func (i *Item) MarkFailedPermanently(err error, now time.Time) {
	i.LastError = err.Error()
	i.finish(StatusFailed, now)
}

// MarkCancelled 标记为取消
func (i *Item) MarkCancelled(reason string, now time.Time) {
	i.Reason = reason
	i.finish(StatusCancelled, now)
}

// MarkDropped 标记为丢弃
func (i *Item) MarkDropped(reason string, now time.Time) {
	i.Reason = reason
	i.finish(StatusDropped, now)
}

func (i *Item) finish(status Status, now time.Time) {
	i.Status = status
	i.UpdatedAt = now
	i.FinishedAt = &now
	i.Value = nil
}

// Snapshot 返回不含载荷的副本，用于事件与查询
func (i *Item) Snapshot() Item {
	c := *i
	c.Value = nil
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

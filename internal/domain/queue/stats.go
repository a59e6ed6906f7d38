package queue

import "time"

// Stats 队列统计
type Stats struct {
	Pending           int              `json:"pending"`
	PendingByPriority map[Priority]int `json:"pending_by_priority"`
	Processing        int              `json:"processing"`

	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Dropped   uint64 `json:"dropped"`
	Retries   uint64 `json:"retries"`

	// Transactions 实际提交的适配器事务数
	Transactions uint64 `json:"transactions"`
	// CollapsedOps 因合并而省下的独立写入次数，按条目类型统计
	CollapsedOps map[ItemType]uint64 `json:"collapsed_ops"`

	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`
	Closed          bool      `json:"closed"`
}

// Idle 没有待处理或处理中的条目
func (s Stats) Idle() bool {
	return s.Pending == 0 && s.Processing == 0
}

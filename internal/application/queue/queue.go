// Package queue 实现写回持久化队列
// 调用方入队后立即返回，单个工作 goroutine 按优先级批量写入存储适配器
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/taskerino/backend/internal/domain/events"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

var (
	// ErrQueueClosed 队列已关闭，不再接受新条目
	ErrQueueClosed = errors.New("persistence queue is closed")
	// ErrItemNotFound 条目不存在（或已移出历史）
	ErrItemNotFound = fmt.Errorf("%w: queue item", storage.ErrNotFound)
	// ErrNotPending 条目已开始处理，不能取消
	ErrNotPending = fmt.Errorf("%w: queue item is not pending", storage.ErrValidation)
)

// Options 队列参数
type Options struct {
	// BatchDelay normal 条目的合批窗口
	BatchDelay time.Duration
	// IdleDelay 最后一次非 low 活动之后多久开始处理 low 条目
	IdleDelay time.Duration
	// MaxPending 待处理条目上限，超出时丢弃最早的 low 条目
	MaxPending int
	// LowBatchSize 每批最多处理的 low 条目数
	LowBatchSize int
	// BackoffBase / BackoffMax 重试退避曲线：从 base 开始翻倍，封顶 max
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxOpsPerMinute 每分钟最多提交的写入次数，0 表示不限
	MaxOpsPerMinute int
	// HistorySize 保留多少个已结束条目供查询
	HistorySize int
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		BatchDelay:   50 * time.Millisecond,
		IdleDelay:    250 * time.Millisecond,
		MaxPending:   1000,
		LowBatchSize: 50,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   5 * time.Second,
		HistorySize:  1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchDelay <= 0 {
		o.BatchDelay = d.BatchDelay
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = d.IdleDelay
	}
	if o.MaxPending <= 0 {
		o.MaxPending = d.MaxPending
	}
	if o.LowBatchSize <= 0 {
		o.LowBatchSize = d.LowBatchSize
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = d.BackoffMax
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	return o
}

type flushRequest struct {
	upTo uint64
	done chan struct{}
}

// Queue 写回持久化队列
type Queue struct {
	adapter storage.Adapter
	bus     events.EventBus
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	items      map[string]*domainQueue.Item
	pending    map[string]*domainQueue.Item
	processing map[string]*domainQueue.Item
	// pendingByKey 每个键至多一个待处理条目，新条目取代旧条目
	pendingByKey map[string]*domainQueue.Item
	// latestSeq 每个键最近一次入队的序号
	latestSeq map[string]uint64
	history   []string
	seq       uint64
	stats     domainQueue.Stats
	// lastActivity 最近一次非 low 的入队或处理时间，low 条目据此判断空闲
	lastActivity time.Time
	closed       bool
	started      bool
	// changed 每次状态变化时关闭并替换，用于 WaitForIdle
	changed chan struct{}
	// committed 分组提交成功后、标记完成之前同步调用
	committed []func(items []domainQueue.Item)

	wake    chan struct{}
	flushCh chan flushRequest
	stop    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 创建队列，调用 Start 后开始处理
func New(adapter storage.Adapter, bus events.EventBus, opts Options) *Queue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		adapter:      adapter,
		bus:          bus,
		opts:         opts,
		logger:       log.NewModuleLogger("queue", "persistence"),
		items:        make(map[string]*domainQueue.Item),
		pending:      make(map[string]*domainQueue.Item),
		processing:   make(map[string]*domainQueue.Item),
		pendingByKey: make(map[string]*domainQueue.Item),
		latestSeq:    make(map[string]uint64),
		changed:      make(chan struct{}),
		wake:         make(chan struct{}, 1),
		flushCh:      make(chan flushRequest),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	q.stats.CollapsedOps = make(map[domainQueue.ItemType]uint64)
	if opts.MaxOpsPerMinute > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(float64(opts.MaxOpsPerMinute)/60), 1)
	}
	return q
}

// Start 启动工作 goroutine
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.lastActivity = time.Now()
	go q.run()

	q.logger.Info("Persistence queue started",
		"batch_delay", q.opts.BatchDelay,
		"idle_delay", q.opts.IdleDelay,
		"max_pending", q.opts.MaxPending,
	)
}

// Enqueue 入队并立即返回条目 ID，不做任何同步 I/O
// 同一个键尚未处理的旧条目会被取代（后写为准），新条目继承两者中较高的优先级
func (q *Queue) Enqueue(req domainQueue.Request) (string, error) {
	ids, err := q.EnqueueBatch([]domainQueue.Request{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch 在同一次加锁内入队多个条目
// 同一分组的可合并条目因此一定落在同一个批次、同一个事务里
func (q *Queue) EnqueueBatch(reqs []domainQueue.Request) ([]string, error) {
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	ids := make([]string, 0, len(reqs))
	groups := make(map[string]struct{})
	for _, req := range reqs {
		id := q.enqueueLocked(req, now)
		ids = append(ids, id)
		if item := q.items[id]; item.Type.Collapsible() {
			groups[item.GroupKey()] = struct{}{}
		}
	}
	q.alignGroupPriorityLocked(groups)

	q.enforceCapacityLocked(now)
	q.notifyLocked()
	q.signal()

	return ids, nil
}

func (q *Queue) enqueueLocked(req domainQueue.Request, now time.Time) string {
	q.seq++
	item := domainQueue.NewItem(uuid.NewString(), q.seq, req, now)

	if old, ok := q.pendingByKey[item.Key]; ok {
		if old.Priority.Rank() < item.Priority.Rank() {
			item.Priority = old.Priority
			item.MaxRetries = old.Priority.MaxRetries()
		}
		q.removePendingLocked(old)
		old.MarkCancelled(domainQueue.ReasonSuperseded, now)
		q.stats.Cancelled++
		q.finishLocked(old, events.QueueItemCancelled)
	}

	q.items[item.ID] = item
	q.pending[item.ID] = item
	q.pendingByKey[item.Key] = item
	q.latestSeq[item.Key] = item.Seq
	q.stats.Enqueued++
	if item.Priority != domainQueue.PriorityLow {
		q.lastActivity = now
	}
	q.publishLocked(events.QueueItemEnqueued, item)

	return item.ID
}

// alignGroupPriorityLocked 可合并分组内所有待处理条目提升到组内最高优先级
// 分组必须作为一个事务提交，不能拆到不同的优先级层
func (q *Queue) alignGroupPriorityLocked(groups map[string]struct{}) {
	if len(groups) == 0 {
		return
	}
	best := make(map[string]domainQueue.Priority, len(groups))
	for _, item := range q.pending {
		key := item.GroupKey()
		if _, ok := groups[key]; !ok {
			continue
		}
		if p, ok := best[key]; !ok || item.Priority.Rank() < p.Rank() {
			best[key] = item.Priority
		}
	}
	for _, item := range q.pending {
		p, ok := best[item.GroupKey()]
		if !ok || item.Priority == p {
			continue
		}
		item.Priority = p
		item.MaxRetries = p.MaxRetries()
	}
}

// withGroupMembersLocked 把批次中可合并条目所在分组的其余待处理成员一并带上
// 无论它们处于哪个优先级层、是否在退避中，也不受批大小和 Flush 序号上限约束
func (q *Queue) withGroupMembersLocked(batch []*domainQueue.Item) []*domainQueue.Item {
	groups := make(map[string]struct{})
	selected := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		selected[item.ID] = struct{}{}
		if item.Type.Collapsible() {
			groups[item.GroupKey()] = struct{}{}
		}
	}
	if len(groups) == 0 {
		return batch
	}
	for _, item := range q.sortedPendingLocked() {
		if _, ok := selected[item.ID]; ok {
			continue
		}
		if _, ok := groups[item.GroupKey()]; ok {
			batch = append(batch, item)
		}
	}
	return batch
}

// enforceCapacityLocked 超出上限时从最早的 low 条目开始丢弃
// 分组已对齐优先级，low 条目所在分组的成员也都是 low
// critical/normal 条目从不丢弃，也不会阻塞调用方
func (q *Queue) enforceCapacityLocked(now time.Time) {
	for len(q.pending) > q.opts.MaxPending {
		var oldest *domainQueue.Item
		for _, item := range q.pending {
			if item.Priority != domainQueue.PriorityLow {
				continue
			}
			if oldest == nil || item.Seq < oldest.Seq {
				oldest = item
			}
		}
		if oldest == nil {
			q.logger.Warn("Pending limit exceeded without droppable items",
				"pending", len(q.pending),
				"limit", q.opts.MaxPending,
				"error", storage.ErrCapacity,
			)
			return
		}
		// 可合并分组整体丢弃，避免只落盘一部分
		for _, item := range q.withGroupMembersLocked([]*domainQueue.Item{oldest}) {
			q.removePendingLocked(item)
			item.MarkDropped(domainQueue.ReasonOverCapacity, now)
			q.stats.Dropped++
			q.finishLocked(item, events.QueueItemDropped)
		}
	}
}

// Cancel 取消仍处于 pending 的条目
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != domainQueue.StatusPending {
		return ErrNotPending
	}
	q.removePendingLocked(item)
	item.MarkCancelled(domainQueue.ReasonUserCancelled, time.Now())
	q.stats.Cancelled++
	q.finishLocked(item, events.QueueItemCancelled)
	q.notifyLocked()
	return nil
}

// Clear 丢弃所有待处理条目（不写入），处理中的条目不受影响
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cleared := q.sortedPendingLocked()
	for _, item := range cleared {
		q.removePendingLocked(item)
		item.MarkCancelled(domainQueue.ReasonCleared, now)
		q.stats.Cancelled++
		q.finishLocked(item, events.QueueItemCancelled)
	}
	q.notifyLocked()

	if len(cleared) > 0 {
		q.logger.Info("Queue cleared", "count", len(cleared))
	}
	return len(cleared)
}

// Flush 立即处理当前所有待处理条目（按优先级，忽略批处理窗口与退避）
// 失败的条目会在同一次 Flush 内用完剩余重试次数
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()
	return q.flush(ctx)
}

func (q *Queue) flush(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	req := flushRequest{upTo: q.seq, done: make(chan struct{})}
	q.mu.Unlock()

	select {
	case q.flushCh <- req:
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止接受新条目，处理完剩余条目后退出
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.stats.Closed = true
	q.notifyLocked()
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	err := q.flush(ctx)
	close(q.stop)

	select {
	case <-q.done:
	case <-ctx.Done():
		// 中断仍在等待的限流与 I/O
		q.cancel()
		<-q.done
		if err == nil {
			err = ctx.Err()
		}
	}
	q.cancel()

	q.logger.Info("Persistence queue stopped", "error", err)
	return err
}

// WaitForIdle 等到没有 critical/normal 条目待处理或处理中
// 后台维护任务（GC、索引优化）以此让路，不抢占高优先级写入
func (q *Queue) WaitForIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		busy := q.busyLocked()
		changed := q.changed
		q.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForEmpty 等到队列中没有任何待处理或处理中的条目
func (q *Queue) WaitForEmpty(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := len(q.pending) == 0 && len(q.processing) == 0
		changed := q.changed
		q.mu.Unlock()

		if empty {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) busyLocked() bool {
	for _, item := range q.pending {
		if item.Priority != domainQueue.PriorityLow {
			return true
		}
	}
	for _, item := range q.processing {
		if item.Priority != domainQueue.PriorityLow {
			return true
		}
	}
	return false
}

// GetItem 查询条目快照，已移出历史的条目返回 nil
func (q *Queue) GetItem(id string) *domainQueue.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil
	}
	snapshot := item.Snapshot()
	return &snapshot
}

// Stats 返回统计快照
func (q *Queue) Stats() domainQueue.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Pending = len(q.pending)
	s.Processing = len(q.processing)
	s.PendingByPriority = map[domainQueue.Priority]int{
		domainQueue.PriorityCritical: 0,
		domainQueue.PriorityNormal:   0,
		domainQueue.PriorityLow:      0,
	}
	for _, item := range q.pending {
		s.PendingByPriority[item.Priority]++
	}
	s.CollapsedOps = make(map[domainQueue.ItemType]uint64, len(q.stats.CollapsedOps))
	for k, v := range q.stats.CollapsedOps {
		s.CollapsedOps[k] = v
	}
	return s
}

// run 工作循环：选批、处理、等待下一次唤醒
func (q *Queue) run() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		batch, wait := q.nextBatchLocked(time.Now())
		batch = q.withGroupMembersLocked(batch)
		q.mu.Unlock()

		if len(batch) > 0 {
			q.process(batch)
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-q.wake:
		case <-timerC:
		case req := <-q.flushCh:
			q.runFlush(req.upTo)
			close(req.done)
		case <-q.stop:
			return
		}
	}
}

// nextBatchLocked 选出下一批可处理的条目
// 返回空批时 wait 为下一次需要检查的间隔，0 表示只等外部唤醒
func (q *Queue) nextBatchLocked(now time.Time) ([]*domainQueue.Item, time.Duration) {
	if len(q.pending) == 0 {
		return nil, 0
	}

	var (
		critical   []*domainQueue.Item
		normal     []*domainQueue.Item
		low        []*domainQueue.Item
		nextDue    time.Time
		hasHigher  bool
		windowOpen bool
	)
	track := func(t time.Time) {
		if nextDue.IsZero() || t.Before(nextDue) {
			nextDue = t
		}
	}

	for _, item := range q.sortedPendingLocked() {
		due := q.dueAt(item)
		switch item.Priority {
		case domainQueue.PriorityCritical:
			hasHigher = true
			if !now.Before(due) {
				critical = append(critical, item)
			} else {
				track(due)
			}
		case domainQueue.PriorityNormal:
			hasHigher = true
			// 窗口到期后，同批带走所有不在退避中的 normal 条目
			if item.Attempts == 0 || !now.Before(item.NextAttemptAt) {
				normal = append(normal, item)
			}
			if !now.Before(due) {
				windowOpen = true
			} else {
				track(due)
			}
		default:
			if !now.Before(due) {
				low = append(low, item)
			} else {
				track(due)
			}
		}
	}

	// critical 一次处理一个分组，不等窗口
	if len(critical) > 0 {
		group := critical[0].GroupKey()
		batch := make([]*domainQueue.Item, 0, 1)
		for _, item := range critical {
			if item.GroupKey() == group {
				batch = append(batch, item)
			}
		}
		return batch, 0
	}

	if windowOpen && len(normal) > 0 {
		return normal, 0
	}

	if !hasHigher && len(low) > 0 {
		idleAt := q.lastActivity.Add(q.opts.IdleDelay)
		if !now.Before(idleAt) {
			if len(low) > q.opts.LowBatchSize {
				low = low[:q.opts.LowBatchSize]
			}
			return low, 0
		}
		track(idleAt)
	}

	if nextDue.IsZero() {
		return nil, 0
	}
	wait := nextDue.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait
}

// dueAt 条目最早可处理的时间
func (q *Queue) dueAt(item *domainQueue.Item) time.Time {
	if item.Attempts > 0 {
		return item.NextAttemptAt
	}
	switch item.Priority {
	case domainQueue.PriorityCritical:
		return item.CreatedAt
	case domainQueue.PriorityNormal:
		return item.CreatedAt.Add(q.opts.BatchDelay)
	default:
		return item.CreatedAt
	}
}

// runFlush 按优先级处理序号不超过 upTo 的全部条目，直到没有剩余
func (q *Queue) runFlush(upTo uint64) {
	for {
		q.mu.Lock()
		var batch []*domainQueue.Item
		rank := -1
		for _, item := range q.sortedPendingLocked() {
			if item.Seq > upTo {
				continue
			}
			r := item.Priority.Rank()
			if rank == -1 || r < rank {
				rank = r
				batch = batch[:0]
			}
			if r == rank {
				batch = append(batch, item)
			}
		}
		batch = q.withGroupMembersLocked(batch)
		q.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		q.process(batch)
	}
}

// process 标记处理中，按分组提交，再记录结果
func (q *Queue) process(batch []*domainQueue.Item) {
	now := time.Now()

	q.mu.Lock()
	for _, item := range batch {
		q.removePendingLocked(item)
		item.MarkProcessing(now)
		q.processing[item.ID] = item
		q.publishLocked(events.QueueItemProcessing, item)
		if item.Priority != domainQueue.PriorityLow {
			q.lastActivity = now
		}
	}
	q.notifyLocked()
	q.mu.Unlock()

	for _, group := range groupItems(batch) {
		err := q.commitGroup(group)
		if err == nil {
			q.notifyCommitted(group)
		}
		q.finishGroup(group, err)
	}
}

// OnCommitted 注册提交回调，回调返回之后条目才会变为 completed，Flush 也才返回
// 读缓存的组件借此在落盘后立即失效旧值
func (q *Queue) OnCommitted(fn func(items []domainQueue.Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = append(q.committed, fn)
}

func (q *Queue) notifyCommitted(group []*domainQueue.Item) {
	q.mu.Lock()
	hooks := q.committed
	items := make([]domainQueue.Item, 0, len(group))
	for _, item := range group {
		items = append(items, item.Snapshot())
	}
	q.mu.Unlock()

	for _, fn := range hooks {
		fn(items)
	}
}

// groupItems 按分组键聚合，保持首次出现的顺序；组内按入队序号排列
func groupItems(batch []*domainQueue.Item) [][]*domainQueue.Item {
	index := make(map[string]int)
	var groups [][]*domainQueue.Item
	for _, item := range batch {
		key := item.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	for _, group := range groups {
		sort.Slice(group, func(a, b int) bool { return group[a].Seq < group[b].Seq })
	}
	return groups
}

// commitGroup 单个简单条目直接写入；可合并分组放进一个事务
func (q *Queue) commitGroup(group []*domainQueue.Item) error {
	ctx := q.ctx
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", storage.ErrTransient, err)
		}
	}

	if len(group) == 1 && !group[0].Type.Collapsible() {
		item := group[0]
		if item.Operation == storage.OperationDelete {
			return q.adapter.Delete(ctx, item.Key)
		}
		return q.adapter.Save(ctx, item.Key, item.Value)
	}

	tx, err := q.adapter.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	for _, item := range group {
		if item.Operation == storage.OperationDelete {
			err = tx.Delete(item.Key)
		} else {
			err = tx.Save(item.Key, item.Value)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}

	q.mu.Lock()
	q.stats.Transactions++
	if len(group) > 1 {
		q.stats.CollapsedOps[group[0].Type] += uint64(len(group) - 1)
	}
	q.mu.Unlock()
	return nil
}

// finishGroup 分组作为整体成功或失败
func (q *Queue) finishGroup(group []*domainQueue.Item, err error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range group {
		delete(q.processing, item.ID)
		q.stats.LastProcessedAt = now

		if err == nil {
			item.MarkCompleted(now)
			q.stats.Completed++
			q.finishLocked(item, events.QueueItemCompleted)
			continue
		}

		if storage.IsValidation(err) {
			item.MarkFailedPermanently(err, now)
			q.stats.Failed++
			q.finishLocked(item, events.QueueItemFailed)
			q.logger.Error("Queue item failed permanently",
				"id", item.ID,
				"key", item.Key,
				"error", err,
			)
			continue
		}

		if item.MarkFailed(err, q.retryDelay(item.Attempts), now) {
			q.stats.Failed++
			q.finishLocked(item, events.QueueItemFailed)
			q.logger.Error("Queue item failed after retries",
				"id", item.ID,
				"key", item.Key,
				"attempts", item.Attempts,
				"error", err,
			)
			continue
		}

		// 同一个键已有更新的条目，旧值不再重试
		if q.latestSeq[item.Key] > item.Seq {
			item.MarkCancelled(domainQueue.ReasonSuperseded, now)
			q.stats.Cancelled++
			q.finishLocked(item, events.QueueItemCancelled)
			continue
		}

		q.pending[item.ID] = item
		q.pendingByKey[item.Key] = item
		q.stats.Retries++
		q.publishLocked(events.QueueItemRetrying, item)
		q.logger.Warn("Queue item will be retried",
			"id", item.ID,
			"key", item.Key,
			"attempt", item.Attempts,
			"next_attempt_at", item.NextAttemptAt,
			"error", err,
		)
	}
	q.notifyLocked()
}

// retryDelay 第 attempt 次失败后的等待时间：base * 2^(attempt-1)，封顶 BackoffMax
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) removePendingLocked(item *domainQueue.Item) {
	delete(q.pending, item.ID)
	if current, ok := q.pendingByKey[item.Key]; ok && current == item {
		delete(q.pendingByKey, item.Key)
	}
}

// finishLocked 发布终态事件并把条目放入有界历史
func (q *Queue) finishLocked(item *domainQueue.Item, eventType events.EventType) {
	q.publishLocked(eventType, item)

	q.history = append(q.history, item.ID)
	for len(q.history) > q.opts.HistorySize {
		delete(q.items, q.history[0])
		q.history = q.history[1:]
	}
}

func (q *Queue) publishLocked(eventType events.EventType, item *domainQueue.Item) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(&events.QueueItemEvent{
		EventType: eventType,
		Item:      item.Snapshot(),
		EventTime: time.Now(),
	})
}

// sortedPendingLocked 待处理条目按优先级、入队序号排序
func (q *Queue) sortedPendingLocked() []*domainQueue.Item {
	items := make([]*domainQueue.Item, 0, len(q.pending))
	for _, item := range q.pending {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Seq < items[j].Seq
	})
	return items
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

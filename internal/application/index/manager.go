// Package index 维护从会话元数据派生的倒排索引和实体关系索引
package index

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/infrastructure/cache"
	"github.com/taskerino/backend/internal/infrastructure/log"
)

// dateBucketLayout 日期索引按 UTC 日分桶
const dateBucketLayout = "2006-01-02"

// DefaultSearchCacheTTL 查询结果缓存时间
const DefaultSearchCacheTTL = 30 * time.Second

// Options 索引管理器配置
type Options struct {
	// SearchCacheTTL <=0 时不缓存查询结果
	SearchCacheTTL time.Duration
	// SearchCacheItems 缓存的查询数量上限
	SearchCacheItems int
}

// Manager 会话索引管理器
// 所有索引都可以从权威元数据集合完整重建；增量更新与完整重建得到相同状态
type Manager struct {
	mu      sync.RWMutex
	current *indexSet

	// 未完成的后台重建，完成后整体替换 current
	shadow     *indexSet
	shadowDone map[string]struct{}

	builtAt time.Time
	updates uint64

	results *cache.LRUCache[*search.Result]
	logger  *slog.Logger
}

// NewManager 创建空索引
func NewManager(opts Options) *Manager {
	m := &Manager{
		current: newIndexSet(),
		logger:  log.NewModuleLogger("index", "manager"),
	}
	if opts.SearchCacheTTL > 0 {
		items := opts.SearchCacheItems
		if items <= 0 {
			items = 256
		}
		m.results = cache.New(cache.Options[*search.Result]{
			MaxItems: items,
			TTL:      opts.SearchCacheTTL,
		})
	}
	return m
}

// BuildIndexes 清空并按给定的元数据集合重建全部索引
func (m *Manager) BuildIndexes(metas []*domainSession.Metadata) {
	start := time.Now()
	set := newIndexSet()
	for _, meta := range metas {
		if meta != nil {
			set.add(newDocument(meta))
		}
	}

	m.mu.Lock()
	m.current = set
	m.shadow = nil
	m.shadowDone = nil
	m.builtAt = time.Now()
	m.invalidateResults()
	m.mu.Unlock()

	m.logger.Info("Indexes built",
		"documents", len(set.docs),
		"duration", time.Since(start),
	)
}

// UpdateIndexes 增量更新单条记录
func (m *Manager) UpdateIndexes(meta *domainSession.Metadata) {
	if meta == nil || meta.ID == "" {
		return
	}
	doc := newDocument(meta)

	m.mu.Lock()
	m.current.add(doc)
	if m.shadow != nil {
		m.shadow.add(doc)
		m.shadowDone[doc.ID] = struct{}{}
	}
	m.updates++
	m.invalidateResults()
	m.mu.Unlock()
}

// DeleteFromIndexes 从所有索引中移除一条记录，返回是否存在
func (m *Manager) DeleteFromIndexes(id string) bool {
	m.mu.Lock()
	removed := m.current.remove(id)
	if m.shadow != nil {
		m.shadow.remove(id)
		m.shadowDone[id] = struct{}{}
	}
	m.updates++
	m.invalidateResults()
	m.mu.Unlock()
	return removed
}

// Contains 记录是否已建索引
func (m *Manager) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.current.docs[id]
	return ok
}

// Search 按查询条件检索会话 ID，结果按开始时间倒序
// 空查询、只含停用词的纯文本查询都返回零结果，不返回错误
func (m *Manager) Search(q search.Query) *search.Result {
	start := time.Now()
	if q.IsEmpty() {
		return emptyResult(start, nil)
	}

	key := queryKey(q)
	if m.results != nil {
		if cached, ok := m.results.Get(key); ok {
			result := cloneResult(cached)
			result.ElapsedMs = elapsedMs(start)
			return result
		}
	}

	op := q.Operator.Normalize()
	var (
		sets [][]string
		used []search.IndexKind
	)

	// 结果写入缓存时仍持有读锁，写路径在写锁内清空缓存，不会缓存到过期结果
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.current

	if text := strings.TrimSpace(q.Text); text != "" {
		used = append(used, search.IndexText)
		// 只含停用词时文本维度贡献空集，OR 下其它维度的命中仍保留
		if terms := Tokenize(text); len(terms) == 0 {
			sets = append(sets, []string{})
		} else {
			lists := make([][]string, 0, len(terms))
			for _, term := range terms {
				lists = append(lists, set.text.ids(term))
			}
			sets = append(sets, combine(op, lists))
		}
	}

	if tags := normalizeAll(q.Tags); len(tags) > 0 {
		used = append(used, search.IndexTag)
		lists := make([][]string, 0, len(tags))
		for _, tag := range tags {
			lists = append(lists, set.tags.ids(tag))
		}
		sets = append(sets, combine(op, lists))
	}

	if category := normalize(q.Category); category != "" {
		used = append(used, search.IndexCategory)
		sets = append(sets, set.categories.ids(category))
	}

	if statuses := normalizeAll(q.Status); len(statuses) > 0 {
		used = append(used, search.IndexStatus)
		lists := make([][]string, 0, len(statuses))
		for _, status := range statuses {
			lists = append(lists, set.statuses.ids(status))
		}
		sets = append(sets, lo.Union(lists...))
	}

	if q.DateRange != nil {
		used = append(used, search.IndexDate)
		// 先按天桶粗筛，再按开始时间精确过滤边界当天的会话
		var lists [][]string
		for bucket := range set.dates {
			if inRange(bucket, q.DateRange) {
				lists = append(lists, lo.Filter(set.dates.ids(bucket), func(id string, _ int) bool {
					doc, ok := set.docs[id]
					return ok && withinRange(doc.StartTime, q.DateRange)
				}))
			}
		}
		sets = append(sets, lo.Union(lists...))
	}

	ids := combine(op, sets)
	sortByStartTime(ids, set.docs)

	result := &search.Result{
		IDs:         ids,
		Total:       len(ids),
		IndexesUsed: used,
	}
	if q.Limit > 0 && len(result.IDs) > q.Limit {
		result.IDs = result.IDs[:q.Limit]
	}
	result.ElapsedMs = elapsedMs(start)

	if m.results != nil {
		m.results.Set(key, cloneResult(result))
	}
	return result
}

// VerifyIntegrity 对照权威集合检查缺失与孤立条目，不修改索引
func (m *Manager) VerifyIntegrity(metas []*domainSession.Metadata) *search.IntegrityReport {
	authoritative := make([]string, 0, len(metas))
	for _, meta := range metas {
		if meta != nil {
			authoritative = append(authoritative, meta.ID)
		}
	}

	m.mu.RLock()
	indexed := m.current.allIDs()
	m.mu.RUnlock()

	missing, orphans := lo.Difference(authoritative, indexed)
	sort.Strings(missing)
	sort.Strings(orphans)

	report := &search.IntegrityReport{
		Valid:   len(missing) == 0 && len(orphans) == 0,
		Missing: missing,
		Orphans: orphans,
		Checked: len(authoritative),
	}
	if !report.Valid {
		m.logger.Warn("Index integrity check failed",
			"missing", len(missing),
			"orphans", len(orphans),
		)
	}
	return report
}

// Stats 索引统计
func (m *Manager) Stats() search.IndexStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return search.IndexStats{
		Documents:   len(m.current.docs),
		TextTerms:   len(m.current.text),
		Tags:        len(m.current.tags),
		Categories:  len(m.current.categories),
		Statuses:    len(m.current.statuses),
		DateBuckets: len(m.current.dates),
		LastBuiltAt: m.builtAt,
		Updates:     m.updates,
	}
}

// Reset 清空索引和未完成的重建
func (m *Manager) Reset() {
	m.mu.Lock()
	m.current = newIndexSet()
	m.shadow = nil
	m.shadowDone = nil
	m.builtAt = time.Time{}
	m.updates = 0
	m.invalidateResults()
	m.mu.Unlock()
}

func (m *Manager) invalidateResults() {
	if m.results != nil {
		m.results.Clear()
	}
}

// combine AND 取交集，OR 取并集
func combine(op search.Operator, lists [][]string) []string {
	if len(lists) == 0 {
		return []string{}
	}
	if op == search.OperatorOr {
		return lo.Union(lists...)
	}
	result := lists[0]
	for _, list := range lists[1:] {
		if len(result) == 0 {
			break
		}
		result = lo.Intersect(result, list)
	}
	return append([]string{}, result...)
}

func sortByStartTime(ids []string, docs map[string]*document) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := docs[ids[i]], docs[ids[j]]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return ids[i] < ids[j]
	})
}

// inRange 按日比较，零值端点不限
func inRange(bucket string, r *search.DateRange) bool {
	if !r.Start.IsZero() && bucket < r.Start.UTC().Format(dateBucketLayout) {
		return false
	}
	if !r.End.IsZero() && bucket > r.End.UTC().Format(dateBucketLayout) {
		return false
	}
	return true
}

func withinRange(t time.Time, r *search.DateRange) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

func queryKey(q search.Query) string {
	q.Operator = q.Operator.Normalize()
	data, _ := json.Marshal(q)
	return string(data)
}

func emptyResult(start time.Time, used []search.IndexKind) *search.Result {
	if used == nil {
		used = []search.IndexKind{}
	}
	return &search.Result{
		IDs:         []string{},
		IndexesUsed: used,
		ElapsedMs:   elapsedMs(start),
	}
}

func cloneResult(r *search.Result) *search.Result {
	c := *r
	c.IDs = append([]string{}, r.IDs...)
	c.IndexesUsed = append([]search.IndexKind{}, r.IndexesUsed...)
	return &c
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return lo.Uniq(out)
}

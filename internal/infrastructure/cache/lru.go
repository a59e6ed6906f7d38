// Package cache 提供按字节预算、条目上限和 TTL 淘汰的 LRU 缓存
package cache

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// 默认配置
const (
	DefaultMaxBytes = 100 * 1024 * 1024
	DefaultTTL      = 5 * time.Minute
)

// Options 缓存配置
type Options[V any] struct {
	// MaxBytes 字节预算，<=0 表示不限制
	MaxBytes int64
	// MaxItems 条目上限，<=0 表示不限制
	MaxItems int
	// TTL 条目存活时间，<=0 表示永不过期
	TTL time.Duration
	// SizeFunc 估算值的字节大小，为空时使用 EstimateSize
	SizeFunc func(V) int64
	// Now 时钟（测试注入）
	Now func() time.Time
}

// Stats 缓存统计
type Stats struct {
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	HitRate     float64   `json:"hit_rate"`
	SizeBytes   int64     `json:"size_bytes"`
	MaxBytes    int64     `json:"max_bytes"`
	Items       int       `json:"items"`
	Evictions   uint64    `json:"evictions"`
	OldestEntry time.Time `json:"oldest_entry,omitempty"`
	NewestEntry time.Time `json:"newest_entry,omitempty"`
}

type entry[V any] struct {
	value          V
	size           int64
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// LRUCache 线程安全的有界 LRU 缓存
// 访问顺序由 simplelru 维护，字节与条目预算在这里执行
type LRUCache[V any] struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[string, *entry[V]]
	opts Options[V]

	totalBytes int64
	hits       uint64
	misses     uint64
	evictions  uint64
}

// New 创建缓存
func New[V any](opts Options[V]) *LRUCache[V] {
	if opts.SizeFunc == nil {
		opts.SizeFunc = func(v V) int64 { return EstimateSize(v) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	// 条目上限由本结构自己执行，这里只借用 simplelru 的访问顺序
	lru, err := simplelru.NewLRU[string, *entry[V]](math.MaxInt32, nil)
	if err != nil {
		panic(fmt.Sprintf("cache: create lru: %v", err))
	}

	return &LRUCache[V]{lru: lru, opts: opts}
}

// Get 读取并刷新访问时间；过期条目视为不存在
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LRUCache[V]) getLocked(key string) (V, bool) {
	var zero V

	e, ok := c.lru.Peek(key)
	if !ok || c.expired(e) {
		c.misses++
		return zero, false
	}

	c.lru.Get(key)
	e.lastAccessedAt = c.opts.Now()
	c.hits++
	return e.value, true
}

// Peek 读取但不改变访问顺序，也不计入统计
func (c *LRUCache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || c.expired(e) {
		return zero, false
	}
	return e.value, true
}

// Has 检查键是否存在且未过期
func (c *LRUCache[V]) Has(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Set 写入或更新条目，同时刷新其访问顺序
// 单个值超过字节预算时不缓存，返回 false
func (c *LRUCache[V]) Set(key string, value V) bool {
	return c.SetWithSize(key, value, -1)
}

// SetWithSize 使用调用方给出的大小写入条目，size<0 时自动估算
func (c *LRUCache[V]) SetWithSize(key string, value V, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, size)
}

func (c *LRUCache[V]) setLocked(key string, value V, size int64) bool {
	if size < 0 {
		size = c.opts.SizeFunc(value)
	}

	if c.opts.MaxBytes > 0 && size > c.opts.MaxBytes {
		// 放不下的值不缓存，同时清掉旧值避免读到过期数据
		c.removeLocked(key)
		return false
	}

	now := c.opts.Now()
	if old, ok := c.lru.Peek(key); ok {
		c.totalBytes -= old.size
	}

	c.lru.Add(key, &entry[V]{
		value:          value,
		size:           size,
		insertedAt:     now,
		lastAccessedAt: now,
	})
	c.totalBytes += size

	c.evictLocked()
	return true
}

// evictLocked 按访问顺序淘汰最久未使用的条目直到满足预算
func (c *LRUCache[V]) evictLocked() {
	for c.overBudget() {
		_, e, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.totalBytes -= e.size
		c.evictions++
	}
}

func (c *LRUCache[V]) overBudget() bool {
	if c.opts.MaxBytes > 0 && c.totalBytes > c.opts.MaxBytes {
		return true
	}
	if c.opts.MaxItems > 0 && c.lru.Len() > c.opts.MaxItems {
		return true
	}
	return false
}

// Delete 删除条目，返回是否存在
func (c *LRUCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

func (c *LRUCache[V]) removeLocked(key string) bool {
	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	c.lru.Remove(key)
	c.totalBytes -= e.size
	return true
}

// GetMany 批量读取，只返回命中的键
func (c *LRUCache[V]) GetMany(keys []string) map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]V, len(keys))
	for _, key := range keys {
		if v, ok := c.getLocked(key); ok {
			result[key] = v
		}
	}
	return result
}

// SetMany 批量写入
func (c *LRUCache[V]) SetMany(values map[string]V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range values {
		c.setLocked(key, value, -1)
	}
}

// DeleteMany 批量删除，返回实际删除的数量
func (c *LRUCache[V]) DeleteMany(keys []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if c.removeLocked(key) {
			removed++
		}
	}
	return removed
}

// InvalidatePattern 删除所有匹配 glob 模式的键，返回删除数量
// 例如 "sessions/abc/*" 会删除该会话的元数据与全部分块
func (c *LRUCache[V]) InvalidatePattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
	}
	return c.InvalidateMatching(g.Match), nil
}

// InvalidateRegexp 删除所有匹配正则的键
func (c *LRUCache[V]) InvalidateRegexp(re *regexp.Regexp) int {
	return c.InvalidateMatching(re.MatchString)
}

// InvalidatePrefix 删除所有带指定前缀的键
func (c *LRUCache[V]) InvalidatePrefix(prefix string) int {
	return c.InvalidateMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// InvalidateMatching 删除所有满足条件的键
func (c *LRUCache[V]) InvalidateMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if match(key) && c.removeLocked(key) {
			removed++
		}
	}
	return removed
}

// Prune 物理清除所有过期条目，返回清除数量
func (c *LRUCache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && c.expired(e) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Keys 返回所有键（从最久未使用到最近使用）
func (c *LRUCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len 当前条目数（含尚未清除的过期条目）
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear 清空数据，保留统计
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.totalBytes = 0
}

// Reset 清空数据并归零统计
func (c *LRUCache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.totalBytes = 0
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// ResetStats 归零计数器，不清空数据
func (c *LRUCache[V]) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats 返回统计快照
func (c *LRUCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		SizeBytes: c.totalBytes,
		MaxBytes:  c.opts.MaxBytes,
		Items:     c.lru.Len(),
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}

	for _, e := range c.lru.Values() {
		if stats.OldestEntry.IsZero() || e.insertedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.insertedAt
		}
		if e.insertedAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.insertedAt
		}
	}

	return stats
}

func (c *LRUCache[V]) expired(e *entry[V]) bool {
	if c.opts.TTL <= 0 {
		return false
	}
	return c.opts.Now().Sub(e.insertedAt) > c.opts.TTL
}

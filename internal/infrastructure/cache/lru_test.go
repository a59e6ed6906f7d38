package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newByteCache(maxBytes int64, clock *fakeClock) *LRUCache[[]byte] {
	opts := Options[[]byte]{MaxBytes: maxBytes, TTL: time.Minute}
	if clock != nil {
		opts.Now = clock.Now
	}
	return New(opts)
}

func TestLRUCache_SetGet(t *testing.T) {
	c := newByteCache(1024, nil)

	assert.True(t, c.Set("a", []byte("hello")))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
	assert.Equal(t, int64(5), stats.SizeBytes)
	assert.Equal(t, 1, stats.Items)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newByteCache(30, nil)

	c.Set("a", make([]byte, 10))
	c.Set("b", make([]byte, 10))
	c.Set("c", make([]byte, 10))

	// 访问 a 使 b 成为最久未使用
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", make([]byte, 10))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.SizeBytes, int64(30))
}

func TestLRUCache_ByteBudgetNeverExceeded(t *testing.T) {
	c := newByteCache(100, nil)

	for i := 0; i < 50; i++ {
		c.Set(string(rune('a'+i%26))+string(rune('0'+i/26)), make([]byte, 7+i%5))
		assert.LessOrEqual(t, c.Stats().SizeBytes, int64(100))
	}
}

func TestLRUCache_OversizedValueNotCached(t *testing.T) {
	c := newByteCache(10, nil)

	c.Set("small", []byte("1234"))
	assert.False(t, c.Set("big", make([]byte, 11)))

	assert.False(t, c.Has("big"))
	assert.True(t, c.Has("small"))
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestLRUCache_UpdateAdjustsSize(t *testing.T) {
	c := newByteCache(100, nil)

	c.Set("a", make([]byte, 40))
	c.Set("a", make([]byte, 10))

	stats := c.Stats()
	assert.Equal(t, int64(10), stats.SizeBytes)
	assert.Equal(t, 1, stats.Items)
}

func TestLRUCache_MaxItems(t *testing.T) {
	c := New(Options[string]{MaxItems: 2})

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Has("a"))
	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

func TestLRUCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newByteCache(1024, clock)

	c.Set("a", []byte("x"))
	clock.Advance(30 * time.Second)
	c.Set("b", []byte("y"))

	clock.Advance(45 * time.Second)

	t.Run("过期条目读作不存在", func(t *testing.T) {
		_, ok := c.Get("a")
		assert.False(t, ok)
		_, ok = c.Get("b")
		assert.True(t, ok)
	})

	t.Run("过期条目在清理前仍占用空间", func(t *testing.T) {
		assert.Equal(t, 2, c.Len())
	})

	t.Run("Prune 物理清除", func(t *testing.T) {
		assert.Equal(t, 1, c.Prune())
		assert.Equal(t, 1, c.Len())
		assert.Equal(t, int64(1), c.Stats().SizeBytes)
	})
}

func TestLRUCache_Invalidate(t *testing.T) {
	setup := func() *LRUCache[string] {
		c := New(Options[string]{})
		c.Set("sessions/s1/metadata", "m1")
		c.Set("sessions/s1/screenshots/chunk-000", "c0")
		c.Set("sessions/s2/metadata", "m2")
		c.Set("attachments-ca/ab/abc/metadata", "a")
		return c
	}

	t.Run("glob 模式", func(t *testing.T) {
		c := setup()
		n, err := c.InvalidatePattern("sessions/s1/**")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.True(t, c.Has("sessions/s2/metadata"))
	})

	t.Run("非法模式", func(t *testing.T) {
		c := setup()
		_, err := c.InvalidatePattern("sessions/[")
		assert.Error(t, err)
		assert.Equal(t, 4, c.Len())
	})

	t.Run("正则", func(t *testing.T) {
		c := setup()
		n := c.InvalidateRegexp(regexp.MustCompile(`/metadata$`))
		assert.Equal(t, 3, n)
	})

	t.Run("前缀", func(t *testing.T) {
		c := setup()
		assert.Equal(t, 1, c.InvalidatePrefix("attachments-ca/"))
	})
}

func TestLRUCache_BatchOperations(t *testing.T) {
	c := New(Options[int]{})

	c.SetMany(map[string]int{"a": 1, "b": 2, "c": 3})
	got := c.GetMany([]string{"a", "c", "z"})
	assert.Equal(t, map[string]int{"a": 1, "c": 3}, got)

	assert.Equal(t, 2, c.DeleteMany([]string{"a", "b", "z"}))
	assert.Equal(t, 1, c.Len())
}

func TestLRUCache_ClearAndResetStats(t *testing.T) {
	c := New(Options[string]{})
	c.Set("a", "x")
	c.Get("a")
	c.Get("b")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Hits)

	c.ResetStats()
	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.SizeBytes)
}

func TestLRUCache_StatsEntryTimes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newByteCache(1024, clock)

	first := clock.now
	c.Set("a", []byte("1"))
	clock.Advance(time.Second)
	c.Set("b", []byte("2"))

	stats := c.Stats()
	assert.Equal(t, first, stats.OldestEntry)
	assert.Equal(t, clock.now, stats.NewestEntry)
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, int64(3), EstimateSize([]byte("abc")))
	assert.Equal(t, int64(2), EstimateSize("ab"))
	assert.Equal(t, int64(7), EstimateSize(map[string]int{"a": 1}))
	assert.Equal(t, int64(0), EstimateSize(nil))
	assert.Equal(t, int64(fallbackSize), EstimateSize(make(chan int)))
}

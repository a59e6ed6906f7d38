package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	domainQueue "github.com/taskerino/backend/internal/domain/queue"
)

// snapshotCollector 抓取时读取缓存与队列的统计快照
type snapshotCollector struct {
	cache CacheSource
	queue QueueSource

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheBytes     *prometheus.Desc
	cacheItems     *prometheus.Desc
	queuePending   *prometheus.Desc
	queueInFlight  *prometheus.Desc
	queueTx        *prometheus.Desc
	queueCollapsed *prometheus.Desc
}

func newSnapshotCollector(namespace string, c CacheSource, q QueueSource) *snapshotCollector {
	return &snapshotCollector{
		cache: c,
		queue: q,
		cacheHits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Cache lookups served from memory.", nil, nil),
		cacheMisses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Cache lookups that fell through to storage.", nil, nil),
		cacheEvictions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "evictions_total"),
			"Entries evicted to stay within the byte or item budget.", nil, nil),
		cacheBytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "size_bytes"),
			"Estimated bytes held by the cache.", nil, nil),
		cacheItems: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "items"),
			"Entries held by the cache.", nil, nil),
		queuePending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "pending_items"),
			"Pending persistence queue items.", []string{"priority"}, nil),
		queueInFlight: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "processing_items"),
			"Persistence queue items being written.", nil, nil),
		queueTx: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "transactions_total"),
			"Adapter transactions committed by the queue.", nil, nil),
		queueCollapsed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "collapsed_ops_total"),
			"Individual writes saved by batching items into one transaction.", []string{"type"}, nil),
	}
}

// Describe 实现 prometheus.Collector
func (s *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.cacheHits
	ch <- s.cacheMisses
	ch <- s.cacheEvictions
	ch <- s.cacheBytes
	ch <- s.cacheItems
	ch <- s.queuePending
	ch <- s.queueInFlight
	ch <- s.queueTx
	ch <- s.queueCollapsed
}

// Collect 实现 prometheus.Collector
func (s *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if s.cache != nil {
		stats := s.cache.Stats()
		ch <- prometheus.MustNewConstMetric(s.cacheHits, prometheus.CounterValue, float64(stats.Hits))
		ch <- prometheus.MustNewConstMetric(s.cacheMisses, prometheus.CounterValue, float64(stats.Misses))
		ch <- prometheus.MustNewConstMetric(s.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions))
		ch <- prometheus.MustNewConstMetric(s.cacheBytes, prometheus.GaugeValue, float64(stats.SizeBytes))
		ch <- prometheus.MustNewConstMetric(s.cacheItems, prometheus.GaugeValue, float64(stats.Items))
	}
	if s.queue != nil {
		stats := s.queue.Stats()
		for _, p := range []domainQueue.Priority{domainQueue.PriorityCritical, domainQueue.PriorityNormal, domainQueue.PriorityLow} {
			ch <- prometheus.MustNewConstMetric(s.queuePending, prometheus.GaugeValue, float64(stats.PendingByPriority[p]), string(p))
		}
		ch <- prometheus.MustNewConstMetric(s.queueInFlight, prometheus.GaugeValue, float64(stats.Processing))
		ch <- prometheus.MustNewConstMetric(s.queueTx, prometheus.CounterValue, float64(stats.Transactions))
		for typ, n := range stats.CollapsedOps {
			ch <- prometheus.MustNewConstMetric(s.queueCollapsed, prometheus.CounterValue, float64(n), string(typ))
		}
	}
}

package eval

import (
	"github.com/prometheus/client_golang/prometheus"

	"symphony/internal/dsl"
)

// Collector exports intern pool and memo cache counters to Prometheus.
// Either source may be nil.
type Collector struct {
	pool *dsl.Pool
	memo *MemoCache

	entries   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(pool *dsl.Pool, memo *MemoCache) *Collector {
	labels := []string{"cache"}
	return &Collector{
		pool: pool,
		memo: memo,
		entries: prometheus.NewDesc("symphony_cache_entries",
			"Current number of entries held by the cache", labels, nil),
		hits: prometheus.NewDesc("symphony_cache_hits_total",
			"Total number of cache hits by cache", labels, nil),
		misses: prometheus.NewDesc("symphony_cache_misses_total",
			"Total number of cache misses by cache", labels, nil),
		evictions: prometheus.NewDesc("symphony_cache_evictions_total",
			"Total number of LRU evictions by cache", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		s := c.pool.Stats()
		c.emit(ch, "intern", s.Size, s.Hits, s.Misses, s.Evictions)
	}
	if c.memo != nil {
		s := c.memo.Stats()
		c.emit(ch, "memo", s.Size, s.Hits, s.Misses, s.Evictions)
	}
}

func (c *Collector) emit(ch chan<- prometheus.Metric, cache string, size int, hits, misses, evictions uint64) {
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(size), cache)
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(hits), cache)
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(misses), cache)
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(evictions), cache)
}

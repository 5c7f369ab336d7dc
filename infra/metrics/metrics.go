// Package metrics exports allocator and reclamation statistics to
// Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"lockfree/infra/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolSource is anything that reports a node allocator: a memory.Pool or
// any of the structures built on one.
type PoolSource interface {
	Stats() memory.PoolStats
}

// Collector reads registered pools and domains at scrape time. Names label
// the series, so each must be unique within its kind.
type Collector struct {
	mu      sync.RWMutex
	pools   map[string]PoolSource
	domains map[string]*memory.Domain

	chunks, blocks, live, gets, puts, blockBytes *prometheus.Desc

	epoch, participants, retired, reclaimed, abandoned, pending *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	pool := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"structure"}, nil)
	}
	epoch := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "epoch", name), help, []string{"domain"}, nil)
	}
	return &Collector{
		pools:   make(map[string]PoolSource),
		domains: make(map[string]*memory.Domain),

		chunks:     pool("chunks", "Chunks carved by the node allocator."),
		blocks:     pool("blocks", "Blocks carved by the node allocator."),
		live:       pool("live_blocks", "Blocks currently handed out."),
		gets:       pool("gets_total", "Blocks handed out."),
		puts:       pool("puts_total", "Blocks returned to the free list."),
		blockBytes: pool("block_bytes", "Size of one block."),

		epoch:        epoch("current", "Global epoch."),
		participants: epoch("participants", "Registered participant records."),
		retired:      epoch("retired_total", "Objects retired."),
		reclaimed:    epoch("reclaimed_total", "Retired objects returned to their pools."),
		abandoned:    epoch("abandoned_total", "Objects dropped because a retire ring was full."),
		pending:      epoch("pending", "Retired objects waiting for their grace period."),
	}
}

func (c *Collector) AddPool(name string, src PoolSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[name] = src
}

func (c *Collector) AddDomain(name string, d *memory.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[name] = d
}

// Remove drops name from both pools and domains.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, name)
	delete(c.domains, name)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.chunks, c.blocks, c.live, c.gets, c.puts, c.blockBytes,
		c.epoch, c.participants, c.retired, c.reclaimed, c.abandoned, c.pending,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range sortedKeys(c.pools) {
		s := c.pools[name].Stats()
		ch <- prometheus.MustNewConstMetric(c.chunks, prometheus.GaugeValue, float64(s.Chunks), name)
		ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(s.Blocks), name)
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.Live), name)
		ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(s.Gets), name)
		ch <- prometheus.MustNewConstMetric(c.puts, prometheus.CounterValue, float64(s.Puts), name)
		ch <- prometheus.MustNewConstMetric(c.blockBytes, prometheus.GaugeValue, float64(s.BlockSize), name)
	}
	for _, name := range sortedKeys(c.domains) {
		s := c.domains[name].Stats()
		ch <- prometheus.MustNewConstMetric(c.epoch, prometheus.GaugeValue, float64(s.Epoch), name)
		ch <- prometheus.MustNewConstMetric(c.participants, prometheus.GaugeValue, float64(s.Participants), name)
		ch <- prometheus.MustNewConstMetric(c.retired, prometheus.CounterValue, float64(s.Retired), name)
		ch <- prometheus.MustNewConstMetric(c.reclaimed, prometheus.CounterValue, float64(s.Reclaimed), name)
		ch <- prometheus.MustNewConstMetric(c.abandoned, prometheus.CounterValue, float64(s.Abandoned), name)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), name)
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

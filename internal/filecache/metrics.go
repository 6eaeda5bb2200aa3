package filecache

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the cache's Prometheus collectors.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	corrupt   prometheus.Counter
	used      prometheus.Gauge
	capacity  prometheus.Gauge
	entries   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filecache_hits_total",
			Help: "Reads served from the local cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filecache_misses_total",
			Help: "Reads that found no readable entry.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filecache_evictions_total",
			Help: "Entries evicted to make room.",
		}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filecache_corrupt_total",
			Help: "Corrupt metadata or chunk records detected.",
		}),
		used: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filecache_used_bytes",
			Help: "Bytes reserved or stored in the cache.",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filecache_size_bytes",
			Help: "Configured cache capacity.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filecache_entries",
			Help: "Entries in the cache index.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits)
		reg.MustRegister(m.misses)
		reg.MustRegister(m.evictions)
		reg.MustRegister(m.corrupt)
		reg.MustRegister(m.used)
		reg.MustRegister(m.capacity)
		reg.MustRegister(m.entries)
	}
	return m
}

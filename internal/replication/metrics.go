package replication

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	replicated prometheus.Counter
	failed     prometheus.Counter
	restored   prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		replicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_replicated_total",
			Help: "Files copied to the remote tier.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_failed_total",
			Help: "Replication attempts that failed.",
		}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_restored_total",
			Help: "Files restored from the remote tier after a cache miss.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replication_duration_seconds",
			Help:    "Time to copy one file to the remote tier.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.replicated)
		reg.MustRegister(m.failed)
		reg.MustRegister(m.restored)
		reg.MustRegister(m.duration)
	}
	return m
}

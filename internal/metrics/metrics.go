// Package metrics holds the Prometheus instruments shared by the request
// path and exported on the health endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the process-wide instrument set. All instruments are safe for
// concurrent use; the request path never takes a lock here.
type Metrics struct {
	Registry *prometheus.Registry

	Ops       *prometheus.CounterVec
	CmdErrors *prometheus.CounterVec
	Hits      prometheus.Counter
	Misses    prometheus.Counter

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	CmdLatency *prometheus.HistogramVec
}

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sekido_ops_total",
			Help: "Commands processed, by operation.",
		}, []string{"op"}),
		CmdErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sekido_cmd_errors_total",
			Help: "Command failures, by operation.",
		}, []string{"op"}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sekido_hits_total",
			Help: "Get hits.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sekido_misses_total",
			Help: "Get misses.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sekido_connections_active",
			Help: "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sekido_connections_total",
			Help: "Client connections accepted.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sekido_bytes_in_total",
			Help: "Bytes read from clients.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sekido_bytes_out_total",
			Help: "Bytes written to clients.",
		}),
		CmdLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sekido_cmd_latency_seconds",
			Help:    "Command latency, by operation.",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		m.Ops, m.CmdErrors, m.Hits, m.Misses,
		m.ConnectionsActive, m.ConnectionsTotal,
		m.BytesIn, m.BytesOut, m.CmdLatency,
	)
	return m
}

// RegisterStorage exports the storage layer's expiry-removal counters.
func (m *Metrics) RegisterStorage(expiredRemoved, compactionRemoved func() uint64) {
	m.Registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sekido_expired_keys_removed_total",
			Help: "Keys removed by lazy expiration on the read path.",
		}, func() float64 { return float64(expiredRemoved()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sekido_ttl_compaction_removed_total",
			Help: "Keys removed by the background TTL compaction pass.",
		}, func() float64 { return float64(compactionRemoved()) }),
	)
}

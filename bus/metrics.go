package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the same counters Stats snapshots, as Prometheus
// collectors, so a long-running process can scrape bus delivery health
// instead of polling Stats(). Grounded on the promhttp exposition the
// example pack's agenthub observability package wires up
// (owulveryck-agenthub/internal/observability/healthcheck.go); this
// runtime has no OTEL pipeline of its own, so the collectors are built
// directly against client_golang/prometheus rather than through an
// exporter.
type Metrics struct {
	Delivered       prometheus.Counter
	Failed          prometheus.Counter
	BroadcastSent   prometheus.Counter
	BroadcastFailed prometheus.Counter
	Registered      prometheus.Gauge
}

// NewMetrics builds an unregistered set of bus collectors. Call MustRegister
// to expose them on a Registerer (typically a process-wide
// prometheus.Registry owned by cmd/gitmind).
func NewMetrics() *Metrics {
	return &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitmind", Subsystem: "bus", Name: "delivered_total",
			Help: "Unicast messages successfully delivered to an agent inbox.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitmind", Subsystem: "bus", Name: "failed_total",
			Help: "Unicast sends that failed (unknown, closed, or full inbox).",
		}),
		BroadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitmind", Subsystem: "bus", Name: "broadcast_delivered_total",
			Help: "Broadcast deliveries to individual subscribers.",
		}),
		BroadcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitmind", Subsystem: "bus", Name: "broadcast_failed_total",
			Help: "Broadcast deliveries that failed against a subscriber inbox.",
		}),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitmind", Subsystem: "bus", Name: "registered_agents",
			Help: "Agents currently holding a registered inbox.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on a duplicate
// registration (mirrors prometheus.MustRegister's own contract).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Delivered, m.Failed, m.BroadcastSent, m.BroadcastFailed, m.Registered)
}

// SetMetrics attaches m so future Send/Broadcast/Register/Unregister calls
// also update its collectors. Must be called before the bus is shared
// across goroutines; it is not itself safe to race with delivery calls.
func (b *Bus) SetMetrics(m *Metrics) {
	b.metrics = m
}

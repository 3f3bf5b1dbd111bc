package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes SystemStatus as Prometheus gauges, so system_status can
// be scraped on an interval instead of polled through SystemStatus calls.
// Grounded on the scrape-friendly shape of the teacher's own MetricsCollector
// (monitoring/metrics.go), rebuilt directly against client_golang/prometheus
// since this runtime carries no metrics-export subsystem of its own.
type Metrics struct {
	AgentsTotal   prometheus.Gauge
	AgentsByState *prometheus.GaugeVec
}

// NewMetrics builds an unregistered set of manager collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		AgentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitmind", Subsystem: "manager", Name: "agents_total",
			Help: "Agents currently registered with the manager.",
		}),
		AgentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gitmind", Subsystem: "manager", Name: "agents_by_state",
			Help: "Registered agents, partitioned by lifecycle state.",
		}, []string{"state"}),
	}
}

// MustRegister registers every collector with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.AgentsTotal, m.AgentsByState)
}

func (m *Metrics) refresh(status SystemStatus) {
	m.AgentsTotal.Set(float64(status.Total))
	for _, s := range []string{"Uninitialized", "Initializing", "Idle", "Processing", "Error", "Shutting", "Shutdown"} {
		m.AgentsByState.WithLabelValues(s).Set(float64(status.ByState[s]))
	}
}

// SetMetrics attaches m so future SystemStatus calls also refresh its
// collectors. Must be set before concurrent use.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

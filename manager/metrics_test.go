package manager

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitmind-dev/gitmind/agent"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsRefreshOnSystemStatus(t *testing.T) {
	mgr, _, _ := newTestManager()
	metrics := NewMetrics()
	mgr.SetMetrics(metrics)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	require.NoError(t, mgr.Register(context.Background(), newStubAgent("a1", agent.CapabilityCommitMessage)))

	status := mgr.SystemStatus()
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, float64(1), gaugeValue(t, metrics.AgentsTotal))
}

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRegistry(t *testing.T) {
	reg := NewStatsRegistry()
	reg.SetCounter("x", 7)
	assert.Equal(t, int64(7), reg.Counter("x"))
	reg.IncrementCounter("x")
	assert.Equal(t, int64(8), reg.Counter("x"))
	assert.Zero(t, reg.Counter("unset"))
}

func TestPrometheusExporterFanOut(t *testing.T) {
	reg := NewStatsRegistry()
	prom := NewPrometheusExporter()
	reg.Register(prom)

	reg.SetCounter("ember.device_memory_used", 42)
	reg.IncrementCounter("ember.requests_processed.global")
	reg.AddTimeSeriesValue("ember.execution_duration_e2e.global", 0.25)

	families, err := prom.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ember_device_memory_used"])
	assert.True(t, names["ember_requests_processed_global"])
	assert.True(t, names["ember_execution_duration_e2e_global"])
}

func TestStatsSingleton(t *testing.T) {
	assert.Same(t, Stats(), Stats())
}

package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/replicant/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("store", "test_counter", counter)
	require.NoError(t, err)

	// Second registration under the same key must fail
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "other_counter_total",
		Help: "other counter",
	})
	err = registry.RegisterCounter("store", "test_counter", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterPrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "conflict",
	})
	require.NoError(t, registry.RegisterCounter("a", "one", counter))

	// Same prometheus name under a different registry key
	dup := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "conflict",
	})
	err := registry.RegisterCounter("b", "two", dup)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("cache", "test_gauge", gauge))
	assert.True(t, registry.Unregister("cache", "test_gauge"))
	assert.False(t, registry.Unregister("cache", "test_gauge"))

	// Re-registration after unregister works
	require.NoError(t, registry.RegisterGauge("cache", "test_gauge", gauge))
}

func TestCoreMetricRecording(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// These must not panic and must surface in a gather
	core.RecordServiceStatus("replicant", 2)
	core.RecordOperation("bundle", "set_value", "ok", 0)
	core.RecordRevision("bundle", "score", 7)
	core.RecordValidationFailure("bundle", "score")
	core.RecordBroadcast("bundle")
	core.RecordHealthCheck("replicant", true)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["replicant_store_operations_total"])
	assert.True(t, names["replicant_store_revision"])
	assert.True(t, names["replicant_broadcast_messages_total"])
}

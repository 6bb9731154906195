package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	monitor := NewMonitor()

	monitor.UpdateHealthy("store", "store responding")
	monitor.UpdateDegraded("cache", "running on fallback")
	monitor.UpdateUnhealthy("nats", "connection refused")

	status, exists := monitor.Get("store")
	require.True(t, exists)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "store", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	status, exists = monitor.Get("cache")
	require.True(t, exists)
	assert.True(t, status.IsDegraded())

	_, exists = monitor.Get("missing")
	assert.False(t, exists)

	assert.Equal(t, 3, monitor.Count())
	assert.ElementsMatch(t, []string{"store", "cache", "nats"}, monitor.ListComponents())
}

func TestMonitorAggregateHealth(t *testing.T) {
	monitor := NewMonitor()

	monitor.UpdateHealthy("store", "ok")
	monitor.UpdateHealthy("gateway", "ok")
	agg := monitor.AggregateHealth("replicant")
	assert.True(t, agg.IsHealthy())
	assert.Len(t, agg.SubStatuses, 2)

	monitor.UpdateDegraded("cache", "fallback active")
	agg = monitor.AggregateHealth("replicant")
	assert.True(t, agg.IsDegraded())

	monitor.UpdateUnhealthy("nats", "down")
	agg = monitor.AggregateHealth("replicant")
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitorChecks(t *testing.T) {
	monitor := NewMonitor()

	var storeErr error
	monitor.RegisterCheck("store", func(context.Context) error { return storeErr })
	monitor.RegisterCheck("cache", func(context.Context) error { return nil })

	// Registered checks report as healthy placeholders before the first pass.
	status, exists := monitor.Get("store")
	require.True(t, exists)
	assert.True(t, status.IsHealthy())

	monitor.CheckAll(context.Background())
	status, _ = monitor.Get("store")
	assert.True(t, status.IsHealthy())

	storeErr = errors.New("bucket missing")
	monitor.CheckAll(context.Background())
	status, _ = monitor.Get("store")
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "bucket missing", status.Message)

	status, _ = monitor.Get("cache")
	assert.True(t, status.IsHealthy())
}

func TestMonitorRemoveAndClear(t *testing.T) {
	monitor := NewMonitor()
	monitor.RegisterCheck("store", func(context.Context) error { return nil })
	monitor.UpdateHealthy("gateway", "ok")

	monitor.Remove("store")
	_, exists := monitor.Get("store")
	assert.False(t, exists)

	monitor.Clear()
	assert.Equal(t, 0, monitor.Count())

	// CheckAll after Clear must not resurrect removed probes.
	monitor.CheckAll(context.Background())
	assert.Equal(t, 0, monitor.Count())
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"nats url", "dial nats://10.0.0.5:4222 failed", "dial [URL] failed"},
		{"http url", "fetch https://internal.example.com/v1 failed", "fetch [URL] failed"},
		{"unix path", "open /etc/replicant/creds failed", "open [PATH] failed"},
		{"credential", "auth password=hunter2 rejected", "auth [REDACTED] rejected"},
		{"plain", "revision conflict", "revision conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.New(tt.input)
			if tt.input == "" {
				assert.Equal(t, "", sanitizeErrorMessage(""))
				return
			}
			status := FromError("probe", err)
			assert.Equal(t, tt.expected, status.Message)
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	status := Aggregate("system", nil)
	assert.True(t, status.IsHealthy())
}

func TestStatusWithSubStatusCopies(t *testing.T) {
	base := NewHealthy("cluster", "ok")
	withSub := base.WithSubStatus(NewDegraded("replica", "lagging"))

	assert.Empty(t, base.SubStatuses)
	require.Len(t, withSub.SubStatuses, 1)
	assert.Equal(t, "replica", withSub.SubStatuses[0].Component)
}

func TestAggregateNamesFailingComponent(t *testing.T) {
	agg := Aggregate("replicant", []Status{
		NewHealthy("store", "ok"),
		NewDegraded("cache", "fallback active"),
		NewUnhealthy("nats", "down"),
	})
	assert.True(t, agg.IsUnhealthy())
	assert.Contains(t, agg.Message, "nats")
	require.Len(t, agg.SubStatuses, 3)

	agg = Aggregate("replicant", []Status{
		NewHealthy("store", "ok"),
		NewDegraded("cache", "fallback active"),
	})
	assert.True(t, agg.IsDegraded())
	assert.Contains(t, agg.Message, "cache")
}

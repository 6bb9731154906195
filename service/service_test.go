package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/replicant/config"
	"github.com/c360/replicant/replicant"
)

func testConfig(port int) *config.Config {
	loaded, _ := config.NewLoader().Load()
	loaded.Service.Name = "replicant-test"
	loaded.Storage.Mode = config.StorageModeMemory
	loaded.Cache.Mode = config.CacheModeLocal
	loaded.Metrics.Enabled = false
	loaded.Gateway.Port = port
	loaded.Health.CheckInterval = 50 * time.Millisecond
	return loaded
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := testConfig(18710)
	cfg.Service.Name = ""
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestServiceLifecycle(t *testing.T) {
	svc, err := New(testConfig(18711))
	require.NoError(t, err)

	assert.Equal(t, StatusStopped, svc.Status())
	assert.Nil(t, svc.Store())

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(2 * time.Second) }()

	assert.Equal(t, StatusRunning, svc.Status())
	require.NotNil(t, svc.Store())
	require.NotNil(t, svc.Broadcaster())

	// Idempotent start.
	require.NoError(t, svc.Start(ctx))

	// The store is usable through the service.
	_, err = svc.Store().Register(ctx, "dashboard", "score", replicant.RegisterOptions{
		DefaultValue: json.RawMessage(`{"points": 0}`),
	})
	require.NoError(t, err)

	rev, err := svc.Store().Set(ctx, "dashboard", "score",
		json.RawMessage(`{"points": 5}`), replicant.SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	info := svc.GetStatus()
	assert.Equal(t, "replicant-test", info.Name)
	assert.Equal(t, StatusRunning, info.Status)
	assert.False(t, info.StartTime.IsZero())

	require.NoError(t, svc.Stop(2*time.Second))
	assert.Equal(t, StatusStopped, svc.Status())

	// Idempotent stop.
	require.NoError(t, svc.Stop(2*time.Second))
}

func TestServiceHealth(t *testing.T) {
	svc, err := New(testConfig(18712))
	require.NoError(t, err)

	assert.True(t, svc.Health().IsUnhealthy())

	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(2 * time.Second) }()

	assert.Eventually(t, func() bool {
		return svc.Health().IsHealthy()
	}, 2*time.Second, 25*time.Millisecond)

	status := svc.Health()
	components := make([]string, 0, len(status.SubStatuses))
	for _, sub := range status.SubStatuses {
		components = append(components, sub.Component)
	}
	assert.Contains(t, components, "storage")
	assert.Contains(t, components, "cache")
}

type testExtension struct {
	name   string
	events *[]string
}

func (e *testExtension) Name() string { return e.name }

func (e *testExtension) OnLoad(ctx context.Context, store *replicant.Store) error {
	*e.events = append(*e.events, "load:"+e.name)
	_, err := store.Register(ctx, "ext", e.name, replicant.RegisterOptions{
		DefaultValue: json.RawMessage(`{}`),
	})
	return err
}

func (e *testExtension) OnUnload(context.Context) error {
	*e.events = append(*e.events, "unload:"+e.name)
	return nil
}

func TestServiceExtensions(t *testing.T) {
	var events []string

	registry := NewExtensionRegistry()
	constructor := func(name string, _ json.RawMessage) (Extension, error) {
		return &testExtension{name: name, events: &events}, nil
	}
	require.NoError(t, registry.Register("alpha", constructor))
	require.NoError(t, registry.Register("beta", constructor))

	// Duplicate registration is rejected.
	assert.Error(t, registry.Register("alpha", constructor))

	cfg := testConfig(18713)
	cfg.Extensions = config.ExtensionConfigs{
		"alpha": {Name: "alpha", Enabled: true},
		"beta":  {Name: "beta", Enabled: false},
	}

	svc, err := New(cfg, WithExtensionRegistry(registry))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	assert.Equal(t, []string{"load:alpha"}, events)
	assert.Equal(t, []string{"alpha"}, svc.GetStatus().Extensions)

	// The extension's replicant exists in the store.
	snap, err := svc.Store().Snapshot(ctx, "ext", "alpha")
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	require.NoError(t, svc.Stop(2*time.Second))
	assert.Equal(t, []string{"load:alpha", "unload:alpha"}, events)
}

func TestServiceExtensionUnloadOrder(t *testing.T) {
	var events []string

	registry := NewExtensionRegistry()
	for _, name := range []string{"first", "second"} {
		require.NoError(t, registry.Register(name, func(name string, _ json.RawMessage) (Extension, error) {
			return &testExtension{name: name, events: &events}, nil
		}))
	}

	cfg := testConfig(18714)
	cfg.Extensions = config.ExtensionConfigs{
		"first":  {Name: "first", Enabled: true},
		"second": {Name: "second", Enabled: true},
	}

	svc, err := New(cfg, WithExtensionRegistry(registry))
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(2*time.Second))

	require.Len(t, events, 4)
	loads := events[:2]
	unloads := events[2:]

	// Unload order is the reverse of load order, whatever order the map
	// iteration produced.
	assert.Equal(t, "unload:"+loads[1][len("load:"):], unloads[0])
	assert.Equal(t, "unload:"+loads[0][len("load:"):], unloads[1])
}

func TestServiceUnknownExtensionFailsStart(t *testing.T) {
	cfg := testConfig(18715)
	cfg.Extensions = config.ExtensionConfigs{
		"ghost": {Name: "ghost", Enabled: true},
	}

	svc, err := New(cfg)
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Equal(t, StatusStopped, svc.Status())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		logger := NewLogger(config.LoggingConfig{Level: level, Format: "text"})
		require.NotNil(t, logger, fmt.Sprintf("level %q", level))
	}
}

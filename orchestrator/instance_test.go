package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlpinAI/2ly-sub004/features/bus/inmem"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store/memory"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

func newTestInstance(st store.Store, b *inmem.Bus, id string, ready, lost *atomic.Int32) *Instance {
	return newInstance(instanceConfig{
		id:        id,
		meta:      store.RuntimeMetadata{Hostname: "host-" + id},
		store:     st,
		bus:       b,
		logger:    telemetry.NewNoopLogger(),
		debounce:  10 * time.Millisecond,
		configTTL: time.Minute,
		callbacks: instanceCallbacks{
			onReady: func(*Instance) { ready.Add(1) },
			onLost:  func(*Instance) { lost.Add(1) },
		},
	})
}

func TestInstancePlannedStopIsNotALoss(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b := inmem.New()
	seedRuntime(t, st, "r1", store.RuntimeInactive)
	var ready, lost atomic.Int32
	inst := newTestInstance(st, b, "r1", &ready, &lost)

	require.Equal(t, StateInitializing, inst.State())
	require.NoError(t, inst.Start(ctx))
	require.Equal(t, StateStarted, inst.State())
	require.EqualValues(t, 1, ready.Load())

	require.NoError(t, inst.Stop(ctx))
	require.NoError(t, inst.Stop(ctx))
	require.Equal(t, StateStopped, inst.State())

	// The heartbeat stream ends, but after the planned stop.
	b.ExpireHeartbeat("r1")
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, lost.Load())
	require.Equal(t, store.RuntimeActive, runtimeStatus(t, st, "r1"))
}

func TestInstanceHeartbeatEndIsALoss(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b := inmem.New()
	seedRuntime(t, st, "r1", store.RuntimeInactive)
	var ready, lost atomic.Int32
	inst := newTestInstance(st, b, "r1", &ready, &lost)
	require.NoError(t, inst.Start(ctx))

	b.ExpireHeartbeat("r1")
	require.Eventually(t, func() bool { return lost.Load() == 1 }, waitFor, tick)
	require.Equal(t, StateStopped, inst.State())

	// The owner disconnects the lost instance.
	require.NoError(t, inst.Disconnect(ctx))
	require.Equal(t, store.RuntimeInactive, runtimeStatus(t, st, "r1"))
	require.EqualValues(t, 1, lost.Load())
}

func TestInstancePushesDesiredConfig(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b := inmem.New()
	seedRuntime(t, st, "r1", store.RuntimeInactive)
	require.NoError(t, st.SetRoots(ctx, "r1", []store.Root{{Name: "home", URI: "file:///home"}}))
	_, err := st.SaveMCPServer(ctx, store.MCPServer{
		ID:              "fs",
		Name:            "filesystem",
		Transport:       store.TransportStdio,
		Command:         "npx",
		Args:            []string{"-y", "server-filesystem"},
		ExecutionTarget: store.TargetEdge,
		RuntimeID:       "r1",
	})
	require.NoError(t, err)
	_, err = st.SaveMCPServer(ctx, store.MCPServer{ID: "remote", ExecutionTarget: store.TargetAgent})
	require.NoError(t, err)

	var ready, lost atomic.Int32
	inst := newTestInstance(st, b, "r1", &ready, &lost)
	require.NoError(t, inst.Start(ctx))
	defer func() { _ = inst.Stop(ctx) }()

	latest := func() protocol.DesiredConfig {
		msg, ok := b.Retained(protocol.ConfigTopic("r1"))
		if !ok {
			return protocol.DesiredConfig{}
		}
		cfg, err := protocol.Decode[protocol.DesiredConfig](msg, protocol.MessageTypeDesiredConfig)
		require.NoError(t, err)
		return cfg
	}
	require.Eventually(t, func() bool { return latest().RuntimeID == "r1" }, waitFor, tick)
	cfg := latest()
	require.Equal(t, []protocol.Root{{Name: "home", URI: "file:///home"}}, cfg.Roots)
	require.Len(t, cfg.MCPServers, 1)
	require.Equal(t, "fs", cfg.MCPServers[0].ID)
	require.Equal(t, "STDIO", cfg.MCPServers[0].Transport)

	require.NoError(t, st.SetRoots(ctx, "r1", []store.Root{{Name: "work", URI: "file:///work"}}))
	require.Eventually(t, func() bool {
		roots := latest().Roots
		return len(roots) == 1 && roots[0].Name == "work"
	}, waitFor, tick)
}

func TestInstanceCoalescesConfigChanges(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b := inmem.New()
	seedRuntime(t, st, "r1", store.RuntimeInactive)
	inst := newInstance(instanceConfig{
		id:        "r1",
		store:     st,
		bus:       b,
		logger:    telemetry.NewNoopLogger(),
		debounce:  200 * time.Millisecond,
		configTTL: time.Minute,
	})
	require.NoError(t, inst.Start(ctx))
	defer func() { _ = inst.Stop(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.SetRoots(ctx, "r1", []store.Root{{Name: "root", URI: "file:///" + string(rune('a'+i))}}))
	}
	require.Eventually(t, func() bool {
		return len(b.Published(protocol.ConfigTopic("r1"))) > 0
	}, waitFor, tick)
	time.Sleep(300 * time.Millisecond)

	published := b.Published(protocol.ConfigTopic("r1"))
	require.Len(t, published, 1)
	cfg, err := protocol.Decode[protocol.DesiredConfig](published[0], protocol.MessageTypeDesiredConfig)
	require.NoError(t, err)
	require.Equal(t, "file:///e", cfg.Roots[0].URI)
}

func TestInstanceStartFailsForUnknownRuntime(t *testing.T) {
	var ready, lost atomic.Int32
	b := inmem.New()
	inst := newTestInstance(memory.New(), b, "ghost", &ready, &lost)
	require.ErrorIs(t, inst.Start(context.Background()), store.ErrNotFound)
	require.Equal(t, StateStopped, inst.State())
	require.Zero(t, ready.Load())
	require.Zero(t, b.HeartbeatSubscribers("ghost"))
}

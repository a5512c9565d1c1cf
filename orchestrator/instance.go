package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type (
	// Instance supervises one connected runtime: it persists its liveness,
	// watches its heartbeats, and pushes it its desired configuration.
	Instance struct {
		id        string
		connector string
		meta      store.RuntimeMetadata
		restored  bool
		store     store.Store
		bus       bus.Bus
		logger    telemetry.Logger
		debounce  time.Duration
		configTTL time.Duration
		callbacks instanceCallbacks

		state    atomic.Int32
		lastSeen atomic.Int64
		stopOnce sync.Once
		cancel   context.CancelFunc
		wg       sync.WaitGroup

		heartbeats bus.Subscription
		direct     bus.Subscription
	}

	// InstanceState is the lifecycle state of an Instance.
	InstanceState int32

	instanceCallbacks struct {
		// onReady runs synchronously once the instance has started.
		onReady func(*Instance)
		// onLost runs in its own goroutine when the heartbeat stream of a
		// started instance ends.
		onLost func(*Instance)
	}

	instanceConfig struct {
		id        string
		connector string
		meta      store.RuntimeMetadata
		restored  bool
		store     store.Store
		bus       bus.Bus
		logger    telemetry.Logger
		debounce  time.Duration
		configTTL time.Duration
		callbacks instanceCallbacks
	}
)

const (
	// StateInitializing is the state of an instance until Start has opened
	// its streams.
	StateInitializing InstanceState = iota
	// StateStarted is the state of a running instance. The end of its
	// heartbeat stream in this state is a loss.
	StateStarted
	// StateStopped is final. It is entered on Stop, on a failed Start, and
	// when the heartbeat stream of a started instance ends.
	StateStopped
)

func (s InstanceState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func newInstance(cfg instanceConfig) *Instance {
	return &Instance{
		id:        cfg.id,
		connector: cfg.connector,
		meta:      cfg.meta,
		restored:  cfg.restored,
		store:     cfg.store,
		bus:       cfg.bus,
		logger:    cfg.logger,
		debounce:  cfg.debounce,
		configTTL: cfg.configTTL,
		callbacks: cfg.callbacks,
	}
}

// ID returns the runtime ID.
func (i *Instance) ID() string { return i.id }

// Connector returns the ID of the connector whose handshake created the
// instance. It is empty for instances rebuilt from persisted state.
func (i *Instance) Connector() string { return i.connector }

// Metadata returns the process metadata announced by the runtime.
func (i *Instance) Metadata() store.RuntimeMetadata { return i.meta }

// Restored reports whether the instance was rebuilt from persisted state.
func (i *Instance) Restored() bool { return i.restored }

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState { return InstanceState(i.state.Load()) }

// LastSeen returns the time of the last heartbeat, or the zero time if none
// was received yet.
func (i *Instance) LastSeen() time.Time {
	ns := i.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start activates the runtime unless restored, opens its streams, and starts
// the supervision loops. On failure everything opened so far is released, the
// runtime is marked INACTIVE, and the error is returned.
func (i *Instance) Start(ctx context.Context) error {
	if !i.restored {
		if err := i.store.SetRuntimeActive(ctx, i.id, i.meta); err != nil {
			i.rollback(ctx)
			return fmt.Errorf("activate runtime %s: %w", i.id, err)
		}
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel

	roots, servers, err := i.open(ctx, loopCtx)
	if err != nil {
		i.rollback(ctx)
		return fmt.Errorf("start runtime %s: %w", i.id, err)
	}

	if !i.state.CompareAndSwap(int32(StateInitializing), int32(StateStarted)) {
		return fmt.Errorf("start runtime %s: instance already stopped", i.id)
	}
	if i.callbacks.onReady != nil {
		i.callbacks.onReady(i)
	}
	i.wg.Add(3)
	go i.watchHeartbeats(loopCtx)
	go i.drainDirect()
	go i.pushConfig(loopCtx, roots, servers)
	return nil
}

// rollback releases what a failed Start opened and marks the runtime
// INACTIVE.
func (i *Instance) rollback(ctx context.Context) {
	if err := i.Stop(ctx); err != nil {
		i.logger.Warn(ctx, "runtime rollback teardown failed", "runtime", i.id, "err", err)
	}
	if err := i.store.SetRuntimeInactive(ctx, i.id); err != nil {
		i.logger.Warn(ctx, "runtime rollback deactivation failed", "runtime", i.id, "err", err)
	}
}

func (i *Instance) open(ctx, loopCtx context.Context) (<-chan []store.Root, <-chan []*store.MCPServer, error) {
	var err error
	if i.heartbeats, err = i.bus.Heartbeats(ctx, i.id); err != nil {
		return nil, nil, fmt.Errorf("subscribe to heartbeats: %w", err)
	}
	if i.direct, err = i.bus.Subscribe(ctx, protocol.DirectTopic(i.id)); err != nil {
		return nil, nil, fmt.Errorf("subscribe to direct messages: %w", err)
	}
	roots, err := i.store.ObserveRoots(loopCtx, i.id)
	if err != nil {
		return nil, nil, fmt.Errorf("observe roots: %w", err)
	}
	servers, err := i.store.ObserveEdgeMCPServers(loopCtx, i.id)
	if err != nil {
		return nil, nil, fmt.Errorf("observe mcp servers: %w", err)
	}
	return roots, servers, nil
}

// Stop halts the instance without changing the persisted status. It is safe
// to call more than once.
func (i *Instance) Stop(ctx context.Context) error {
	var err error
	i.stopOnce.Do(func() {
		i.state.Store(int32(StateStopped))
		var errs []error
		if i.heartbeats != nil {
			errs = append(errs, i.heartbeats.Drain(ctx))
		}
		if i.direct != nil {
			errs = append(errs, i.direct.Drain(ctx))
		}
		if i.cancel != nil {
			i.cancel()
		}
		i.wg.Wait()
		err = errors.Join(errs...)
	})
	return err
}

// Disconnect stops the instance and marks the runtime INACTIVE.
func (i *Instance) Disconnect(ctx context.Context) error {
	stopErr := i.Stop(ctx)
	if err := i.store.SetRuntimeInactive(ctx, i.id); err != nil {
		return errors.Join(stopErr, fmt.Errorf("deactivate runtime %s: %w", i.id, err))
	}
	return stopErr
}

func (i *Instance) watchHeartbeats(ctx context.Context) {
	defer i.wg.Done()
	for msg := range i.heartbeats.Messages() {
		hb, err := protocol.Decode[protocol.Heartbeat](msg, protocol.MessageTypeHeartbeat)
		if err != nil {
			i.logger.Warn(ctx, "malformed heartbeat", "runtime", i.id, "err", err)
			continue
		}
		at := hb.At
		if at.IsZero() {
			at = time.Now()
		}
		i.lastSeen.Store(at.UnixNano())
		if err := i.store.TouchRuntime(ctx, i.id, at); err != nil && ctx.Err() == nil {
			i.logger.Warn(ctx, "record heartbeat failed", "runtime", i.id, "err", err)
		}
	}
	// A planned stop flips the state first; only an unplanned end gets here
	// while started.
	if i.state.CompareAndSwap(int32(StateStarted), int32(StateStopped)) && i.callbacks.onLost != nil {
		go i.callbacks.onLost(i)
	}
}

func (i *Instance) drainDirect() {
	defer i.wg.Done()
	for msg := range i.direct.Messages() {
		i.logger.Debug(context.Background(), "direct message", "runtime", i.id, "type", string(msg.Type), "id", msg.ID)
	}
}

func (i *Instance) pushConfig(ctx context.Context, roots <-chan []store.Root, servers <-chan []*store.MCPServer) {
	defer i.wg.Done()
	for cfg := range debounce(ctx, combineLatest(ctx, roots, servers), i.debounce) {
		msg, err := protocol.NewMessage(protocol.MessageTypeDesiredConfig, desiredConfig(i.id, cfg.first, cfg.second))
		if err != nil {
			i.logger.Error(ctx, "encode desired config failed", "runtime", i.id, "err", err)
			continue
		}
		if err := i.bus.PublishEphemeral(ctx, protocol.ConfigTopic(i.id), msg, i.configTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Warn(ctx, "publish desired config failed", "runtime", i.id, "err", err)
		}
	}
}

func desiredConfig(runtimeID string, roots []store.Root, servers []*store.MCPServer) protocol.DesiredConfig {
	cfg := protocol.DesiredConfig{
		RuntimeID:  runtimeID,
		Roots:      make([]protocol.Root, len(roots)),
		MCPServers: make([]protocol.MCPServerConfig, len(servers)),
	}
	for n, r := range roots {
		cfg.Roots[n] = protocol.Root{Name: r.Name, URI: r.URI}
	}
	for n, s := range servers {
		cfg.MCPServers[n] = protocol.MCPServerConfig{
			ID:        s.ID,
			Name:      s.Name,
			Transport: string(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
		}
	}
	return cfg
}

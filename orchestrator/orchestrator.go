// Package orchestrator is the control plane of the runtime fleet.
//
// It contains:
//
//   - Orchestrator (orchestrator.go): registry of connected runtimes, handshake
//     handling, rehydration after restart, and fleet reset
//   - Instance (instance.go): per-runtime supervision (heartbeats, desired
//     configuration push)
//   - Tool reconciliation (reconcile.go): applies tool announcements of MCP
//     servers to the store
//   - ToolCallMonitor (toolcall_monitor.go): correlates tool-call requests
//     with their responses, with timeout
//   - ToolsetPublisher (toolset_publisher.go): publishes toolset snapshots to
//     consumers
//   - Service (service.go): wires the components together and serves admin
//     commands
//
// All components talk to the outside world through the store.Store and
// bus.Bus gateways.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type (
	// Config configures an Orchestrator.
	Config struct {
		// Store is the persistence gateway. Required.
		Store store.Store
		// Bus is the message bus gateway. Required.
		Bus bus.Bus
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to a noop tracer.
		Tracer telemetry.Tracer
		// Debounce is the quiet period of the configuration pipelines.
		// Defaults to DefaultDebounce.
		Debounce time.Duration
		// ConfigTTL is how long a published desired configuration stays
		// available to late subscribers. Defaults to DefaultConfigTTL.
		ConfigTTL time.Duration
	}

	// Orchestrator tracks the connected runtimes. Instances are keyed by
	// runtime ID; all mutations of one key are serialized by a per-key lock,
	// and there is no process-wide lock on the registry.
	Orchestrator struct {
		store     store.Store
		bus       bus.Bus
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		debounce  time.Duration
		configTTL time.Duration

		instances sync.Map // runtime ID -> *Instance
		locks     *keyedMutex
		toolLocks *keyedMutex
		resetMu   sync.Mutex

		handshakeID string
		discovered  bus.Subscription
		wg          sync.WaitGroup
		closed      atomic.Bool
		malformed   rate.Sometimes
	}

	// RehydrateResult reports what Rehydrate did with each persisted-active
	// runtime.
	RehydrateResult struct {
		// Restored lists the runtimes rebuilt from persisted state.
		Restored []string
		// Deactivated lists the runtimes marked INACTIVE because they hold no
		// live heartbeat key.
		Deactivated []string
	}

	// ResetOption customizes Reset.
	ResetOption func(*resetOptions)

	resetOptions struct {
		schemaReset func(context.Context) error
		reason      string
	}
)

// DefaultConfigTTL is the default retention of desired configurations.
const DefaultConfigTTL = 5 * time.Minute

// Metric names.
const (
	metricRuntimesConnected    = "orchestrator.runtimes.connected"
	metricRuntimesDisconnected = "orchestrator.runtimes.disconnected"
	metricRuntimesActive       = "orchestrator.runtimes.active"
)

// WithSchemaReset runs fn after the bus stores are cleared and before the
// reconnect broadcast.
func WithSchemaReset(fn func(context.Context) error) ResetOption {
	return func(o *resetOptions) { o.schemaReset = fn }
}

// WithResetReason sets the reason carried by the reconnect broadcast.
func WithResetReason(reason string) ResetOption {
	return func(o *resetOptions) { o.reason = reason }
}

// New returns an orchestrator. Call Start to begin serving.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	o := &Orchestrator{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		debounce:  cfg.Debounce,
		configTTL: cfg.ConfigTTL,
		locks:     newKeyedMutex(),
		toolLocks: newKeyedMutex(),
		malformed: rate.Sometimes{Interval: 10 * time.Second},
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	if o.debounce <= 0 {
		o.debounce = DefaultDebounce
	}
	if o.configTTL <= 0 {
		o.configTTL = DefaultConfigTTL
	}
	return o, nil
}

// Start rehydrates the registry, then subscribes to runtime handshakes and
// tool announcements.
func (o *Orchestrator) Start(ctx context.Context) error {
	res, err := o.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	o.logger.Info(ctx, "registry rehydrated", "restored", len(res.Restored), "deactivated", len(res.Deactivated))

	id, err := o.bus.OnHandshake(protocol.RoleRuntime, o.handleHandshake)
	if err != nil {
		return fmt.Errorf("subscribe to runtime handshakes: %w", err)
	}
	o.handshakeID = id

	sub, err := o.bus.Subscribe(ctx, protocol.DiscoveredToolsTopic)
	if err != nil {
		o.bus.OffHandshake(protocol.RoleRuntime, id)
		return fmt.Errorf("subscribe to tool announcements: %w", err)
	}
	o.discovered = sub
	o.wg.Add(1)
	go o.consumeDiscovered(context.WithoutCancel(ctx), sub)
	return nil
}

// Rehydrate rebuilds instances for the runtimes that are persisted ACTIVE and
// still hold a live heartbeat key, and marks the others INACTIVE. Failures
// are logged per runtime and do not stop the others.
func (o *Orchestrator) Rehydrate(ctx context.Context) (RehydrateResult, error) {
	var res RehydrateResult
	active, err := o.store.FindActiveRuntimes(ctx)
	if err != nil {
		return res, fmt.Errorf("find active runtimes: %w", err)
	}
	keys, err := o.bus.HeartbeatKeys(ctx)
	if err != nil {
		return res, fmt.Errorf("list heartbeat keys: %w", err)
	}
	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		live[k] = struct{}{}
	}

	for _, rt := range active {
		if _, ok := live[rt.ID]; !ok {
			if err := o.store.SetRuntimeInactive(ctx, rt.ID); err != nil {
				o.logger.Error(ctx, "deactivate stale runtime failed", "runtime", rt.ID, "err", err)
				continue
			}
			res.Deactivated = append(res.Deactivated, rt.ID)
			continue
		}
		if o.restore(ctx, rt) {
			res.Restored = append(res.Restored, rt.ID)
		}
	}
	o.recordActive()
	return res, nil
}

func (o *Orchestrator) restore(ctx context.Context, rt *store.Runtime) bool {
	unlock := o.locks.Lock(rt.ID)
	defer unlock()
	if _, ok := o.load(rt.ID); ok {
		return false
	}
	inst := o.newInstance(rt.ID, "", store.RuntimeMetadata{
		ProcessID: rt.ProcessID,
		HostIP:    rt.HostIP,
		Hostname:  rt.Hostname,
	}, true)
	if err := inst.Start(ctx); err != nil {
		o.logger.Error(ctx, "restore runtime failed", "runtime", rt.ID, "err", err)
		return false
	}
	return true
}

// Reset disconnects every instance, clears the heartbeat and ephemeral
// stores, runs the schema reset hook if any, and broadcasts a reconnect
// instruction to all runtimes. Every step runs even if an earlier one
// failed; the errors are joined.
func (o *Orchestrator) Reset(ctx context.Context, opts ...ResetOption) error {
	ro := resetOptions{reason: "reset"}
	for _, opt := range opts {
		opt(&ro)
	}
	o.resetMu.Lock()
	defer o.resetMu.Unlock()

	var errs []error
	for _, inst := range o.Instances() {
		if err := o.remove(ctx, inst.ID(), nil, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.bus.ClearHeartbeatKeys(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear heartbeat keys: %w", err))
	}
	if err := o.bus.ClearEphemeralKeys(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear ephemeral keys: %w", err))
	}
	if ro.schemaReset != nil {
		if err := ro.schemaReset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reset schema: %w", err))
		}
	}
	msg, err := protocol.NewMessage(protocol.MessageTypeReconnect, protocol.Reconnect{Reason: ro.reason, At: time.Now().UTC()})
	if err == nil {
		err = o.bus.Publish(ctx, protocol.BroadcastTopic, msg)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("broadcast reconnect: %w", err))
	}
	o.recordActive()
	o.logger.Info(ctx, "fleet reset", "reason", ro.reason, "errors", len(errs))
	return errors.Join(errs...)
}

// Instances returns the registered instances sorted by runtime ID.
func (o *Orchestrator) Instances() []*Instance {
	var out []*Instance
	o.instances.Range(func(_, v any) bool {
		out = append(out, v.(*Instance))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Instance returns the registered instance of a runtime.
func (o *Orchestrator) Instance(runtimeID string) (*Instance, bool) {
	return o.load(runtimeID)
}

// Close stops handling handshakes and announcements and stops every instance
// without changing its persisted status, so that a restarted orchestrator can
// rehydrate them.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if o.handshakeID != "" {
		o.bus.OffHandshake(protocol.RoleRuntime, o.handshakeID)
	}
	var errs []error
	if o.discovered != nil {
		errs = append(errs, o.discovered.Drain(ctx))
	}
	o.wg.Wait()
	for _, inst := range o.Instances() {
		if err := o.remove(ctx, inst.ID(), nil, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) handleHandshake(ctx context.Context, ev bus.HandshakeEvent) {
	hs := ev.Handshake
	if hs.RuntimeID == "" {
		o.logger.Warn(ctx, "runtime handshake without runtime ID", "connector", hs.ConnectorID)
		return
	}
	if o.closed.Load() {
		return
	}
	switch ev.Kind {
	case bus.Connected:
		o.connect(ctx, hs)
	case bus.Disconnected:
		o.disconnect(ctx, hs)
	}
}

// disconnect deactivates the runtime if the departing connector is the one
// that created the registered instance. Departures of replaced connectors are
// ignored. Instances rebuilt from persisted state accept any connector of the
// runtime.
func (o *Orchestrator) disconnect(ctx context.Context, hs protocol.Handshake) {
	inst, ok := o.load(hs.RuntimeID)
	if !ok {
		return
	}
	if c := inst.Connector(); c != "" && c != hs.ConnectorID {
		o.logger.Debug(ctx, "ignoring departure of replaced connector", "runtime", hs.RuntimeID, "connector", hs.ConnectorID, "current", c)
		return
	}
	if err := o.remove(ctx, hs.RuntimeID, inst, true); err != nil {
		o.logger.Error(ctx, "disconnect runtime failed", "runtime", hs.RuntimeID, "err", err)
	}
}

// connect registers a new instance for the runtime. An existing instance is
// stopped and replaced; its persisted status is left to the new instance.
func (o *Orchestrator) connect(ctx context.Context, hs protocol.Handshake) {
	unlock := o.locks.Lock(hs.RuntimeID)
	defer unlock()

	if prev, ok := o.load(hs.RuntimeID); ok {
		o.logger.Info(ctx, "replacing runtime instance", "runtime", hs.RuntimeID)
		if err := prev.Stop(ctx); err != nil {
			o.logger.Warn(ctx, "stop replaced instance failed", "runtime", hs.RuntimeID, "err", err)
		}
		o.instances.CompareAndDelete(hs.RuntimeID, prev)
	}

	inst := o.newInstance(hs.RuntimeID, hs.ConnectorID, store.RuntimeMetadata{
		ProcessID: hs.ProcessID,
		HostIP:    hs.HostIP,
		Hostname:  hs.Hostname,
	}, false)
	if err := inst.Start(ctx); err != nil {
		o.logger.Error(ctx, "start runtime failed", "runtime", hs.RuntimeID, "err", err)
		o.recordActive()
		return
	}
	o.metrics.IncCounter(metricRuntimesConnected, 1)
	o.recordActive()
	o.logger.Info(ctx, "runtime connected", "runtime", hs.RuntimeID, "hostname", hs.Hostname)
}

// remove stops the registered instance of a runtime and deregisters it. When
// only is set, nothing happens unless it is the registered instance. When
// deactivate is set the runtime is marked INACTIVE.
func (o *Orchestrator) remove(ctx context.Context, runtimeID string, only *Instance, deactivate bool) error {
	unlock := o.locks.Lock(runtimeID)
	defer unlock()

	inst, ok := o.load(runtimeID)
	if !ok || (only != nil && inst != only) {
		return nil
	}
	var err error
	if deactivate {
		err = inst.Disconnect(ctx)
	} else {
		err = inst.Stop(ctx)
	}
	o.instances.CompareAndDelete(runtimeID, inst)
	if deactivate {
		o.metrics.IncCounter(metricRuntimesDisconnected, 1)
	}
	o.recordActive()
	return err
}

// lost handles the end of the heartbeat stream of a started instance.
func (o *Orchestrator) lost(inst *Instance) {
	ctx := context.Background()
	o.logger.Warn(ctx, "runtime heartbeat lost", "runtime", inst.ID())
	if err := o.remove(ctx, inst.ID(), inst, true); err != nil {
		o.logger.Error(ctx, "disconnect lost runtime failed", "runtime", inst.ID(), "err", err)
	}
}

func (o *Orchestrator) newInstance(id, connector string, meta store.RuntimeMetadata, restored bool) *Instance {
	return newInstance(instanceConfig{
		id:        id,
		connector: connector,
		meta:      meta,
		restored:  restored,
		store:     o.store,
		bus:       o.bus,
		logger:    o.logger,
		debounce:  o.debounce,
		configTTL: o.configTTL,
		callbacks: instanceCallbacks{
			// The caller of Start holds the key lock.
			onReady: func(inst *Instance) { o.instances.Store(inst.ID(), inst) },
			onLost:  o.lost,
		},
	})
}

func (o *Orchestrator) load(runtimeID string) (*Instance, bool) {
	v, ok := o.instances.Load(runtimeID)
	if !ok {
		return nil, false
	}
	return v.(*Instance), true
}

func (o *Orchestrator) recordActive() {
	n := 0
	o.instances.Range(func(_, _ any) bool {
		n++
		return true
	})
	o.metrics.RecordGauge(metricRuntimesActive, float64(n))
}

func (o *Orchestrator) warnMalformed(ctx context.Context, msg string, keyvals ...any) {
	o.malformed.Do(func() {
		o.logger.Warn(ctx, msg, keyvals...)
	})
}

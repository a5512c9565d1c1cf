package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type (
	// ToolsetPublisherConfig configures a ToolsetPublisher.
	ToolsetPublisherConfig struct {
		// Store is the persistence gateway. Required.
		Store store.Store
		// Bus is the message bus gateway. Required.
		Bus bus.Bus
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Debounce defaults to DefaultDebounce.
		Debounce time.Duration
		// TTL is the retention of published snapshots. Defaults to
		// DefaultConfigTTL.
		TTL time.Duration
	}

	// ToolsetPublisher keeps toolset consumers up to date: it republishes the
	// tool snapshot of every toolset after changes, and publishes a toolset
	// immediately when its consumer connects.
	ToolsetPublisher struct {
		store    store.Store
		bus      bus.Bus
		logger   telemetry.Logger
		debounce time.Duration
		ttl      time.Duration

		handshakeID string
		cancel      context.CancelFunc
		wg          sync.WaitGroup
		stopOnce    sync.Once
	}
)

// NewToolsetPublisher returns a publisher. Call Start to begin serving.
func NewToolsetPublisher(cfg ToolsetPublisherConfig) (*ToolsetPublisher, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	p := &ToolsetPublisher{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		ttl:      cfg.TTL,
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.debounce <= 0 {
		p.debounce = DefaultDebounce
	}
	if p.ttl <= 0 {
		p.ttl = DefaultConfigTTL
	}
	return p, nil
}

// Start observes the toolsets and subscribes to toolset handshakes.
func (p *ToolsetPublisher) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	toolsets, err := p.store.ObserveToolsets(loopCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("observe toolsets: %w", err)
	}
	id, err := p.bus.OnHandshake(protocol.RoleToolset, p.handleHandshake)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to toolset handshakes: %w", err)
	}
	p.handshakeID = id
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(loopCtx, toolsets)
	return nil
}

// Stop unsubscribes from handshakes and stops the publishing loop.
func (p *ToolsetPublisher) Stop(context.Context) error {
	p.stopOnce.Do(func() {
		if p.handshakeID != "" {
			p.bus.OffHandshake(protocol.RoleToolset, p.handshakeID)
		}
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
	return nil
}

func (p *ToolsetPublisher) run(ctx context.Context, toolsets <-chan []*store.Toolset) {
	defer p.wg.Done()
	for batch := range debounce(ctx, toolsets, p.debounce) {
		for _, ts := range batch {
			if err := p.publish(ctx, ts); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn(ctx, "publish toolset failed", "toolset", ts.ID, "err", err)
			}
		}
	}
}

func (p *ToolsetPublisher) handleHandshake(ctx context.Context, ev bus.HandshakeEvent) {
	if ev.Kind != bus.Connected {
		return
	}
	id := ev.Handshake.ToolsetID
	if id == "" {
		p.logger.Warn(ctx, "toolset handshake without toolset ID", "connector", ev.Handshake.ConnectorID)
		return
	}
	ts, err := p.store.GetToolset(ctx, id)
	if err != nil {
		p.logger.Error(ctx, "load toolset failed", "toolset", id, "err", err)
		return
	}
	if err := p.publish(ctx, ts); err != nil {
		p.logger.Error(ctx, "publish toolset failed", "toolset", id, "err", err)
	}
	if ts.WorkspaceID == "" {
		return
	}
	if err := p.store.RecordOnboardingStep(ctx, ts.WorkspaceID, store.OnboardingConnectToolset); err != nil {
		p.logger.Warn(ctx, "record onboarding step failed", "workspace", ts.WorkspaceID, "err", err)
	}
}

func (p *ToolsetPublisher) publish(ctx context.Context, ts *store.Toolset) error {
	msg, err := protocol.NewMessage(protocol.MessageTypeToolsetTools, toolsetTools(ts))
	if err != nil {
		return err
	}
	return p.bus.PublishEphemeral(ctx, protocol.ToolsetToolsTopic(ts.ID), msg, p.ttl)
}

// toolsetTools builds the snapshot of the ACTIVE members of a toolset.
func toolsetTools(ts *store.Toolset) protocol.ToolsetTools {
	active := ts.ActiveTools()
	out := protocol.ToolsetTools{
		ToolsetID: ts.ID,
		Tools:     make([]protocol.ToolDescriptor, len(active)),
	}
	for i, t := range active {
		out.Tools[i] = protocol.ToolDescriptor{
			ID:          t.ID,
			MCPServerID: t.MCPServerID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: t.Annotations,
		}
	}
	return out
}

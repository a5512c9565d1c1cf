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
	// ServiceConfig configures a Service.
	ServiceConfig struct {
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
		// Debounce is the quiet period of the reactive pipelines.
		Debounce time.Duration
		// ConfigTTL is the retention of desired configurations and toolset
		// snapshots.
		ConfigTTL time.Duration
		// ToolCallTimeout bounds the wait for tool-call responses.
		ToolCallTimeout time.Duration
	}

	// Service runs the orchestrator, the tool-call monitor, and the toolset
	// publisher against one store and one bus, and serves administrative
	// commands.
	Service struct {
		store   store.Store
		bus     bus.Bus
		logger  telemetry.Logger
		orch    *Orchestrator
		monitor *ToolCallMonitor
		toolset *ToolsetPublisher

		admin     bus.Subscription
		wg        sync.WaitGroup
		closeOnce sync.Once
	}
)

// NewService builds the components of the control plane.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	orch, err := New(Config{
		Store:     cfg.Store,
		Bus:       cfg.Bus,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Tracer:    cfg.Tracer,
		Debounce:  cfg.Debounce,
		ConfigTTL: cfg.ConfigTTL,
	})
	if err != nil {
		return nil, err
	}
	monitor, err := NewToolCallMonitor(ToolCallMonitorConfig{
		Store:   cfg.Store,
		Bus:     cfg.Bus,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Tracer:  cfg.Tracer,
		Timeout: cfg.ToolCallTimeout,
	})
	if err != nil {
		return nil, err
	}
	toolset, err := NewToolsetPublisher(ToolsetPublisherConfig{
		Store:    cfg.Store,
		Bus:      cfg.Bus,
		Logger:   cfg.Logger,
		Debounce: cfg.Debounce,
		TTL:      cfg.ConfigTTL,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		orch:    orch,
		monitor: monitor,
		toolset: toolset,
	}, nil
}

// Orchestrator returns the runtime orchestrator.
func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// Monitor returns the tool-call monitor.
func (s *Service) Monitor() *ToolCallMonitor { return s.monitor }

// Start starts every component, then listens for administrative commands.
// Components started before a failure are closed.
func (s *Service) Start(ctx context.Context) error {
	if err := s.orch.Start(ctx); err != nil {
		return errors.Join(err, s.orch.Close(ctx))
	}
	if err := s.monitor.Start(ctx); err != nil {
		return errors.Join(err, s.orch.Close(ctx))
	}
	if err := s.toolset.Start(ctx); err != nil {
		return errors.Join(err, s.monitor.Stop(ctx), s.orch.Close(ctx))
	}
	sub, err := s.bus.Subscribe(ctx, protocol.AdminTopic)
	if err != nil {
		err = fmt.Errorf("subscribe to admin commands: %w", err)
		return errors.Join(err, s.toolset.Stop(ctx), s.monitor.Stop(ctx), s.orch.Close(ctx))
	}
	s.admin = sub
	s.wg.Add(1)
	go s.serveAdmin(context.WithoutCancel(ctx), sub)
	s.logger.Info(ctx, "orchestrator service started")
	return nil
}

// Reset disconnects every runtime, clears the bus stores, resets the
// persistent schema, and tells every runtime to reconnect.
func (s *Service) Reset(ctx context.Context, reason string) error {
	return s.orch.Reset(ctx, WithSchemaReset(s.store.ResetSchema), WithResetReason(reason))
}

// Close stops every component. Runtimes keep their persisted status.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.admin != nil {
			errs = append(errs, s.admin.Drain(ctx))
		}
		s.wg.Wait()
		errs = append(errs,
			s.toolset.Stop(ctx),
			s.monitor.Stop(ctx),
			s.orch.Close(ctx),
		)
	})
	return errors.Join(errs...)
}

func (s *Service) serveAdmin(ctx context.Context, sub bus.Subscription) {
	defer s.wg.Done()
	for msg := range sub.Messages() {
		switch msg.Type {
		case protocol.MessageTypeAdminReset:
			cmd, err := protocol.Decode[protocol.AdminReset](msg, protocol.MessageTypeAdminReset)
			if err != nil {
				s.logger.Warn(ctx, "malformed admin command", "id", msg.ID, "err", err)
				continue
			}
			reason := "admin reset"
			if cmd.RequestedBy != "" {
				reason = "admin reset by " + cmd.RequestedBy
			}
			if err := s.Reset(ctx, reason); err != nil {
				s.logger.Error(ctx, "admin reset failed", "err", err)
			}
		default:
			s.logger.Warn(ctx, "unknown admin command", "id", msg.ID, "type", string(msg.Type))
		}
	}
}

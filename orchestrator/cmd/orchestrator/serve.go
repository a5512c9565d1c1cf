package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	pulsebus "github.com/AlpinAI/2ly-sub004/features/bus/pulse"
	"github.com/AlpinAI/2ly-sub004/orchestrator"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store/memory"
	mongostore "github.com/AlpinAI/2ly-sub004/orchestrator/store/mongo"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context(), rf)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

// backends holds the connections shared by the subcommands.
type backends struct {
	redis   *redis.Client
	mongo   *mongo.Client
	bus     *pulsebus.Bus
	store   store.Store
	pingers []health.Pinger
}

func openBackends(ctx context.Context, cfg *Config, logger telemetry.Logger) (*backends, error) {
	b := &backends{}
	b.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := b.redis.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("connect to redis: %w", err), b.close(ctx))
	}

	bus, err := pulsebus.New(ctx, pulsebus.Options{
		Redis:          b.redis,
		Name:           cfg.Name,
		HeartbeatTTL:   cfg.Bus.HeartbeatTTL,
		ReplyStreamTTL: cfg.Bus.ReplyStreamTTL,
		StreamMaxLen:   cfg.Bus.StreamMaxLen,
		Logger:         logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create bus: %w", err), b.close(ctx))
	}
	b.bus = bus
	b.pingers = append(b.pingers, bus)

	if cfg.Mongo.URI == "" {
		log.Info(ctx, log.KV{K: "msg", V: "no mongo.uri configured, using the in-memory store"})
		b.store = memory.New()
		return b, nil
	}
	b.mongo, err = mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("connect to mongo: %w", err), b.close(ctx))
	}
	st, err := mongostore.New(ctx, b.mongo.Database(cfg.Mongo.Database), mongostore.WithLogger(logger))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create mongo store: %w", err), b.close(ctx))
	}
	b.store = st
	b.pingers = append(b.pingers, st)
	return b, nil
}

func (b *backends) close(ctx context.Context) error {
	var errs []error
	if b.bus != nil {
		errs = append(errs, b.bus.Close(ctx))
	}
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc, err := orchestrator.NewService(orchestrator.ServiceConfig{
		Store:           be.store,
		Bus:             be.bus,
		Logger:          logger,
		Metrics:         telemetry.NewOTELMetrics(),
		Tracer:          telemetry.NewOTELTracer(),
		Debounce:        cfg.Orchestrator.Debounce,
		ConfigTTL:       cfg.Orchestrator.ConfigTTL,
		ToolCallTimeout: cfg.Orchestrator.ToolCallTimeout,
	})
	if err != nil {
		return errors.Join(err, be.close(context.WithoutCancel(ctx)))
	}
	if err := svc.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start service: %w", err), be.close(context.WithoutCancel(ctx)))
	}

	checker := health.NewChecker(be.pingers...)
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(checker))
	mux.Handle("/livez", health.Handler(checker))
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "admin server listening"}, log.KV{K: "addr", V: cfg.AdminAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	case serveErr = <-errc:
		log.Error(ctx, serveErr, log.KV{K: "msg", V: "admin server failed"})
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		svc.Close(shutdownCtx),
		be.close(shutdownCtx),
	)
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/AlpinAI/2ly-sub004/orchestrator"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type resetFlags struct {
	requestedBy string
	local       bool
}

func resetCmd(rf *rootFlags) *cobra.Command {
	var flags resetFlags
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the runtime fleet",
		Long: `Reset disconnects every runtime, clears the heartbeat and ephemeral keys,
resets the persistent schema, and tells every runtime to reconnect.

By default the command is sent to the running orchestrators over the bus.
With --local the reset runs in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context(), rf)
			if err != nil {
				return err
			}
			return reset(ctx, cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.requestedBy, "requested-by", "", "Operator recorded in the reconnect reason")
	cmd.Flags().BoolVar(&flags.local, "local", false, "Run the reset in this process instead of a running orchestrator")
	return cmd
}

func reset(ctx context.Context, cfg *Config, flags resetFlags) error {
	logger := telemetry.NewClueLogger()
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(context.WithoutCancel(ctx)); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close backends"})
		}
	}()

	if !flags.local {
		msg, err := protocol.NewMessage(protocol.MessageTypeAdminReset, protocol.AdminReset{RequestedBy: flags.requestedBy})
		if err != nil {
			return err
		}
		if err := be.bus.Publish(ctx, protocol.AdminTopic, msg); err != nil {
			return fmt.Errorf("send reset command: %w", err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "reset command sent"})
		return nil
	}

	svc, err := orchestrator.NewService(orchestrator.ServiceConfig{
		Store:  be.store,
		Bus:    be.bus,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	reason := "cli reset"
	if flags.requestedBy != "" {
		reason = "cli reset by " + flags.requestedBy
	}
	if err := svc.Reset(ctx, reason); err != nil {
		return errors.Join(fmt.Errorf("reset: %w", err), svc.Close(ctx))
	}
	log.Print(ctx, log.KV{K: "msg", V: "fleet reset"})
	return svc.Close(ctx)
}

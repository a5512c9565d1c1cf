// Command orchestrator runs the control plane of the runtime fleet.
//
// The orchestrator tracks the runtimes attached to the Redis bus, pushes
// each of them its desired configuration, reconciles announced tools, and
// records tool calls with their outcome.
//
// # Configuration
//
// Settings are read from built-in defaults, then from the YAML file given
// with --config, then from ORCHESTRATOR_* environment variables (for example
// ORCHESTRATOR_REDIS_ADDR or ORCHESTRATOR_MONGO_URI). Run
//
//	orchestrator config
//
// to print the effective configuration.
//
// # Example
//
//	ORCHESTRATOR_MONGO_URI=mongodb://localhost:27017 orchestrator serve
//	orchestrator reset --requested-by ops
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Runtime fleet control plane",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&rf.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "Enable debug logs")

	root.AddCommand(serveCmd(&rf))
	root.AddCommand(resetCmd(&rf))
	root.AddCommand(configCmd(&rf))
	return root
}

// setup loads the configuration and returns a context carrying the logger
// settings.
func setup(ctx context.Context, rf *rootFlags) (context.Context, *Config, error) {
	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		return ctx, nil, err
	}
	if rf.debug {
		cfg.Debug = true
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx, cfg, nil
}

func configCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rf.configPath)
			if err != nil {
				return err
			}
			if rf.debug {
				cfg.Debug = true
			}
			if cfg.Redis.Password != "" {
				cfg.Redis.Password = "********"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

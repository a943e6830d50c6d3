package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/graphflow/graph/checkpoint"
	"github.com/dshills/graphflow/graph/config"
	"github.com/dshills/graphflow/graph/store"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "graphctl",
		Short: "Operate graphflow workflows and checkpoints",
		Long: "graphctl validates graphflow configuration files, inspects the checkpoint\n" +
			"backend they select and runs a demo workflow end to end.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (.yaml, .yml or .toml); defaults apply when empty")

	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newCheckpointCmd(flags))
	root.AddCommand(newDemoCmd(flags))
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	if f.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(f.configPath)
}

// env bundles what most commands need: the configuration, a logger and the
// checkpoint manager over the configured backend.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *checkpoint.Manager
	store   store.Store
}

func (f *rootFlags) open() (*env, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	m, st, err := cfg.NewCheckpointManager(logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("checkpoint backend: %w", err)
	}
	return &env{cfg: cfg, logger: logger, manager: m, store: st}, nil
}

func (e *env) Close() error {
	_ = e.logger.Sync()
	return e.store.Close()
}

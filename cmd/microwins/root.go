package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"microwins/internal/config"
)

type rootOptions struct {
	configPath string
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "microwins",
		Short:         "Break goals into small daily steps",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "developer mode: console logs, verbose errors")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newGoalCmd(),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadConfig(o.configPath, o.dev)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ignoreCanceled treats shutdown via context as success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

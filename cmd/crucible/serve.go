package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher daemon",
	Long: `Run the dispatcher daemon.

The daemon takes the single-instance lock, discovers the libvirt domains
of the host, then follows libvirt lifecycle events until interrupted.
Metrics are served on the configured listen address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("starting", "version", version, "config", configPath)
		return daemon.Run(ctx, cfg, logger)
	},
}

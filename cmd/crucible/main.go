package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/logging"
)

const defaultConfigPath = "/etc/crucible/config.yaml"

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - libvirt VM dispatcher",
	Long: `Crucible coordinates lifecycle operations on the libvirt VMs of one host.

It tracks the state of every VM from libvirt events, admits concurrent
operations only when they are compatible and keeps the VM directory
listing that the daemon resumes from after a restart.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration file. A missing file at the default
// location means the built-in defaults.
func loadConfig() (*config.DaemonConfig, error) {
	cfg, err := config.LoadFromFile(configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && configPath == defaultConfigPath:
		cfg = config.DefaultConfig()
	default:
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.DaemonConfig) (logr.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create logger: %w", err)
	}
	return logger.WithName("crucible"), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crucible %s (commit: %s)\n", version, commit)
	},
}

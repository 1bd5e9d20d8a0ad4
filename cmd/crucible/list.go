package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/internal/daemon"
	"github.com/jbweber/crucible/internal/output"
	"github.com/jbweber/crucible/internal/vm"
)

var (
	outputFormat string
	noHeaders    bool
)

func init() {
	for _, cmd := range []*cobra.Command{listCmd, getCmd} {
		cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "output format: table, yaml or json (default: table on a terminal, json otherwise)")
		cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit the table header")
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List the libvirt VMs of this host with their dispatcher state.

Output formats:
  -o table  Human-readable table
  -o yaml   One YAML document per VM
  -o json   JSON array`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		rows, err := snapshot(cmd.Context())
		if err != nil {
			return err
		}

		result, err := formatter.FormatVMList(rows)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <vm-name>",
	Short: "Get details about a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		rows, err := snapshot(cmd.Context())
		if err != nil {
			return err
		}

		for _, row := range rows {
			if row.Name != args[0] {
				continue
			}
			result, err := formatter.FormatVM(row)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		}
		return fmt.Errorf("vm %q not found", args[0])
	},
}

func newFormatter() (output.Formatter, error) {
	format := output.DefaultFormat(os.Stdout)
	if outputFormat != "" {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return nil, err
		}
		format = output.Format(outputFormat)
	}
	return output.NewFormatter(output.Options{Format: format, NoHeaders: noHeaders})
}

func snapshot(ctx context.Context) ([]vm.Row, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rows, err := daemon.Snapshot(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	return rows, nil
}

// Package cmd provides the CLI commands for Railscope.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/railscope/railscope/pkg/version"
)

// Flags shared by all subcommands. The log level from the flag wins over the
// configured one; newApp resolves the final value.
var (
	configFlag   string
	logLevelFlag string
)

// NewRootCmd creates the root command for the railscope CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "railscope",
		Short: "Codebase-aware retrieval engine for Rails applications",
		Long: `Railscope serves retrieval over a pre-extracted Rails codebase:
hybrid vector, keyword, and graph search assembled into budget-bounded
context bundles, with an operator control plane for indexing, validation,
and repair.

The extraction tree is produced by the upstream extractor; point OUTPUT_DIR
(or --config) at it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("railscope version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configFlag, "config", "railscope.yaml",
		"Path to the configuration file")
	cmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error (overrides config and LOG_LEVEL)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDiagnoseCmd())
	cmd.AddCommand(newRepairCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

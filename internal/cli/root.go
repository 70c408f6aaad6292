package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // optional YAML file
	Database string // overrides db_path from the config
	Metrics  bool   // report pipeline counters with send and flush results

	// Environ replaces the process environment for config loading (for testing).
	Environ map[string]string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pulse CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - durable event tracking pipeline",
		Long: `Track self-describing events into a durable SQLite queue and deliver them
to a collector, retrying across restarts until they are acknowledged.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite queue database (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.Metrics, "metrics", false, "include pipeline counters in send and flush results")

	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	*RootOptions
	Endpoint string
	Timeout  time.Duration
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver events left in the queue by earlier runs",
		Long: `Run send cycles against the queue until it is empty, a cycle fails
entirely, or the timeout expires.

Example:
  pulse flush --db ./pulse.db --endpoint https://collector.example.com
  pulse flush --config pulse.yaml --timeout 10s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "collector URL (overrides config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultDrainTimeout, "how long to wait for delivery")

	return cmd
}

func runFlush(opts *FlushOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.RootOptions, cmd)
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	counter := &deliveryCounter{}
	metrics := newRunMetrics(opts.Metrics)
	p, err := buildPipeline(ctx, cfg, logger, counter, metrics)
	if err != nil {
		_ = out.Error(CodeConfig, err.Error(), nil)
		return err
	}

	before, err := p.Queue.Size(ctx)
	if err == nil {
		out.VerboseLog("flushing %d queued events to %s", before, cfg.Endpoint)
	}
	p.Emitter.Flush()

	res, err := drain(ctx, p, opts.Timeout, counter, metrics)
	if err != nil {
		_ = out.Error(CodeStorage, err.Error(), nil)
		return err
	}
	return report(out, res)
}

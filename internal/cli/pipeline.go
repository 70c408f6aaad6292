package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/config"
)

// DefaultDrainTimeout bounds how long send and flush wait for delivery.
const DefaultDrainTimeout = 30 * time.Second

// setupLogging installs a text handler on stderr, at debug level when
// verbose is set.
func setupLogging(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and environment, then applies the
// global flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config, opts.Environ)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// deliveryCounter accumulates per-cycle emitter callbacks.
type deliveryCounter struct {
	success atomic.Int64
	failure atomic.Int64
}

func (c *deliveryCounter) observe(success, failure int) {
	c.success.Add(int64(success))
	c.failure.Add(int64(failure))
}

// buildPipeline wires the pipeline with CLI logging, the delivery counter
// and, when metrics is non-nil, the in-process meter provider.
func buildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger, counter *deliveryCounter, metrics *runMetrics) (*config.Pipeline, error) {
	opts := append([]config.BuildOption{
		config.WithLogger(logger),
		config.WithCallback(counter.observe),
	}, metrics.buildOptions()...)
	p, err := config.Build(ctx, cfg, opts...)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to open pipeline", err)
	}
	return p, nil
}

// DeliveryResult summarizes a send or flush run.
type DeliveryResult struct {
	Tracked   int  `json:"tracked,omitempty"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"` // failed attempts; an event may fail more than once
	Pending   int  `json:"pending"`
	Drained   bool `json:"drained"`

	Interrupted bool `json:"interrupted,omitempty"`

	// Metrics holds counter totals keyed by name and kind when --metrics is set.
	Metrics map[string]int64 `json:"metrics,omitempty"`
}

func (r DeliveryResult) String() string {
	s := fmt.Sprintf("delivered %d, failed %d, pending %d", r.Delivered, r.Failed, r.Pending)
	if r.Tracked > 0 {
		s = fmt.Sprintf("tracked %d, %s", r.Tracked, s)
	}
	switch {
	case r.Interrupted:
		s += " (interrupted)"
	case !r.Drained:
		s += " (timed out)"
	}
	return s
}

// drain shuts the pipeline down within timeout and reports what is left
// in the queue. Cancelling ctx cuts the wait short: the in-flight send is
// abandoned and its events stay queued.
func drain(ctx context.Context, p *config.Pipeline, timeout time.Duration, counter *deliveryCounter, metrics *runMetrics) (DeliveryResult, error) {
	result := make(chan bool, 1)
	go func() { result <- p.Tracker.Shutdown(timeout) }()

	var drained, interrupted bool
	select {
	case drained = <-result:
	case <-ctx.Done():
		interrupted = true
		p.Tracker.Shutdown(0)
		drained = <-result
	}

	// ctx may already be cancelled by a signal.
	pending, sizeErr := p.Queue.Size(context.Background())
	closeErr := p.Store.Close()
	totals, metricsErr := metrics.collect(context.Background())
	if interrupted {
		drained = drained && pending == 0
	}

	res := DeliveryResult{
		Delivered:   int(counter.success.Load()),
		Failed:      int(counter.failure.Load()),
		Pending:     pending,
		Drained:     drained,
		Interrupted: interrupted,
		Metrics:     totals,
	}
	if metricsErr != nil {
		slog.Warn("metrics unavailable", "error", metricsErr)
	}
	if err := errors.Join(sizeErr, closeErr); err != nil {
		return res, WrapExitError(ExitCommandError, "failed to close queue", err)
	}
	return res, nil
}

// report writes res and turns leftover events into ExitFailure.
func report(out *OutputFormatter, res DeliveryResult) error {
	if err := out.Success(res); err != nil {
		return err
	}
	if res.Pending > 0 {
		return NewExitError(ExitFailure, "events remain queued for a later run")
	}
	if !res.Drained {
		return NewExitError(ExitFailure, "delivery did not finish before the timeout")
	}
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the durable event queue",
	}
	cmd.AddCommand(newQueueStatusCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	return cmd
}

// QueueStatus is the output of queue status.
type QueueStatus struct {
	Database string `json:"database"`
	Pending  int    `json:"pending"`
}

func (s QueueStatus) String() string {
	return fmt.Sprintf("%s: %d events pending", s.Database, s.Pending)
}

// PurgeResult is the output of queue purge.
type PurgeResult struct {
	Database string `json:"database"`
	Purged   int    `json:"purged"`
}

func (r PurgeResult) String() string {
	return fmt.Sprintf("%s: purged %d events", r.Database, r.Purged)
}

func newQueueStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many events are waiting for delivery",
		Example: `  pulse queue status --db ./pulse.db
  pulse queue status --config pulse.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd, func(h queueHandle) (any, error) {
				n, err := h.q.Size(cmd.Context())
				if err != nil {
					return nil, err
				}
				return QueueStatus{Database: h.cfg.DBPath, Pending: n}, nil
			})
		},
	}
}

func newQueuePurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short:         "Delete every queued event without sending it",
		Example:       `  pulse queue purge --db ./pulse.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd, func(h queueHandle) (any, error) {
				n, err := h.q.Purge(cmd.Context())
				if err != nil {
					return nil, err
				}
				return PurgeResult{Database: h.cfg.DBPath, Purged: n}, nil
			})
		},
	}
}

type queueHandle struct {
	cfg config.Config
	q   *queue.SQLQueue
}

// runQueue opens the queue without the delivery side and runs fn on it.
func runQueue(opts *RootOptions, cmd *cobra.Command, fn func(queueHandle) (any, error)) error {
	logger := setupLogging(opts, cmd)
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = out.Error(CodeConfig, err.Error(), nil)
		return err
	}

	st, q, err := config.OpenQueue(cfg, observe.NewLogObserver(logger))
	if err != nil {
		_ = out.Error(CodeStorage, err.Error(), cfg.DBPath)
		return WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	result, err := fn(queueHandle{cfg: cfg, q: q})
	if err != nil {
		_ = out.Error(CodeStorage, err.Error(), cfg.DBPath)
		return WrapExitError(ExitCommandError, "queue operation failed", err)
	}
	return out.Success(result)
}

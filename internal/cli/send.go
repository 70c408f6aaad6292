package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/tracker"
)

// maxLineSize bounds one NDJSON event line.
const maxLineSize = 1 << 20

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	File     string
	Endpoint string
	Timeout  time.Duration
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Track events from an NDJSON file and deliver them",
		Long: `Track self-describing events read from an NDJSON file, one event per line:

  {"schema":"iglu:com.acme/click/jsonschema/1-0-0","data":{"id":"b1"},"entities":[...],"ttm":1700000000000}

Events are enriched with session context, stored in the queue and sent to
the collector. Events not delivered before the timeout stay queued and are
sent by a later send or flush.

Example:
  pulse send --db ./pulse.db --endpoint https://collector.example.com --file events.ndjson
  cat events.ndjson | pulse send --config pulse.yaml --file -`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "NDJSON event file, - for stdin (required)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "collector URL (overrides config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultDrainTimeout, "how long to wait for delivery")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSend(opts *SendOptions, cmd *cobra.Command) error {
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

	// Parse everything first so a bad file queues nothing
	events, err := readEvents(cmd.InOrStdin(), opts.File)
	if err != nil {
		_ = out.Error(CodeInput, err.Error(), opts.File)
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	out.VerboseLog("read %d events from %s", len(events), opts.File)

	ctx, stop := signalContext(cmd)
	defer stop()

	counter := &deliveryCounter{}
	metrics := newRunMetrics(opts.Metrics)
	p, err := buildPipeline(ctx, cfg, logger, counter, metrics)
	if err != nil {
		_ = out.Error(CodeConfig, err.Error(), nil)
		return err
	}

	tracked := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			logger.Warn("interrupted, not tracking remaining events", "remaining", len(events)-tracked)
			break
		}
		if p.Tracker.Track(ev) != "" {
			tracked++
		}
	}

	res, err := drain(ctx, p, opts.Timeout, counter, metrics)
	if err != nil {
		_ = out.Error(CodeStorage, err.Error(), nil)
		return err
	}
	res.Tracked = tracked
	return report(out, res)
}

// eventLine is one NDJSON input record.
type eventLine struct {
	Schema        string         `json:"schema"`
	Data          map[string]any `json:"data"`
	Entities      []event.Entity `json:"entities,omitempty"`
	TrueTimestamp *int64         `json:"ttm,omitempty"` // milliseconds since epoch
}

func readEvents(stdin io.Reader, path string) ([]tracker.Event, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open event file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return parseEvents(r)
}

// parseEvents decodes NDJSON events, skipping blank lines.
func parseEvents(r io.Reader) ([]tracker.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var events []tracker.Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec eventLine
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if rec.Schema == "" {
			return nil, fmt.Errorf("line %d: schema is required", lineNo)
		}

		ev := tracker.Event{
			Schema:   rec.Schema,
			Data:     rec.Data,
			Entities: rec.Entities,
		}
		if rec.TrueTimestamp != nil {
			ts := time.UnixMilli(*rec.TrueTimestamp)
			ev.TrueTimestamp = &ts
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

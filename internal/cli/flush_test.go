package cli

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAMLConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFlush_DeliversQueuedEvents(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	opts.Config = writeYAMLConfig(t, "endpoint: "+srv.URL+"\nsend_limit: 2\n")
	seedQueue(t, opts, 5)

	out, err := execute(NewFlushCommand(opts), "--timeout", "5s")
	require.NoError(t, err)

	res := decodeResult[DeliveryResult](t, out)
	assert.Equal(t, DeliveryResult{Delivered: 5, Pending: 0, Drained: true}, res)
	assert.Len(t, c.all(), 5)
}

func TestFlush_ReportsMetrics(t *testing.T) {
	down, _ := newCollector(t, http.StatusServiceUnavailable)
	up, _ := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	opts.Metrics = true
	seedQueue(t, opts, 3)

	out, err := execute(NewFlushCommand(opts), "--endpoint", down.URL, "--timeout", "5s")
	require.Error(t, err)
	failed := decodeResult[DeliveryResult](t, out)
	assert.Positive(t, failed.Metrics["pulse.faults.transient"])
	assert.Zero(t, failed.Metrics["pulse.events.delivered"])

	out, err = execute(NewFlushCommand(opts), "--endpoint", up.URL, "--timeout", "5s")
	require.NoError(t, err)
	res := decodeResult[DeliveryResult](t, out)
	assert.Equal(t, int64(3), res.Metrics["pulse.events.delivered"])
	assert.Zero(t, res.Metrics["pulse.faults.transient"])
}

func TestFlush_MetricsOffByDefault(t *testing.T) {
	srv, _ := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	seedQueue(t, opts, 1)

	out, err := execute(NewFlushCommand(opts), "--endpoint", srv.URL, "--timeout", "5s")
	require.NoError(t, err)
	assert.NotContains(t, out, `"metrics"`)
}

func TestFlush_EmptyQueue(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	opts.Format = "text"

	out, err := execute(NewFlushCommand(opts), "--endpoint", srv.URL, "--timeout", "5s")
	require.NoError(t, err)
	assert.Equal(t, "delivered 0, failed 0, pending 0\n", out)
	assert.Empty(t, c.all())
}

func TestFlush_RejectedEventsDroppedAfterBudget(t *testing.T) {
	srv, c := newCollector(t, http.StatusBadRequest)
	opts := testRootOptions(t)
	opts.Environ = map[string]string{"PULSE_MAX_REJECTIONS": "1"}
	seedQueue(t, opts, 2)

	out, err := execute(NewFlushCommand(opts), "--endpoint", srv.URL, "--timeout", "5s")
	require.NoError(t, err)

	res := decodeResult[DeliveryResult](t, out)
	assert.Zero(t, res.Delivered)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Pending, "rejected events are dropped once the budget is spent")
	assert.Empty(t, c.all())
}

package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
)

func seedQueue(t *testing.T, opts *RootOptions, n int) {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = opts.Database

	st, q, err := config.OpenQueue(cfg, observe.Nop{})
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < n; i++ {
		p := event.NewPayload()
		p.Add(event.KeyEvent, event.EventUnstructured)
		p.Add(event.KeyEventID, "seed")
		_, err := q.Add(context.Background(), p)
		require.NoError(t, err)
	}
}

func TestQueueStatus(t *testing.T) {
	opts := testRootOptions(t)
	seedQueue(t, opts, 3)

	out, err := execute(NewQueueCommand(opts), "status")
	require.NoError(t, err)

	status := decodeResult[QueueStatus](t, out)
	assert.Equal(t, QueueStatus{Database: opts.Database, Pending: 3}, status)
}

func TestQueuePurge(t *testing.T) {
	opts := testRootOptions(t)
	opts.Format = "text"
	seedQueue(t, opts, 2)

	out, err := execute(NewQueueCommand(opts), "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 2 events")

	out, err = execute(NewQueueCommand(opts), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "0 events pending")
}

func TestQueue_BadConfigFile(t *testing.T) {
	opts := testRootOptions(t)
	opts.Config = writeYAMLConfig(t, "overflow: sideways\n")

	_, err := execute(NewQueueCommand(opts), "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

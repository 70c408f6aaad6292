package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/transport"
)

// collector is a fake collector that records POSTed payloads and answers
// with a settable status.
type collector struct {
	mu       sync.Mutex
	payloads []map[string]string
	status   atomic.Int32
}

func newCollector(t *testing.T, status int) (*httptest.Server, *collector) {
	t.Helper()
	c := &collector{}
	c.status.Store(int32(status))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != transport.PostPath {
			http.NotFound(w, r)
			return
		}
		code := int(c.status.Load())
		if code < 300 {
			var body struct {
				Data []map[string]string `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			c.mu.Lock()
			c.payloads = append(c.payloads, body.Data...)
			c.mu.Unlock()
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func (c *collector) all() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func writeEvents(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func testRootOptions(t *testing.T) *RootOptions {
	t.Helper()
	return &RootOptions{
		Format:   "json",
		Database: filepath.Join(t.TempDir(), "pulse.db"),
		Environ:  map[string]string{},
	}
}

// execute runs cmd and returns stdout; logs go to a separate buffer.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeResult[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	return resp.Data
}

const clickSchema = "iglu:com.acme/click/jsonschema/1-0-0"

func TestSend_DeliversEvents(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	file := writeEvents(t,
		`{"schema":"`+clickSchema+`","data":{"id":"a"}}`,
		``,
		`{"schema":"`+clickSchema+`","data":{"id":"b"},"ttm":1700000000000}`,
		`{"schema":"`+clickSchema+`","data":{"id":"c"},"entities":[{"schema":"iglu:com.acme/user/jsonschema/1-0-0","data":{"tier":"gold"}}]}`,
	)

	out, err := execute(NewSendCommand(opts), "--file", file, "--endpoint", srv.URL, "--timeout", "5s")
	require.NoError(t, err)

	res := decodeResult[DeliveryResult](t, out)
	assert.Equal(t, DeliveryResult{Tracked: 3, Delivered: 3, Pending: 0, Drained: true}, res)

	payloads := c.all()
	require.Len(t, payloads, 3)
	ttm := 0
	for _, p := range payloads {
		assert.Equal(t, "ue", p["e"])
		assert.NotEmpty(t, p["ue_px"], "events are base64 encoded by default")
		assert.NotEmpty(t, p["cx"], "session context is attached")
		assert.NotEmpty(t, p["stm"])
		if p["ttm"] == "1700000000000" {
			ttm++
		}
	}
	assert.Equal(t, 1, ttm)
}

func TestSend_UndeliveredEventsStayQueued(t *testing.T) {
	down, _ := newCollector(t, http.StatusServiceUnavailable)
	up, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	file := writeEvents(t,
		`{"schema":"`+clickSchema+`","data":{"id":"a"}}`,
		`{"schema":"`+clickSchema+`","data":{"id":"b"}}`,
	)

	out, err := execute(NewSendCommand(opts), "--file", file, "--endpoint", down.URL, "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	res := decodeResult[DeliveryResult](t, out)
	assert.Equal(t, 2, res.Tracked)
	assert.Zero(t, res.Delivered)
	assert.Positive(t, res.Failed)
	assert.Equal(t, 2, res.Pending)

	// A later run picks them up
	out, err = execute(NewQueueCommand(opts), "status")
	require.NoError(t, err)
	assert.Equal(t, 2, decodeResult[QueueStatus](t, out).Pending)

	out, err = execute(NewFlushCommand(opts), "--endpoint", up.URL, "--timeout", "5s")
	require.NoError(t, err)
	flushed := decodeResult[DeliveryResult](t, out)
	assert.Equal(t, 2, flushed.Delivered)
	assert.Zero(t, flushed.Pending)
	assert.Len(t, c.all(), 2)
}

func TestSend_InterruptStopsWaiting(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	opts := testRootOptions(t)
	file := writeEvents(t, `{"schema":"`+clickSchema+`","data":{"id":"a"}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := NewSendCommand(opts)
	cmd.SetContext(ctx)

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		out, err := execute(cmd, "--file", file, "--endpoint", srv.URL, "--timeout", "30s")
		done <- outcome{out, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("collector never received a request")
	}
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("send kept waiting after interrupt")
	}
	assert.Less(t, time.Since(start), 10*time.Second)

	require.Error(t, got.err)
	assert.Equal(t, ExitFailure, GetExitCode(got.err))

	res := decodeResult[DeliveryResult](t, got.out)
	assert.True(t, res.Interrupted)
	assert.False(t, res.Drained)
	assert.Equal(t, 1, res.Tracked)
	assert.Equal(t, 1, res.Pending)
}

func TestSend_BadInputQueuesNothing(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	file := writeEvents(t,
		`{"schema":"`+clickSchema+`","data":{}}`,
		`{"data":{"id":"no schema"}}`,
	)

	out, err := execute(NewSendCommand(opts), "--file", file, "--endpoint", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "line 2: schema is required")

	_, statErr := os.Stat(opts.Database)
	assert.True(t, os.IsNotExist(statErr), "database should not be created")
	assert.Empty(t, c.all())
}

func TestSend_RequiresEndpoint(t *testing.T) {
	opts := testRootOptions(t)
	file := writeEvents(t, `{"schema":"`+clickSchema+`","data":{}}`)

	_, err := execute(NewSendCommand(opts), "--file", file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSend_EndpointFromEnvironment(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	opts := testRootOptions(t)
	opts.Environ = map[string]string{"PULSE_ENDPOINT": srv.URL, "PULSE_BASE64": "false"}
	file := writeEvents(t, `{"schema":"`+clickSchema+`","data":{"id":"a"}}`)

	_, err := execute(NewSendCommand(opts), "--file", file, "--timeout", "5s")
	require.NoError(t, err)

	payloads := c.all()
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0]["ue_pr"], clickSchema)
}

func TestSend_MissingFileFlag(t *testing.T) {
	_, err := execute(NewSendCommand(testRootOptions(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "file")
}

func TestParseEvents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{"empty", "", 0, ""},
		{"blank lines", "\n  \n", 0, ""},
		{"two events", `{"schema":"s1","data":{"a":1}}` + "\n" + `{"schema":"s2"}`, 2, ""},
		{"missing schema", `{"data":{}}`, 0, "line 1: schema is required"},
		{"unknown field", `{"schema":"s","extra":true}`, 0, "line 1"},
		{"invalid json", `{"schema":"s"}` + "\n" + `{oops`, 0, "line 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := parseEvents(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestParseEvents_Fields(t *testing.T) {
	input := `{"schema":"s","data":{"k":"v"},"ttm":1700000000123,"entities":[{"schema":"e","data":{"x":1}}]}`

	events, err := parseEvents(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "s", ev.Schema)
	assert.Equal(t, map[string]any{"k": "v"}, ev.Data)
	require.NotNil(t, ev.TrueTimestamp)
	assert.Equal(t, time.UnixMilli(1700000000123), *ev.TrueTimestamp)
	require.Len(t, ev.Entities, 1)
	assert.Equal(t, "e", ev.Entities[0].Schema)
}

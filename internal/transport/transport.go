// Package transport delivers emitter requests to a collector over HTTP.
//
// GET requests carry one event in the query string of the pixel endpoint.
// POST requests carry a payload_data envelope holding every event of the
// batch. Requests of one Send call are dispatched concurrently, bounded by
// the configured concurrency, and the results are returned in input order.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/pulse/internal/event"
)

const (
	// GetPath is the collector endpoint for single-event GET requests.
	GetPath = "/i"

	// PostPath is the collector endpoint for batched POST requests.
	PostPath = "/com.snowplowanalytics.snowplow/tp2"

	// DefaultConcurrency bounds in-flight requests per Send call.
	DefaultConcurrency = 4

	// DefaultTimeout bounds one request round trip.
	DefaultTimeout = 30 * time.Second
)

// HTTPTransport sends requests to one collector endpoint.
type HTTPTransport struct {
	endpoint    *url.URL
	client      *http.Client
	concurrency int
	logger      *slog.Logger
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithClient sets the HTTP client. The client's own timeout applies.
func WithClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithConcurrency bounds how many requests run at once. Values < 1 mean 1.
func WithConcurrency(n int) Option {
	return func(t *HTTPTransport) {
		t.concurrency = max(n, 1)
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.client = &http.Client{Timeout: d}
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *HTTPTransport) {
		if l != nil {
			t.logger = l.With("component", "transport")
		}
	}
}

// New creates a transport for the collector at endpoint. A bare host such
// as "collector.example.com" is treated as https.
func New(endpoint string, opts ...Option) (*HTTPTransport, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	t := &HTTPTransport{
		endpoint:    u,
		client:      &http.Client{Timeout: DefaultTimeout},
		concurrency: DefaultConcurrency,
		logger:      slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("transport: empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// Endpoint returns the collector base URL.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint.String()
}

// Send dispatches every request and returns exactly one result per request,
// in input order. A request that could not be built or got no response has
// StatusCode 0; any 2xx status is a success.
func (t *HTTPTransport) Send(ctx context.Context, requests []event.Request) []event.DeliveryResult {
	results := make([]event.DeliveryResult, len(requests))

	g := new(errgroup.Group)
	g.SetLimit(t.concurrency)
	for i, req := range requests {
		g.Go(func() error {
			results[i] = t.send(ctx, req)
			return nil
		})
	}
	_ = g.Wait() // send never returns an error

	return results
}

func (t *HTTPTransport) send(ctx context.Context, req event.Request) event.DeliveryResult {
	result := event.DeliveryResult{
		EventIDs:  req.EventIDs,
		Oversized: req.Oversized,
	}

	httpReq, err := t.build(ctx, req)
	if err != nil {
		t.logger.Error("failed to build request", "event_ids", req.EventIDs, "error", err)
		return result
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Warn("request failed", "event_ids", req.EventIDs, "error", err)
		return result
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Success {
		t.logger.Warn("collector rejected request",
			"event_ids", req.EventIDs,
			"status", resp.StatusCode,
		)
	}
	return result
}

func (t *HTTPTransport) build(ctx context.Context, req event.Request) (*http.Request, error) {
	u := *t.endpoint

	switch req.Method {
	case event.MethodGet:
		if len(req.Payloads) != 1 {
			return nil, fmt.Errorf("get request needs exactly one payload, got %d", len(req.Payloads))
		}
		u.Path += GetPath
		u.RawQuery = req.Payloads[0].QueryString()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)

	case event.MethodPost:
		body, err := PostBody(req.Payloads)
		if err != nil {
			return nil, err
		}
		u.Path += PostPath
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
		return httpReq, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

// PostBody encodes payloads as a payload_data envelope.
func PostBody(payloads []*event.Payload) ([]byte, error) {
	if payloads == nil {
		payloads = []*event.Payload{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event.Envelope{Schema: event.SchemaPayloadData, Data: payloads}); err != nil {
		return nil, fmt.Errorf("encode post body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

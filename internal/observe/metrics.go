package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for pipeline metrics.
const MeterName = "github.com/roach88/pulse"

// MetricsObserver records reports as OpenTelemetry counters:
//   - pulse.events{kind, op}: events per outcome
//   - pulse.faults{kind, op}: report occurrences for every non-delivered kind
type MetricsObserver struct {
	events metric.Int64Counter
	faults metric.Int64Counter
}

// NewMetricsObserver creates counters on the given meter provider.
// A nil provider uses the global provider.
func NewMetricsObserver(mp metric.MeterProvider) (*MetricsObserver, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)

	events, err := meter.Int64Counter("pulse.events",
		metric.WithDescription("Events by pipeline outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}

	faults, err := meter.Int64Counter("pulse.faults",
		metric.WithDescription("Fault reports by kind"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create faults counter: %w", err)
	}

	return &MetricsObserver{events: events, faults: faults}, nil
}

// Observe adds r.Count to the events counter and, for failures, one to the
// faults counter.
func (o *MetricsObserver) Observe(ctx context.Context, r Report) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(r.Kind)),
		attribute.String("op", r.Op),
	)
	if r.Count > 0 {
		o.events.Add(ctx, int64(r.Count), attrs)
	}
	if r.Kind != KindDelivered {
		o.faults.Add(ctx, 1, attrs)
	}
}

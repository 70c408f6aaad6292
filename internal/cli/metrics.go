package cli

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/pulse/internal/config"
)

// runMetrics collects the pipeline counters in process for --metrics.
// A nil *runMetrics leaves metrics off.
type runMetrics struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

func newRunMetrics(enabled bool) *runMetrics {
	if !enabled {
		return nil
	}
	reader := sdkmetric.NewManualReader()
	return &runMetrics{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

func (m *runMetrics) buildOptions() []config.BuildOption {
	if m == nil {
		return nil
	}
	return []config.BuildOption{config.WithMeterProvider(m.provider)}
}

// collect sums every counter by name and kind, e.g. "pulse.events.delivered",
// then shuts the provider down.
func (m *runMetrics) collect(ctx context.Context) (map[string]int64, error) {
	if m == nil {
		return nil, nil
	}
	defer func() { _ = m.provider.Shutdown(ctx) }()

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				key := md.Name
				if v, ok := dp.Attributes.Value(attribute.Key("kind")); ok {
					key += "." + v.AsString()
				}
				totals[key] += dp.Value
			}
		}
	}
	return totals, nil
}

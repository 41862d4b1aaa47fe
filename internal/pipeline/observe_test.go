package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kman0001/tubesync-plex/internal/telemetry"
)

// TestApplyEmitsSpanAndCounter verifies that one apply produces exactly one
// span with the status attributes and one increment of the apply counter.
func TestApplyEmitsSpanAndCounter(t *testing.T) {
	spanExporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanExporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(noop.NewMeterProvider())
	})

	p, _, _, video, sidecar := newFixture(t, ModeScan, Policy{}, true)

	res := p.Apply(t.Context(), video, sidecar)
	require.Equal(t, StatusOK, res.Status)

	spans := spanExporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "tubesync.apply", span.Name)

	attrs := make(map[string]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value
	}
	assert.Equal(t, video, attrs[telemetry.ApplyVideoKey].AsString())
	assert.Equal(t, "ok", attrs[telemetry.ApplyStatusKey].AsString())
	assert.Equal(t, "scan", attrs[telemetry.ApplyModeKey].AsString())
	assert.True(t, attrs[telemetry.ApplyAppliedKey].AsBool())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var sum *metricdata.Sum[int64]
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == "tubesync_apply_total" {
				s, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
				require.True(t, ok, "apply counter has unexpected data type")
				sum = &s
			}
		}
	}
	require.NotNil(t, sum, "apply counter not recorded")
	require.Len(t, sum.DataPoints, 1)
	dp := sum.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)

	status, ok := dp.Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, "ok", status.AsString())

	mode, ok := dp.Attributes.Value(attribute.Key("mode"))
	require.True(t, ok)
	assert.Equal(t, "scan", mode.AsString())
}

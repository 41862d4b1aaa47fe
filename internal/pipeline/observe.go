package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kman0001/tubesync-plex/internal/telemetry"
)

// emitApplyObs records one finished apply on the current span and the
// apply counter. Providers are resolved at call time, never cached at
// init.
func emitApplyObs(ctx context.Context, video string, mode Mode, res Result) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.ApplyAttributes(video, string(res.Status), res.Applied)...)
	span.SetAttributes(attribute.String(telemetry.ApplyModeKey, mode.String()))
	if res.Status == StatusFail {
		span.SetStatus(codes.Error, res.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	meter := otel.GetMeterProvider().Meter("tubesync.pipeline")
	applyTotal, _ := meter.Int64Counter("tubesync_apply_total",
		metric.WithDescription("Apply pipeline invocations by final status"))
	applyTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("mode", mode.String()),
	))
}

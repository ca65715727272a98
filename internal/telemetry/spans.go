package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codingbuddy"

// StartRunSpan starts a span around one engine run.
func StartRunSpan(ctx context.Context, sessionID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("run.mode", mode),
		),
	)
}

// StartAutopilotSpan starts a span around an autopilot run.
func StartAutopilotSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "autopilot",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sentry-webhooks"

// StartDispatchSpan starts a span covering one event's fan-out.
func StartDispatchSpan(ctx context.Context, projectID, groupID, eventID string, urls int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "webhooks.dispatch",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("group.id", groupID),
			attribute.String("event.id", eventID),
			attribute.Int("webhooks.url_count", urls),
		),
	)
}

// StartDeliverySpan starts a span for a single webhook URL.
func StartDeliverySpan(ctx context.Context, deliveryID, host string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "webhooks.deliver",
		trace.WithAttributes(
			attribute.String("delivery.id", deliveryID),
			attribute.String("server.address", host),
		),
	)
}

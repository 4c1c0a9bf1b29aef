package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sentry-webhooks"

// Metrics holds the dispatcher's metric instruments.
type Metrics struct {
	EventsProcessed metric.Int64Counter
	Delivered       metric.Int64Counter
	Failed          metric.Int64Counter
	Rejected        metric.Int64Counter
	Suppressed      metric.Int64Counter
	DeliveryTime    metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates all metric instruments on mp.
func NewMetricsFrom(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsProcessed, err = meter.Int64Counter("webhooks.events.processed",
		metric.WithDescription("Events that passed the novelty and configuration gates"))
	if err != nil {
		return nil, err
	}

	m.Delivered, err = meter.Int64Counter("webhooks.deliveries.succeeded",
		metric.WithDescription("Webhook POSTs answered with a 2xx status"))
	if err != nil {
		return nil, err
	}

	m.Failed, err = meter.Int64Counter("webhooks.deliveries.failed",
		metric.WithDescription("Webhook POSTs that failed in transport or returned a non-2xx status"))
	if err != nil {
		return nil, err
	}

	m.Rejected, err = meter.Int64Counter("webhooks.urls.rejected",
		metric.WithDescription("Webhook URLs rejected by the disallowed network check"))
	if err != nil {
		return nil, err
	}

	m.Suppressed, err = meter.Int64Counter("webhooks.urls.suppressed",
		metric.WithDescription("Webhook URLs skipped because their circuit breaker is open"))
	if err != nil {
		return nil, err
	}

	m.DeliveryTime, err = meter.Float64Histogram("webhooks.delivery.duration_seconds",
		metric.WithDescription("Webhook POST duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

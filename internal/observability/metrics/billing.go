package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
)

// BillingMetrics counts the outcomes of the webhook pipeline and the
// background sweeps.
type BillingMetrics struct {
	eventsProcessed metric.Int64Counter
	eventRetries    metric.Int64Counter
	dunningQueued   metric.Int64Counter
	driftsDetected  metric.Int64Counter
}

func NewBillingMetrics() (*BillingMetrics, error) {
	meter := otel.GetMeterProvider().Meter("aiaca/billing")

	eventsProcessed, err := meter.Int64Counter("billing.webhook.events_processed",
		metric.WithDescription("Webhook events by terminal status"),
	)
	if err != nil {
		return nil, err
	}
	eventRetries, err := meter.Int64Counter("billing.webhook.event_retries",
		metric.WithDescription("Webhook event redelivery attempts scheduled by the retry sweep"),
	)
	if err != nil {
		return nil, err
	}
	dunningQueued, err := meter.Int64Counter("billing.dunning.events_queued",
		metric.WithDescription("Dunning events created by the past-due sweep"),
	)
	if err != nil {
		return nil, err
	}
	driftsDetected, err := meter.Int64Counter("billing.reconciliation.drifts_detected",
		metric.WithDescription("Drift records created by the reconciliation pass"),
	)
	if err != nil {
		return nil, err
	}

	return &BillingMetrics{
		eventsProcessed: eventsProcessed,
		eventRetries:    eventRetries,
		dunningQueued:   dunningQueued,
		driftsDetected:  driftsDetected,
	}, nil
}

func (m *BillingMetrics) RecordEventProcessed(ctx context.Context, eventType, status string) {
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("event.status", status),
	))
}

func (m *BillingMetrics) RecordEventRetry(ctx context.Context, eventType string) {
	m.eventRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
	))
}

func (m *BillingMetrics) RecordDunningQueued(ctx context.Context, count int64) {
	m.dunningQueued.Add(ctx, count)
}

func (m *BillingMetrics) RecordDriftDetected(ctx context.Context, driftType string) {
	m.driftsDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("drift.type", driftType),
	))
}

var Module = fx.Module("metrics",
	fx.Provide(
		NewHTTPMetrics,
		NewBillingMetrics,
	),
)

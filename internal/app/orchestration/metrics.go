package orchestration

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tunedex/tunedex/internal/infra/eventbus/kafka"
)

// IngestionMetrics aggregates the metrics surfaces the ingest process wires
// up in one collector: broker traffic for the Kafka event bus and sync-run
// outcomes for the orchestrator.
type IngestionMetrics interface {
	kafka.EventBusMetrics
	RunMetrics
}

// RunMetrics tracks full sync run outcomes.
type RunMetrics interface {
	IncSyncRunStarted(ctx context.Context)
	IncSyncRunFinished(ctx context.Context, status string)
}

type ingestionMetrics struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Sync run metrics.
	syncRunsStarted  metric.Int64Counter
	syncRunsFinished metric.Int64Counter
}

const namespace = "ingest"

// NewIngestionMetrics creates the process-wide metrics collector.
func NewIngestionMetrics(mp metric.MeterProvider) (IngestionMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ingestionMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.syncRunsStarted, err = meter.Int64Counter(
		"sync_runs_started_total",
		metric.WithDescription("Total number of full sync runs started"),
	); err != nil {
		return nil, err
	}

	if m.syncRunsFinished, err = meter.Int64Counter(
		"sync_runs_finished_total",
		metric.WithDescription("Total number of full sync runs finished, by status"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ingestionMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncSyncRunStarted(ctx context.Context) {
	m.syncRunsStarted.Add(ctx, 1)
}

func (m *ingestionMetrics) IncSyncRunFinished(ctx context.Context, status string) {
	m.syncRunsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// noopRunMetrics keeps the orchestrator usable without a meter provider.
type noopRunMetrics struct{}

func (noopRunMetrics) IncSyncRunStarted(context.Context)          {}
func (noopRunMetrics) IncSyncRunFinished(context.Context, string) {}

package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type flusherMetrics struct {
	published   metric.Int64Counter
	failed      metric.Int64Counter
	quarantined metric.Int64Counter
	latency     metric.Float64Histogram
	queueDepth  metric.Int64Gauge
}

func newFlusherMetrics(provider metric.MeterProvider) (flusherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("creditors-agent.outbox.flusher")

	var (
		metrics flusherMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages confirmed by the broker and deleted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return flusherMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages released after a failed publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return flusherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.quarantined, err = meter.Int64Counter(
		"outbox.messages.quarantined",
		metric.WithDescription("Number of outbox messages parked as unpublishable"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return flusherMetrics{}, fmt.Errorf("create outbox.messages.quarantined counter: %w", err)
	}

	metrics.latency, err = meter.Float64Histogram(
		"outbox.flush.latency",
		metric.WithDescription("Time taken per flush pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return flusherMetrics{}, fmt.Errorf("create outbox.flush.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of queued outbox messages, quarantined ones included"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return flusherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}

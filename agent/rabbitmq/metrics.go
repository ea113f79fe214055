package rabbitmq

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func newConsumerCounter(provider metric.MeterProvider) (metric.Int64Counter, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter("creditors-agent.rabbitmq.consumer").Int64Counter(
		"consumer.deliveries.settled",
		metric.WithDescription("Number of deliveries settled, by action"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer.deliveries.settled counter: %w", err)
	}

	return counter, nil
}

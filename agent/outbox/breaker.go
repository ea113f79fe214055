package outbox

import (
	"context"
	"errors"

	"github.com/swaptacular/creditors-agent/agent/circuitbreaker"
	"github.com/swaptacular/creditors-agent/agent/model"
)

// BreakerPublisher stops calling publisher while breaker is open, so that a
// broker outage costs one fast failure per row instead of a timeout.
// Unroutable messages do not count against the broker.
func BreakerPublisher(publisher Publisher, breaker *circuitbreaker.Breaker) Publisher {
	return PublisherFunc(func(ctx context.Context, msg *model.OutboxMessage) error {
		return breaker.Execute(func() error {
			return publisher.Publish(ctx, msg)
		})
	})
}

// IsBrokerIndependent reports failures that say nothing about broker health.
func IsBrokerIndependent(err error) bool {
	return errors.Is(err, ErrUnroutable) || errors.Is(err, ErrEmptyPayload)
}

package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/protocol"
)

const (
	exchangeTypeTopic = "topic"
	// DeadLetterSuffix is appended to the queue name to form the name of
	// its dead-letter queue.
	DeadLetterSuffix = ".XQ"
)

// ErrQueueRequired is returned by DeclareTopology without a queue name.
var ErrQueueRequired = errors.New("rabbitmq: queue name is required")

// TopologyChannel is the part of *amqp.Channel used to declare the topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the queue consumed by this node and the routing patterns
// bound to it.
type Topology struct {
	Queue       string
	BindingKeys []string
}

// DeadLetterQueue returns the name of the queue receiving rejected
// deliveries.
func (t Topology) DeadLetterQueue() string {
	return t.Queue + DeadLetterSuffix
}

// DeadLetterArgs returns the declaration arguments that route rejected
// deliveries through the default exchange into the dead-letter queue.
func (t Topology) DeadLetterArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue(),
	}
}

// DeclareTopology declares the exchanges, the queue with its dead-letter
// queue, and binds the queue to creditors_in. Messages the agent sends to
// itself through ca.creditors reach the queue through the exchange binding.
// Declarations are idempotent.
func DeclareTopology(ch TopologyChannel, topo Topology) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	if topo.Queue == "" {
		return ErrQueueRequired
	}

	exchanges := []string{
		protocol.ExchangeCreditorsIn,
		protocol.ExchangeCreditorsOut,
		protocol.ExchangeToTrade,
		protocol.ExchangeCACreditors,
	}

	for _, name := range exchanges {
		if err := ch.ExchangeDeclare(name, exchangeTypeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	if err := ch.ExchangeBind(protocol.ExchangeCreditorsIn, "#", protocol.ExchangeCACreditors, false, nil); err != nil {
		return fmt.Errorf("bind exchange %s: %w", protocol.ExchangeCACreditors, err)
	}

	if _, err := ch.QueueDeclare(topo.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(topo.Queue, true, false, false, false, topo.DeadLetterArgs()); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range topo.BindingKeys {
		if err := ch.QueueBind(topo.Queue, key, protocol.ExchangeCreditorsIn, false, nil); err != nil {
			return fmt.Errorf("bind queue with %q: %w", key, err)
		}
	}

	return nil
}

package rabbitmq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/runtime"
)

var (
	ErrHandlerRequired = errors.New("rabbitmq: handler is required")
	// ErrDeliveriesClosed is returned by Run when the broker closed the
	// delivery stream, usually because the channel or connection died.
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")
)

// Action tells the consumer how to settle a delivery.
type Action int

const (
	// Ack removes the delivery from the queue.
	Ack Action = iota
	// Reject removes the delivery and dead-letters it.
	Reject
	// Requeue returns the delivery to the queue after a backoff.
	Requeue
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Delivery is the broker-independent view of a received message.
type Delivery struct {
	MessageID   string
	Type        string
	ContentType string
	Headers     map[string]any
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery.
type Handler interface {
	Handle(ctx context.Context, d Delivery) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) Action

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) Action { return f(ctx, d) }

// ConsumeChannel is the part of *amqp.Channel used by the consumer.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

const (
	defaultWorkers      = 1
	defaultPrefetch     = 1
	defaultRequeueDelay = time.Second
	maxRequeueDelay     = time.Minute
)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(tracer) {
			c.tracer = tracer
		}
	}
}

// WithWorkers sets the number of goroutines applying deliveries. Messages
// for one account always go to the same worker.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithPrefetch sets the broker prefetch count.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithRequeueDelay sets the base delay before a Requeue is settled.
// Consecutive requeues on one worker back off exponentially.
func WithRequeueDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.requeueDelay = d
		}
	}
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

func WithConsumerMeterProvider(provider metric.MeterProvider) ConsumerOption {
	return func(c *Consumer) {
		c.meterProvider = provider
	}
}

// Consumer reads a queue and fans deliveries out to workers.
type Consumer struct {
	ch            ConsumeChannel
	queue         string
	handler       Handler
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	workers       int
	prefetch      int
	requeueDelay  time.Duration
	tag           string

	settled metric.Int64Counter
}

// NewConsumer validates its arguments. Consuming starts with Run.
func NewConsumer(ch ConsumeChannel, queue string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if nilcheck.Interface(handler) {
		return nil, ErrHandlerRequired
	}

	c := &Consumer{
		ch:           ch,
		queue:        queue,
		handler:      handler,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("rabbitmq.consumer"),
		workers:      defaultWorkers,
		prefetch:     defaultPrefetch,
		requeueDelay: defaultRequeueDelay,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.tag == "" {
		c.tag = protocol.AppID + "-" + uuid.NewString()
	}

	if c.prefetch < c.workers {
		c.prefetch = c.workers
	}

	settled, err := newConsumerCounter(c.meterProvider)
	if err != nil {
		return nil, err
	}

	c.settled = settled

	return c, nil
}

// Run consumes until ctx is cancelled or the delivery stream ends. Buffered
// deliveries not yet handled at cancellation are requeued; a delivery being
// handled is allowed to finish.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consuming",
		log.String("queue", c.queue), log.Int("workers", c.workers), log.Int("prefetch", c.prefetch))

	queues := make([]chan amqp.Delivery, c.workers)

	var wg sync.WaitGroup

	for i := range queues {
		queues[i] = make(chan amqp.Delivery, c.prefetch)

		wg.Add(1)

		go func(id int, in <-chan amqp.Delivery) {
			defer wg.Done()
			defer runtime.RecoverAndLog(ctx, c.logger, "rabbitmq.consumer", "worker-"+strconv.Itoa(id))

			c.work(ctx, in)
		}(i, queues[i])
	}

	runErr := c.dispatch(ctx, deliveries, queues)

	for _, q := range queues {
		close(q)
	}

	wg.Wait()

	return runErr
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, queues []chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.tag, false); err != nil {
				c.logger.Log(ctx, log.LevelWarn, "failed to cancel consumer", log.Err(err))
			}

			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}

			queues[WorkerIndex(d.Headers, d.MessageId, len(queues))] <- d
		}
	}
}

func (c *Consumer) work(ctx context.Context, in <-chan amqp.Delivery) {
	consecutiveRequeues := 0

	for d := range in {
		if ctx.Err() != nil {
			c.settle(ctx, d, Requeue)
			continue
		}

		action := c.handle(ctx, d)

		if action == Requeue {
			delay := backoff.Jittered(c.requeueDelay, maxRequeueDelay, consecutiveRequeues)
			consecutiveRequeues++

			_ = backoff.WaitContext(ctx, delay)
		} else {
			consecutiveRequeues = 0
		}

		c.settle(ctx, d, action)
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) (action Action) {
	msgCtx := opentelemetry.ExtractQueueHeaders(context.WithoutCancel(ctx), d.Headers)

	msgCtx, span := c.tracer.Start(msgCtx, "rabbitmq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.queue),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.String("messaging.message.type", d.Type),
		))
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(msgCtx, c.logger, recovered, "rabbitmq.consumer", d.Type)
			action = Reject
		}
	}()

	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	return c.handler.Handle(msgCtx, Delivery{
		MessageID:   d.MessageId,
		Type:        d.Type,
		ContentType: d.ContentType,
		Headers:     headers,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	})
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, action Action) {
	var err error

	switch action {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}

	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to settle delivery",
			log.String("action", action.String()), log.String("message_id", d.MessageId), log.Err(err))

		return
	}

	c.settled.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.String("type", d.Type),
	))
}

// WorkerIndex picks the worker for a delivery from its creditor-id and
// debtor-id headers, so one account's messages are applied in arrival
// order. Deliveries without the headers are spread by message id.
func WorkerIndex(headers map[string]any, messageID string, workers int) int {
	if workers <= 1 {
		return 0
	}

	creditorID, okCreditor := headerInt64(headers, "creditor-id")
	debtorID, okDebtor := headerInt64(headers, "debtor-id")

	var sum uint64

	if okCreditor && okDebtor {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[:8], uint64(creditorID))
		binary.BigEndian.PutUint64(buf[8:], uint64(debtorID))
		sum = xxhash.Sum64(buf[:])
	} else {
		sum = xxhash.Sum64String(messageID)
	}

	return int(sum % uint64(workers))
}

func headerInt64(headers map[string]any, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

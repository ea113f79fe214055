package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/outbox"
	"github.com/swaptacular/creditors-agent/agent/protocol"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq: channel is required")
	ErrConfirmModeUnavailable = errors.New("rabbitmq: channel does not support confirm mode")
	ErrConfirmTimeout         = errors.New("rabbitmq: confirmation timed out")
	ErrPublisherClosed        = errors.New("rabbitmq: publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
	returnChannelBuffer  = 256
)

// ConfirmableChannel is the part of *amqp.Channel used by the publisher.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel after the current one closed.
type ChannelProvider func() (ConfirmableChannel, error)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithChannelProvider lets the publisher replace a closed channel on the
// next Publish call.
func WithChannelProvider(provider ChannelProvider) PublisherOption {
	return func(pub *Publisher) {
		pub.provider = provider
	}
}

// Publisher sends outbox rows with publisher confirms and the mandatory
// flag. A row the broker returns as unroutable fails with
// outbox.ErrUnroutable; a nack fails with outbox.ErrNacked.
//
// Publishes are serialized per instance, so confirmations arrive in publish
// order without delivery-tag bookkeeping. Run one publisher per flusher for
// parallelism.
type Publisher struct {
	logger         log.Logger
	confirmTimeout time.Duration
	provider       ChannelProvider

	publishMu sync.Mutex

	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closedCh chan struct{}
	shutdown bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher puts ch into confirm mode.
func NewPublisher(ch ConfirmableChannel, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	pub := &Publisher{
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := pub.attach(ch); err != nil {
		return nil, err
	}

	return pub, nil
}

func (pub *Publisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	returns := ch.NotifyReturn(make(chan amqp.Return, returnChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	closedCh := make(chan struct{})

	pub.mu.Lock()
	pub.ch = ch
	pub.confirms = confirms
	pub.returns = returns
	pub.closedCh = closedCh
	pub.mu.Unlock()

	go func() {
		amqpErr, ok := <-closeNotify
		if ok && amqpErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "publisher channel closed",
				log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
		}

		pub.detach(ch, closedCh)
	}()

	return nil
}

func (pub *Publisher) detach(ch ConfirmableChannel, closedCh chan struct{}) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.ch == ch {
		pub.ch = nil
	}

	select {
	case <-closedCh:
	default:
		close(closedCh)
	}
}

// current returns the live channel, opening a new one through the provider
// when the previous one closed.
func (pub *Publisher) current() (ConfirmableChannel, chan amqp.Confirmation, chan amqp.Return, chan struct{}, error) {
	pub.mu.Lock()
	shutdown, ch, provider := pub.shutdown, pub.ch, pub.provider
	pub.mu.Unlock()

	if shutdown {
		return nil, nil, nil, nil, ErrPublisherClosed
	}

	if ch == nil {
		if provider == nil {
			return nil, nil, nil, nil, ErrPublisherClosed
		}

		fresh, err := provider()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("reopen publisher channel: %w", err)
		}

		if err := pub.attach(fresh); err != nil {
			_ = fresh.Close()
			return nil, nil, nil, nil, err
		}

		pub.logger.Log(context.Background(), log.LevelInfo, "publisher channel reopened")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.ch == nil {
		return nil, nil, nil, nil, ErrPublisherClosed
	}

	return pub.ch, pub.confirms, pub.returns, pub.closedCh, nil
}

// Publish sends msg and waits for the broker's confirmation.
func (pub *Publisher) Publish(ctx context.Context, msg *model.OutboxMessage) error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	ch, confirms, returns, closedCh, err := pub.current()
	if err != nil {
		return err
	}

	headers := amqp.Table(protocol.Headers(msg))
	opentelemetry.InjectQueueHeaders(ctx, headers)

	messageID := protocol.MessageID(msg.DedupKey)

	publishing := amqp.Publishing{
		ContentType:  protocol.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Type:         string(msg.Kind),
		AppId:        protocol.AppID,
		Timestamp:    msg.InsertedAt,
		Headers:      headers,
		Body:         msg.Payload,
	}

	if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, true, false, publishing); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = pub.waitForConfirm(ctx, confirms, closedCh)
	if err != nil {
		if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A late confirmation would be read as the next message's.
			_ = ch.Close()
			pub.detach(ch, closedCh)
		}

		return err
	}

	// The broker sends basic.return before the basic.ack of the same
	// message, so a return is already buffered when the ack is read.
	for {
		select {
		case ret := <-returns:
			if ret.MessageId == messageID {
				return fmt.Errorf("%w: %s %d %s", outbox.ErrUnroutable, msg.Exchange, ret.ReplyCode, ret.ReplyText)
			}
		default:
			return nil
		}
	}
}

func (pub *Publisher) waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan struct{}) error {
	timeout := time.NewTimer(pub.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", outbox.ErrNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrPublisherClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the channel for good.
func (pub *Publisher) Close() error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	pub.shutdown = true
	ch := pub.ch
	pub.ch = nil
	pub.mu.Unlock()

	if ch == nil {
		return nil
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	return nil
}

//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/outbox"
	"github.com/swaptacular/creditors-agent/agent/protocol"
)

type brokerReply int

const (
	replyAck brokerReply = iota
	replyNack
	replyReturn
	replySilent
)

type fakeChannel struct {
	mu          sync.Mutex
	reply       brokerReply
	confirmErr  error
	publishErr  error
	confirms    chan amqp.Confirmation
	returns     chan amqp.Return
	closeNotify chan *amqp.Error
	published   []amqp.Publishing
	mandatory   []bool
	exchanges   []string
	keys        []string
	closed      bool
	tag         uint64
}

func newFakeChannel(reply brokerReply) *fakeChannel {
	return &fakeChannel{reply: reply}
}

func (f *fakeChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = c

	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.returns = c

	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeNotify = c

	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.tag++
	f.published = append(f.published, msg)
	f.mandatory = append(f.mandatory, mandatory)
	f.exchanges = append(f.exchanges, exchange)
	f.keys = append(f.keys, key)

	switch f.reply {
	case replyAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case replyNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case replyReturn:
		f.returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", MessageId: msg.MessageId}
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true
	close(f.closeNotify)

	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func testOutboxMessage(t *testing.T) *model.OutboxMessage {
	t.Helper()

	msg, err := protocol.Encode(&protocol.ConfigureAccount{
		Header:           protocol.Header{CreditorID: 1, DebtorID: 2},
		TS:               time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		NegligibleAmount: 1e30,
	}, time.Now())
	require.NoError(t, err)

	return msg
}

func TestNewPublisher_RequiresChannel(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(nil)
	assert.Nil(t, pub)
	assert.ErrorIs(t, err, ErrChannelRequired)
}

func TestNewPublisher_ConfirmModeUnavailable(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(replyAck)
	ch.confirmErr = errors.New("not supported")

	pub, err := NewPublisher(ch)
	assert.Nil(t, pub)
	assert.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestPublisher_PublishConfirmed(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(replyAck)
	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	msg := testOutboxMessage(t)
	require.NoError(t, pub.Publish(context.Background(), msg))

	require.Len(t, ch.published, 1)
	sent := ch.published[0]

	assert.True(t, ch.mandatory[0])
	assert.Equal(t, protocol.ExchangeCreditorsOut, ch.exchanges[0])
	assert.Equal(t, protocol.HexRoutingKey(2), ch.keys[0])
	assert.Equal(t, protocol.MessageID(msg.DedupKey), sent.MessageId)
	assert.Equal(t, string(model.KindConfigureAccount), sent.Type)
	assert.Equal(t, protocol.ContentTypeJSON, sent.ContentType)
	assert.Equal(t, amqp.Persistent, sent.DeliveryMode)
	assert.Equal(t, int64(1), sent.Headers["creditor-id"])
	assert.Equal(t, int64(2), sent.Headers["debtor-id"])
	assert.Equal(t, msg.Payload, sent.Body)
}

func TestPublisher_Nacked(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(newFakeChannel(replyNack))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testOutboxMessage(t))
	assert.ErrorIs(t, err, outbox.ErrNacked)
}

func TestPublisher_ReturnedIsUnroutable(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(newFakeChannel(replyReturn))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testOutboxMessage(t))
	assert.ErrorIs(t, err, outbox.ErrUnroutable)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(replyAck)
	ch.publishErr = errors.New("boom")

	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testOutboxMessage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPublisher_ConfirmTimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(replySilent)
	pub, err := NewPublisher(ch, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testOutboxMessage(t))
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, ch.isClosed())

	err = pub.Publish(context.Background(), testOutboxMessage(t))
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestPublisher_ReopensThroughProvider(t *testing.T) {
	t.Parallel()

	first := newFakeChannel(replySilent)
	second := newFakeChannel(replyAck)

	pub, err := NewPublisher(first,
		WithConfirmTimeout(20*time.Millisecond),
		WithChannelProvider(func() (ConfirmableChannel, error) { return second, nil }),
	)
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(context.Background(), testOutboxMessage(t)), ErrConfirmTimeout)
	require.NoError(t, pub.Publish(context.Background(), testOutboxMessage(t)))

	assert.Len(t, second.published, 1)
}

func TestPublisher_ContextCancelled(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(newFakeChannel(replySilent))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pub.Publish(ctx, testOutboxMessage(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(replyAck)
	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	assert.True(t, ch.isClosed())
	assert.ErrorIs(t, pub.Publish(context.Background(), testOutboxMessage(t)), ErrPublisherClosed)
	assert.NoError(t, pub.Close())
}

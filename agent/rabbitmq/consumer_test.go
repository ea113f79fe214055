//go:build unit

package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settled = append(a.settled, settlement{tag: tag, ack: true})

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() map[uint64]settlement {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]settlement, len(a.settled))
	for _, s := range a.settled {
		out[s.tag] = s
	}

	return out
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
	cancelled  chan string
}

func newFakeConsumeChannel() *fakeConsumeChannel {
	return &fakeConsumeChannel{
		deliveries: make(chan amqp.Delivery, 64),
		cancelled:  make(chan string, 1),
	}
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Cancel(consumer string, _ bool) error {
	f.cancelled <- consumer
	return nil
}

func delivery(ack amqp.Acknowledger, tag uint64, msgType string, creditorID, debtorID int64) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Type:         msgType,
		ContentType:  "application/json",
		Headers:      amqp.Table{"creditor-id": creditorID, "debtor-id": debtorID},
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	handler := HandlerFunc(func(context.Context, Delivery) Action { return Ack })

	_, err := NewConsumer(nil, "q", handler)
	assert.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewConsumer(newFakeConsumeChannel(), "", handler)
	assert.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewConsumer(newFakeConsumeChannel(), "q", nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)
}

func TestConsumer_SettlesByAction(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	ack := &fakeAcknowledger{}

	handler := HandlerFunc(func(_ context.Context, d Delivery) Action {
		switch d.Type {
		case "bad":
			return Reject
		case "busy":
			return Requeue
		case "explode":
			panic("handler bug")
		default:
			return Ack
		}
	})

	consumer, err := NewConsumer(ch, "q", handler, WithRequeueDelay(time.Millisecond), WithWorkers(2))
	require.NoError(t, err)

	ch.deliveries <- delivery(ack, 1, "AccountUpdate", 1, 1)
	ch.deliveries <- delivery(ack, 2, "bad", 1, 2)
	ch.deliveries <- delivery(ack, 3, "busy", 1, 3)
	ch.deliveries <- delivery(ack, 4, "explode", 1, 4)
	close(ch.deliveries)

	err = consumer.Run(context.Background())
	require.ErrorIs(t, err, ErrDeliveriesClosed)

	settled := ack.snapshot()
	require.Len(t, settled, 4)
	assert.Equal(t, settlement{tag: 1, ack: true}, settled[1])
	assert.Equal(t, settlement{tag: 2}, settled[2])
	assert.Equal(t, settlement{tag: 3, requeue: true}, settled[3])
	assert.Equal(t, settlement{tag: 4}, settled[4])
	assert.Equal(t, 2, ch.prefetch)
}

func TestConsumer_PreservesPerAccountOrder(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	ack := &fakeAcknowledger{}

	var (
		mu   sync.Mutex
		seen = map[int64][]int64{}
	)

	handler := HandlerFunc(func(_ context.Context, d Delivery) Action {
		debtorID := d.Headers["debtor-id"].(int64)

		mu.Lock()
		seen[debtorID] = append(seen[debtorID], d.Headers["seq"].(int64))
		mu.Unlock()

		return Ack
	})

	consumer, err := NewConsumer(ch, "q", handler, WithWorkers(4), WithPrefetch(16))
	require.NoError(t, err)

	var tag uint64
	for i := 0; i < 10; i++ {
		for debtor := int64(1); debtor <= 3; debtor++ {
			tag++
			d := delivery(ack, tag, "AccountUpdate", 7, debtor)
			d.Headers["seq"] = int64(i)
			ch.deliveries <- d
		}
	}
	close(ch.deliveries)

	require.ErrorIs(t, consumer.Run(context.Background()), ErrDeliveriesClosed)

	for debtor := int64(1); debtor <= 3; debtor++ {
		assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen[debtor])
	}

	assert.Len(t, ack.snapshot(), 30)
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ch := newFakeConsumeChannel()
	handler := HandlerFunc(func(context.Context, Delivery) Action { return Ack })

	consumer, err := NewConsumer(ch, "q", handler, WithConsumerTag("agent-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- consumer.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, "agent-1", <-ch.cancelled)
}

func TestWorkerIndex(t *testing.T) {
	t.Parallel()

	headers := map[string]any{"creditor-id": int64(5), "debtor-id": int64(9)}

	first := WorkerIndex(headers, "a", 8)
	assert.Equal(t, first, WorkerIndex(headers, "b", 8), "message id must not matter when headers are present")
	assert.Equal(t, first, WorkerIndex(map[string]any{"creditor-id": "5", "debtor-id": int32(9)}, "c", 8))
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)

	assert.Equal(t, 0, WorkerIndex(headers, "a", 1))
	assert.Equal(t, WorkerIndex(nil, "x", 8), WorkerIndex(nil, "x", 8))
}

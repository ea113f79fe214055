//go:build unit

package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/protocol"
)

type declared struct {
	kind string
	name string
	key  string
	src  string
	args amqp.Table
}

type fakeTopologyChannel struct {
	calls   []declared
	failOn  string
	failErr error
}

func (f *fakeTopologyChannel) fail(name string) error {
	if f.failOn == name {
		return f.failErr
	}

	return nil
}

func (f *fakeTopologyChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "exchange", name: name, args: args})
	return f.fail(name)
}

func (f *fakeTopologyChannel) ExchangeBind(destination, key, source string, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "exchange-bind", name: destination, key: key, src: source, args: args})
	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, declared{kind: "queue", name: name, args: args})
	return amqp.Queue{Name: name}, f.fail(name)
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "queue-bind", name: name, key: key, src: exchange, args: args})
	return nil
}

func TestDeclareTopology(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	topo := Topology{Queue: "swpt_creditors", BindingKeys: []string{"00.#", "01.#"}}

	require.NoError(t, DeclareTopology(ch, topo))

	assert.Equal(t, []declared{
		{kind: "exchange", name: protocol.ExchangeCreditorsIn},
		{kind: "exchange", name: protocol.ExchangeCreditorsOut},
		{kind: "exchange", name: protocol.ExchangeToTrade},
		{kind: "exchange", name: protocol.ExchangeCACreditors},
		{kind: "exchange-bind", name: protocol.ExchangeCreditorsIn, key: "#", src: protocol.ExchangeCACreditors},
		{kind: "queue", name: "swpt_creditors.XQ"},
		{kind: "queue", name: "swpt_creditors", args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": "swpt_creditors.XQ",
		}},
		{kind: "queue-bind", name: "swpt_creditors", key: "00.#", src: protocol.ExchangeCreditorsIn},
		{kind: "queue-bind", name: "swpt_creditors", key: "01.#", src: protocol.ExchangeCreditorsIn},
	}, ch.calls)
}

func TestDeclareTopology_Errors(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, DeclareTopology(nil, Topology{Queue: "q"}), ErrChannelRequired)
	assert.ErrorIs(t, DeclareTopology(&fakeTopologyChannel{}, Topology{}), ErrQueueRequired)

	boom := errors.New("access refused")
	ch := &fakeTopologyChannel{failOn: "q", failErr: boom}

	err := DeclareTopology(ch, Topology{Queue: "q"})
	assert.ErrorIs(t, err, boom)
}

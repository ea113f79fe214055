//go:build unit

package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/rabbitmq"
	"github.com/swaptacular/creditors-agent/agent/shard"
	"github.com/swaptacular/creditors-agent/agent/store"
	"github.com/swaptacular/creditors-agent/agent/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcedures struct {
	calls []string
	err   error
}

func (f *fakeProcedures) record(name string) error {
	f.calls = append(f.calls, name)

	return f.err
}

func (f *fakeProcedures) ProcessAccountUpdate(context.Context, *protocol.AccountUpdate) error {
	return f.record(protocol.TypeAccountUpdate)
}

func (f *fakeProcedures) ProcessAccountPurge(context.Context, *protocol.AccountPurge) error {
	return f.record(protocol.TypeAccountPurge)
}

func (f *fakeProcedures) ProcessRejectedConfig(context.Context, *protocol.RejectedConfig) error {
	return f.record(protocol.TypeRejectedConfig)
}

func (f *fakeProcedures) ProcessAccountTransfer(context.Context, *protocol.AccountTransfer) error {
	return f.record(protocol.TypeAccountTransfer)
}

func (f *fakeProcedures) ProcessRejectedTransfer(context.Context, *protocol.RejectedTransfer) error {
	return f.record(protocol.TypeRejectedTransfer)
}

func (f *fakeProcedures) ProcessPreparedTransfer(context.Context, *protocol.PreparedTransfer) error {
	return f.record(protocol.TypePreparedTransfer)
}

func (f *fakeProcedures) ProcessFinalizedTransfer(context.Context, *protocol.FinalizedTransfer) error {
	return f.record(protocol.TypeFinalizedTransfer)
}

type unknownMessage struct {
	protocol.Envelope
}

func (*unknownMessage) Type() string { return "Unknown" }

func TestNewProcessor_RequiresProcedures(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(nil)
	assert.ErrorIs(t, err, ErrProceduresRequired)

	var typed *procedures.Procedures

	_, err = NewProcessor(typed)
	assert.ErrorIs(t, err, ErrProceduresRequired)
}

func TestApply_RoutesEveryVariant(t *testing.T) {
	t.Parallel()

	procs := &fakeProcedures{}
	p, err := NewProcessor(procs)
	require.NoError(t, err)

	messages := []protocol.Message{
		&protocol.AccountUpdate{},
		&protocol.AccountPurge{},
		&protocol.RejectedConfig{},
		&protocol.AccountTransfer{},
		&protocol.RejectedTransfer{},
		&protocol.PreparedTransfer{},
		&protocol.FinalizedTransfer{},
	}

	for _, msg := range messages {
		require.NoError(t, p.Apply(context.Background(), msg))
	}

	assert.Equal(t, []string{
		protocol.TypeAccountUpdate,
		protocol.TypeAccountPurge,
		protocol.TypeRejectedConfig,
		protocol.TypeAccountTransfer,
		protocol.TypeRejectedTransfer,
		protocol.TypePreparedTransfer,
		protocol.TypeFinalizedTransfer,
	}, procs.calls)
}

func TestHandle_ErrorsToActions(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(map[string]any{
		"creditor_id":   1,
		"debtor_id":     2,
		"ts":            testNow,
		"creation_date": "2026-02-01",
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want rabbitmq.Action
	}{
		{name: "applied", err: nil, want: rabbitmq.Ack},
		{name: "foreign creditor", err: fmt.Errorf("check: %w", shard.ErrNotOwned), want: rabbitmq.Ack},
		{
			name: "invariant violation",
			err:  &procedures.InvariantViolation{Entity: "committed transfer", Detail: "conflicting duplicate"},
			want: rabbitmq.Reject,
		},
		{name: "serialization failure", err: fmt.Errorf("commit: %w", store.ErrTransient), want: rabbitmq.Requeue},
		{name: "cancelled", err: context.Canceled, want: rabbitmq.Requeue},
		{name: "unexpected", err: errors.New("connection reset"), want: rabbitmq.Requeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			procs := &fakeProcedures{err: tt.err}
			p, err := NewProcessor(procs)
			require.NoError(t, err)

			action := p.Handle(context.Background(), rabbitmq.Delivery{
				MessageID:   "m-1",
				Type:        protocol.TypeAccountPurge,
				ContentType: protocol.ContentTypeJSON,
				Body:        body,
			})

			assert.Equal(t, tt.want, action)
			assert.Equal(t, []string{protocol.TypeAccountPurge}, procs.calls)
		})
	}
}

func TestHandle_RejectsUndecodableDeliveries(t *testing.T) {
	t.Parallel()

	procs := &fakeProcedures{}
	p, err := NewProcessor(procs)
	require.NoError(t, err)

	deliveries := []rabbitmq.Delivery{
		{Type: "Bogus", ContentType: protocol.ContentTypeJSON, Body: []byte(`{}`)},
		{Type: protocol.TypeAccountPurge, ContentType: "text/plain", Body: []byte(`{}`)},
		{Type: protocol.TypeAccountPurge, ContentType: protocol.ContentTypeJSON, Body: []byte(`{"creditor_id":`)},
		{Type: protocol.TypeAccountPurge, ContentType: protocol.ContentTypeJSON, Body: []byte(`{"creditor_id":1}`)},
	}

	for _, d := range deliveries {
		assert.Equal(t, rabbitmq.Reject, p.Handle(context.Background(), d))
	}

	assert.Empty(t, procs.calls)

	err = p.Apply(context.Background(), &unknownMessage{})
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

// A redelivered AccountTransfer must not create a second transfer or a
// second log entry.
func TestHandle_DuplicateAccountTransfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := func() time.Time { return testNow }
	st := memory.New(memory.WithClock(clock))

	procs, err := procedures.New(st, procedures.WithClock(clock))
	require.NoError(t, err)

	c, err := procs.ReserveCreditor(ctx, 1)
	require.NoError(t, err)

	_, err = procs.ActivateCreditor(ctx, 1, *c.ReservationID)
	require.NoError(t, err)

	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	_, err = procs.CreateAccount(ctx, key)
	require.NoError(t, err)

	p, err := NewProcessor(procs)
	require.NoError(t, err)

	msg := &protocol.AccountTransfer{
		Envelope:               protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		TransferNumber:         1,
		CreationDate:           protocol.NewDate(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		CoordinatorType:        model.CoordinatorDirect,
		Sender:                 "sender",
		Recipient:              "recipient",
		AcquiredAmount:         100,
		CommittedAt:            testNow,
		Principal:              100,
		PreviousTransferNumber: 0,
	}

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	d := rabbitmq.Delivery{
		MessageID:   "m-1",
		Type:        protocol.TypeAccountTransfer,
		ContentType: protocol.ContentTypeJSON,
		Body:        body,
	}

	assert.Equal(t, rabbitmq.Ack, p.Handle(ctx, d))

	d.Redelivered = true
	assert.Equal(t, rabbitmq.Ack, p.Handle(ctx, d))

	assert.Len(t, st.CommittedTransfers(key), 1)

	var transferLogs int

	for _, e := range st.PendingLogEntries(1) {
		if e.ObjectType == model.ObjectCommittedTransfer {
			transferLogs++
		}
	}

	assert.Equal(t, 1, transferLogs)

	// Same coordinates, different content.
	msg.AcquiredAmount = 99
	body, err = json.Marshal(msg)
	require.NoError(t, err)

	d.Body = body
	assert.Equal(t, rabbitmq.Reject, p.Handle(ctx, d))
}

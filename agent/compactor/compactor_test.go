//go:build unit

package compactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/shard"
	"github.com/swaptacular/creditors-agent/agent/store/memory"
)

var (
	testNow          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testCreationDate = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

type env struct {
	store *memory.Store
	procs *procedures.Procedures
}

func newEnv(t *testing.T, opts ...procedures.Option) *env {
	t.Helper()

	clock := func() time.Time { return testNow }
	st := memory.New(memory.WithClock(clock))

	procs, err := procedures.New(st, append([]procedures.Option{procedures.WithClock(clock)}, opts...)...)
	require.NoError(t, err)

	return &env{store: st, procs: procs}
}

func (e *env) creditor(t *testing.T, creditorID int64) {
	t.Helper()

	ctx := context.Background()

	c, err := e.procs.ReserveCreditor(ctx, creditorID)
	require.NoError(t, err)

	_, err = e.procs.ActivateCreditor(ctx, creditorID, *c.ReservationID)
	require.NoError(t, err)
}

// account creates the account and confirms it with a server snapshot.
func (e *env) account(t *testing.T, key model.AccountKey) {
	t.Helper()

	ctx := context.Background()

	a, err := e.procs.CreateAccount(ctx, key)
	require.NoError(t, err)

	require.NoError(t, e.procs.ProcessAccountUpdate(ctx, &protocol.AccountUpdate{
		Envelope:                 protocol.Envelope{CreditorID: key.CreditorID, DebtorID: key.DebtorID, TS: testNow},
		CreationDate:             protocol.NewDate(testCreationDate),
		LastChangeTS:             testNow,
		LastChangeSeqnum:         1,
		LastInterestRateChangeTS: model.TS0,
		LastTransferCommittedAt:  model.TS0,
		LastConfigTS:             a.LastConfigTS,
		LastConfigSeqnum:         a.LastConfigSeqnum,
		NegligibleAmount:         float64(a.NegligibleAmount),
		ConfigFlags:              a.ConfigFlags,
		TTL:                      3600,
	}))
}

func (e *env) transfer(t *testing.T, key model.AccountKey, number, acquired, principal int64) {
	t.Helper()

	require.NoError(t, e.procs.ProcessAccountTransfer(context.Background(), &protocol.AccountTransfer{
		Envelope:               protocol.Envelope{CreditorID: key.CreditorID, DebtorID: key.DebtorID, TS: testNow},
		TransferNumber:         number,
		CreationDate:           protocol.NewDate(testCreationDate),
		CoordinatorType:        model.CoordinatorDirect,
		AcquiredAmount:         acquired,
		CommittedAt:            testNow,
		Principal:              principal,
		PreviousTransferNumber: number - 1,
	}))
}

func TestNewProcessors_Validation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	_, err := NewLogProcessor(nil, e.procs)
	assert.ErrorIs(t, err, ErrSourceRequired)

	_, err = NewLogProcessor(e.store, nil)
	assert.ErrorIs(t, err, ErrProceduresRequired)

	_, err = NewLedgerProcessor(nil, e.procs)
	assert.ErrorIs(t, err, ErrSourceRequired)

	p, err := NewLedgerProcessor(e.store, e.procs, WithWorkers(-3), WithWait(0))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), p.cfg)
}

func TestLedgerProcessor_RunningTotalsPerAccount(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	a := model.AccountKey{CreditorID: 1, DebtorID: 10}
	b := model.AccountKey{CreditorID: 1, DebtorID: 20}

	e.creditor(t, 1)
	e.account(t, a)
	e.account(t, b)

	e.transfer(t, a, 1, 10, 10)
	e.transfer(t, b, 1, 5, 5)
	e.transfer(t, a, 2, 11, 21)

	p, err := NewLedgerProcessor(e.store, e.procs, WithWorkers(4))
	require.NoError(t, err)

	n, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entriesA := e.store.LedgerEntries(a)
	require.Len(t, entriesA, 2)
	assert.Equal(t, int64(10), entriesA[0].Principal)
	assert.Equal(t, int64(21), entriesA[1].Principal)
	assert.Equal(t, int64(1), *entriesA[0].TransferNumber)
	assert.Equal(t, int64(2), *entriesA[1].TransferNumber)

	entriesB := e.store.LedgerEntries(b)
	require.Len(t, entriesB, 1)
	assert.Equal(t, int64(5), entriesB[0].Principal)

	storedA, _ := e.store.Account(a)
	assert.Equal(t, int64(21), storedA.LedgerPrincipal)
	assert.Equal(t, int64(2), storedA.LedgerLastTransferNumber)

	assert.False(t, e.store.HasPendingLedgerUpdate(a))
	assert.False(t, e.store.HasPendingLedgerUpdate(b))

	n, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerProcessor_DrainsBurstsOfOneAccount(t *testing.T) {
	t.Parallel()

	e := newEnv(t, procedures.WithConfig(procedures.Config{LedgerBurst: 2}))
	key := model.AccountKey{CreditorID: 1, DebtorID: 10}

	e.creditor(t, 1)
	e.account(t, key)

	var principal int64
	for n := int64(1); n <= 7; n++ {
		principal += 3
		e.transfer(t, key, n, 3, principal)
	}

	p, err := NewLedgerProcessor(e.store, e.procs)
	require.NoError(t, err)

	_, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)

	stored, _ := e.store.Account(key)
	assert.Equal(t, int64(7), stored.LedgerLastTransferNumber)
	assert.Equal(t, int64(21), stored.LedgerPrincipal)
	assert.Len(t, e.store.LedgerEntries(key), 7)
}

func TestLogProcessor_MovesPendingEntries(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		e.creditor(t, id)
		e.account(t, model.AccountKey{CreditorID: id, DebtorID: 10})
	}

	p, err := NewLogProcessor(e.store, e.procs, WithWorkers(2))
	require.NoError(t, err)

	n, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []int64{1, 2, 3} {
		assert.Empty(t, e.store.PendingLogEntries(id))

		entries := e.store.LogEntries(id)
		require.NotEmpty(t, entries)

		for i, entry := range entries[1:] {
			assert.Equal(t, entries[i].EntryID+1, entry.EntryID, "creditor %d", id)
		}
	}
}

// shardedProcs serves only creditors 100 to 199 over the rows of e.
func (e *env) shardedProcs(t *testing.T) *procedures.Procedures {
	t.Helper()

	procs, err := procedures.New(e.store,
		procedures.WithClock(func() time.Time { return testNow }),
		procedures.WithShard(shard.Range{Min: 100, Max: 200}),
	)
	require.NoError(t, err)

	return procs
}

func TestLogProcessor_DiscardsForeignCreditors(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3, 150} {
		e.creditor(t, id)
		e.account(t, model.AccountKey{CreditorID: id, DebtorID: 10})
		require.NotEmpty(t, e.store.PendingLogEntries(id))
	}

	p, err := NewLogProcessor(e.store, e.shardedProcs(t), WithConfig(Config{BatchSize: 2, Workers: 2}))
	require.NoError(t, err)

	for range 3 {
		_, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	for _, id := range []int64{1, 2, 3} {
		assert.Empty(t, e.store.PendingLogEntries(id), "creditor %d", id)
	}

	assert.Empty(t, e.store.PendingLogEntries(150))
	assert.NotEmpty(t, e.store.LogEntries(150))

	n, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is left to spin on")
}

func TestLedgerProcessor_DiscardsForeignAccounts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	owned := model.AccountKey{CreditorID: 150, DebtorID: 10}

	for _, id := range []int64{1, 2, 3} {
		e.creditor(t, id)
		e.account(t, model.AccountKey{CreditorID: id, DebtorID: 10})
	}

	e.creditor(t, owned.CreditorID)
	e.account(t, owned)
	e.transfer(t, owned, 1, 7, 7)

	p, err := NewLedgerProcessor(e.store, e.shardedProcs(t), WithConfig(Config{BatchSize: 2, Workers: 2}))
	require.NoError(t, err)

	for range 3 {
		_, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	for _, id := range []int64{1, 2, 3} {
		assert.False(t, e.store.HasPendingLedgerUpdate(model.AccountKey{CreditorID: id, DebtorID: 10}))
	}

	assert.False(t, e.store.HasPendingLedgerUpdate(owned))
	require.Len(t, e.store.LedgerEntries(owned), 1)
	assert.Equal(t, int64(7), e.store.LedgerEntries(owned)[0].Principal)
}

func TestDiscard_RefusesOwnedCreditors(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	procs := e.shardedProcs(t)

	_, err := procs.DiscardPendingLogEntries(context.Background(), 150)
	require.ErrorIs(t, err, procedures.ErrCreditorOwned)

	err = procs.DiscardPendingLedgerUpdate(context.Background(), model.AccountKey{CreditorID: 150, DebtorID: 1})
	require.ErrorIs(t, err, procedures.ErrCreditorOwned)
}

type fakeLedger struct {
	mu        sync.Mutex
	passes    map[model.AccountKey]int
	errFor    map[model.AccountKey]error
	discarded map[model.AccountKey]int
}

func (f *fakeLedger) DiscardPendingLedgerUpdate(_ context.Context, key model.AccountKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discarded[key]++

	return nil
}

func (f *fakeLedger) ProcessPendingLedgerUpdate(_ context.Context, key model.AccountKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errFor[key]; err != nil {
		return false, err
	}

	f.passes[key]++

	return f.passes[key] >= 2, nil
}

type staticSource []model.AccountKey

func (s staticSource) PendingLedgerUpdates(context.Context, int) ([]model.AccountKey, error) {
	return s, nil
}

func TestLedgerProcessor_Errors(t *testing.T) {
	t.Parallel()

	foreign := model.AccountKey{CreditorID: 7, DebtorID: 1}
	broken := model.AccountKey{CreditorID: 8, DebtorID: 1}
	fine := model.AccountKey{CreditorID: 9, DebtorID: 1}

	procs := &fakeLedger{
		passes:    map[model.AccountKey]int{},
		errFor:    map[model.AccountKey]error{foreign: shard.ErrNotOwned},
		discarded: map[model.AccountKey]int{},
	}

	p, err := NewLedgerProcessor(staticSource{foreign, fine}, procs)
	require.NoError(t, err)

	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err, "foreign accounts are discarded")
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, procs.passes[fine])
	assert.Equal(t, 1, procs.discarded[foreign])

	procs.errFor[broken] = errors.New("boom")

	p, err = NewLedgerProcessor(staticSource{broken}, procs)
	require.NoError(t, err)

	_, err = p.ProcessOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8/1")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	key := model.AccountKey{CreditorID: 1, DebtorID: 10}

	e.creditor(t, 1)
	e.account(t, key)
	e.transfer(t, key, 1, 4, 4)

	p, err := NewLedgerProcessor(e.store, e.procs, WithWait(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return !e.store.HasPendingLedgerUpdate(key)
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

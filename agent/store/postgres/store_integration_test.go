//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/swaptacular/creditors-agent/agent/model"
	agentpg "github.com/swaptacular/creditors-agent/agent/postgres"
	"github.com/swaptacular/creditors-agent/agent/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := agentpg.New(agentpg.Config{PrimaryDSN: dsn, Migrations: Migrations()})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		_ = client.Close()
	})

	s, err := New(client)
	require.NoError(t, err)

	return s
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIntegration_Store_CreditorAndAccountRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertCreditor(ctx, &model.Creditor{
			CreditorID:                  1,
			CreatedAt:                   testNow,
			AccountsListLatestUpdateID:  1,
			TransfersListLatestUpdateID: 1,
		}))

		require.ErrorIs(t, tx.InsertCreditor(ctx, &model.Creditor{CreditorID: 1, CreatedAt: testNow}), store.ErrAlreadyExists)

		return tx.InsertAccount(ctx, model.NewAccount(1, 2, testNow))
	})
	require.NoError(t, err)

	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAccount(ctx, model.AccountKey{CreditorID: 1, DebtorID: 2}, store.LockUpdate)
		require.NoError(t, err)
		assert.Equal(t, float32(model.HugeNegligibleAmount), a.NegligibleAmount)
		assert.True(t, a.LastConfigTS.Equal(testNow))

		a.SetScheduledForDeletion(true)
		a.ConfigLatestUpdateID++

		return tx.UpdateAccount(ctx, a)
	})
	require.NoError(t, err)

	accounts, err := s.ScanAccounts(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].IsScheduledForDeletion())
	assert.Equal(t, int64(2), accounts[0].ConfigLatestUpdateID)
}

func TestIntegration_Store_RollbackOnError(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertCreditor(ctx, &model.Creditor{CreditorID: 7, CreatedAt: testNow}))

		return boom
	})
	require.ErrorIs(t, err, boom)

	creditors, err := s.ScanCreditors(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, creditors)
}

func TestIntegration_Store_CommittedTransferIsInsertedOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	ct := &model.CommittedTransfer{
		CreditorID:             1,
		DebtorID:               2,
		CreationDate:           model.Date(testNow),
		TransferNumber:         3,
		CoordinatorType:        model.CoordinatorDirect,
		Sender:                 "s",
		Recipient:              "r",
		AcquiredAmount:         100,
		TransferNoteFormat:     "",
		TransferNote:           "",
		CommittedAt:            testNow,
		Principal:              100,
		PreviousTransferNumber: 2,
	}

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.InsertCommittedTransfer(ctx, ct)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertCommittedTransfer(ctx, ct)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := tx.GetCommittedTransfer(ctx, store.TransferKey{
			CreditorID: 1, DebtorID: 2, CreationDate: ct.CreationDate, TransferNumber: 3,
		})
		require.NoError(t, err)
		assert.True(t, got.SameAs(ct))

		list, err := tx.ListCommittedTransfers(ctx, model.AccountKey{CreditorID: 1, DebtorID: 2}, ct.CreationDate, 0, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_Store_PendingLogEntries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	debtorID := int64(2)

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 3; i++ {
			e := &model.PendingLogEntry{LogRecord: model.LogRecord{
				CreditorID: 1,
				AddedAt:    testNow,
				ObjectType: model.ObjectAccount,
				DebtorID:   &debtorID,
			}}
			require.NoError(t, tx.InsertPendingLogEntry(ctx, e))
			assert.NotZero(t, e.PendingEntryID)
		}

		return nil
	})
	require.NoError(t, err)

	ids, err := s.CreditorsWithPendingLogEntries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		pending, err := tx.ListPendingLogEntries(ctx, 1)
		require.NoError(t, err)
		require.Len(t, pending, 3)

		entries := make([]model.LogEntry, 0, len(pending))
		for i, p := range pending {
			entries = append(entries, model.LogEntry{EntryID: int64(i + 1), LogRecord: p.LogRecord})
		}

		require.NoError(t, tx.InsertLogEntries(ctx, entries))
		require.NoError(t, tx.DeletePendingLogEntries(ctx, 1, pending[2].PendingEntryID))

		maxID, err := tx.MaxLogEntryID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(3), maxID)

		return nil
	})
	require.NoError(t, err)

	n, err := s.PurgeLogEntries(ctx, testNow.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIntegration_Store_OutboxClaimLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	insert := func(key string) {
		err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.InsertOutbox(ctx, &model.OutboxMessage{
				Kind:       model.KindUpdatedLedger,
				CreditorID: 1,
				DebtorID:   2,
				DedupKey:   key,
				Exchange:   "to_trade",
				RoutingKey: "1.2.3",
				Payload:    []byte(`{}`),
				InsertedAt: testNow,
			})

			return err
		})
		require.NoError(t, err)
	}

	insert("a")
	insert("a")
	insert("b")

	depth, err := s.Depth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	claimed, err := s.Claim(ctx, model.KindUpdatedLedger, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].DedupKey)

	again, err := s.Claim(ctx, "", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Release(ctx, claimed[0], "broker down"))
	require.NoError(t, s.Quarantine(ctx, claimed[1], "unroutable"))

	stale := *claimed[0]
	other := uuid.New()
	stale.ClaimToken = &other
	require.ErrorIs(t, s.Delete(ctx, &stale), store.ErrClaimLost)

	reclaimed, err := s.Claim(ctx, "", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 1, reclaimed[0].Attempts)
	assert.Equal(t, "broker down", reclaimed[0].LastError)

	require.NoError(t, s.Delete(ctx, reclaimed[0]))

	depth, err = s.Depth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

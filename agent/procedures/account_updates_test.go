//go:build unit

package procedures

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/protocol"
)

func TestProcessAccountUpdate_AppliesNewerSnapshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)
	assert.True(t, a.HasServerAccount)
	assert.True(t, a.IsConfigEffectual)
	assert.Equal(t, "acc-1", a.AccountIdentity)
	assert.Equal(t, testCreationDate, a.CreationDate)
	assert.True(t, f.store.HasPendingLedgerUpdate(key))

	infoLogs := len(f.pendingLogs(1, model.ObjectAccountInfo))

	f.clock.Advance(time.Minute)

	msg := f.accountUpdate(a, 2)
	msg.Principal = 250
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))

	stored, _ := f.store.Account(key)
	assert.Equal(t, int64(250), stored.Principal)
	assert.Equal(t, int32(2), stored.LastChangeSeqnum)
	assert.Equal(t, infoLogs, len(f.pendingLogs(1, model.ObjectAccountInfo)), "principal is not account info")

	msg = f.accountUpdate(&stored, 3)
	msg.InterestRate = 5
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))
	assert.Len(t, f.pendingLogs(1, model.ObjectAccountInfo), infoLogs+1)
}

func TestProcessAccountUpdate_StoresStatusFlags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	f.clock.Advance(time.Minute)

	msg := f.accountUpdate(a, 2)
	msg.StatusFlags = 0b101
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))

	stored, _ := f.store.Account(key)
	assert.Equal(t, int32(0b101), stored.StatusFlags)

	stale := f.accountUpdate(&stored, 1)
	stale.LastChangeTS = stored.LastChangeTS
	stale.StatusFlags = 0
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, stale))

	stored, _ = f.store.Account(key)
	assert.Equal(t, int32(0b101), stored.StatusFlags, "stale snapshots keep the flags")
}

func TestProcessAccountUpdate_StaleOnlyRefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	f.clock.Advance(time.Hour)

	stale := f.accountUpdate(a, 1)
	stale.LastChangeTS = a.LastChangeTS
	stale.Principal = 9999
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, stale))

	stored, _ := f.store.Account(key)
	assert.Zero(t, stored.Principal)
	assert.Equal(t, f.clock.now, stored.LastHeartbeatTS)

	wrapped := f.accountUpdate(a, 0)
	wrapped.LastChangeTS = a.LastChangeTS
	wrapped.LastChangeSeqnum = a.LastChangeSeqnum - 1
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, wrapped))

	stored, _ = f.store.Account(key)
	assert.Zero(t, stored.Principal)
}

func TestProcessAccountUpdate_DropsExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)
	heartbeat := a.LastHeartbeatTS

	msg := f.accountUpdate(a, 5)
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))

	stored, _ := f.store.Account(key)
	assert.Equal(t, a.LastChangeSeqnum, stored.LastChangeSeqnum)
	assert.Equal(t, heartbeat, stored.LastHeartbeatTS)
}

func TestProcessAccountUpdate_DiscardsOrphanedAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	orphan := &protocol.AccountUpdate{
		Envelope:         protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		CreationDate:     protocol.NewDate(testCreationDate),
		LastChangeTS:     testNow,
		NegligibleAmount: 3,
		TTL:              3600,
	}

	require.NoError(t, f.p.ProcessAccountUpdate(ctx, orphan))

	_, ok := f.store.Account(model.AccountKey{CreditorID: 1, DebtorID: 2})
	assert.False(t, ok, "an orphaned account is never created")

	configs := f.outbox(model.KindConfigureAccount)
	require.Len(t, configs, 1)

	sig, err := protocol.DecodeConfigureAccount(configs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, model.ConfigScheduledForDeletionFlag, sig.ConfigFlags&model.ConfigScheduledForDeletionFlag)
	assert.InDelta(t, model.HugeNegligibleAmount, float64(sig.NegligibleAmount), 1e25)
	assert.Zero(t, sig.Seqnum)
	assert.Equal(t, protocol.HexRoutingKey(2), configs[0].RoutingKey)

	// Once the debtor applied the deletion config, nothing more is sent.
	f.clock.Advance(time.Second)
	orphan.TS = f.clock.now
	orphan.ConfigFlags = model.ConfigScheduledForDeletionFlag
	orphan.NegligibleAmount = model.HugeNegligibleAmount

	require.NoError(t, f.p.ProcessAccountUpdate(ctx, orphan))
	assert.Len(t, f.outbox(model.KindConfigureAccount), 1)
}

func TestProcessAccountUpdate_NewIncarnationResetsLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	require.NoError(t, f.p.ProcessAccountTransfer(ctx, accountTransfer(key, 1, 0, 300, 300, testNow)))
	_, err := f.p.ProcessPendingLedgerUpdate(ctx, key)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	msg := f.accountUpdate(a, 1)
	msg.CreationDate = protocol.NewDate(testCreationDate.AddDate(0, 0, 3))
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))

	stored, _ := f.store.Account(key)
	assert.Zero(t, stored.LedgerPrincipal)
	assert.Zero(t, stored.LedgerLastTransferNumber)
	assert.True(t, f.store.HasPendingLedgerUpdate(key))

	entries := f.store.LedgerEntries(key)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-300), entries[1].AcquiredAmount)
	assert.Zero(t, entries[1].Principal)
	assert.Nil(t, entries[1].TransferNumber)
	assert.Len(t, f.outbox(model.KindUpdatedLedger), 2)
}

func TestProcessAccountPurge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	older := &protocol.AccountPurge{
		Envelope:     protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		CreationDate: protocol.NewDate(testCreationDate.AddDate(0, 0, -1)),
	}
	require.NoError(t, f.p.ProcessAccountPurge(ctx, older))

	stored, _ := f.store.Account(key)
	assert.True(t, stored.HasServerAccount)

	purge := &protocol.AccountPurge{
		Envelope:     protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		CreationDate: protocol.NewDate(a.CreationDate),
	}
	require.NoError(t, f.p.ProcessAccountPurge(ctx, purge))

	stored, _ = f.store.Account(key)
	assert.False(t, stored.HasServerAccount)
	assert.Zero(t, stored.Principal)

	infoID := stored.InfoLatestUpdateID
	require.NoError(t, f.p.ProcessAccountPurge(ctx, purge))

	stored, _ = f.store.Account(key)
	assert.Equal(t, infoID, stored.InfoLatestUpdateID, "a repeated purge changes nothing")
}

func TestProcessRejectedConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	rejected := &protocol.RejectedConfig{
		Envelope:         protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		ConfigTS:         a.LastConfigTS,
		ConfigSeqnum:     a.LastConfigSeqnum + 1,
		NegligibleAmount: float64(a.NegligibleAmount),
		ConfigFlags:      a.ConfigFlags,
		RejectionCode:    "INVALID_CONFIG",
	}

	require.NoError(t, f.p.ProcessRejectedConfig(ctx, rejected))

	stored, _ := f.store.Account(key)
	assert.Nil(t, stored.ConfigError, "a rejection of another config is ignored")

	rejected.ConfigSeqnum = a.LastConfigSeqnum
	require.NoError(t, f.p.ProcessRejectedConfig(ctx, rejected))

	stored, _ = f.store.Account(key)
	require.NotNil(t, stored.ConfigError)
	assert.Equal(t, "INVALID_CONFIG", *stored.ConfigError)

	infoID := stored.InfoLatestUpdateID
	require.NoError(t, f.p.ProcessRejectedConfig(ctx, rejected))

	stored, _ = f.store.Account(key)
	assert.Equal(t, infoID, stored.InfoLatestUpdateID)
}

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

func TestCreateAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	_, err := f.p.CreateAccount(ctx, key)
	assert.ErrorIs(t, err, ErrCreditorNotFound)

	_, err = f.p.ReserveCreditor(ctx, 1)
	require.NoError(t, err)

	_, err = f.p.CreateAccount(ctx, key)
	assert.ErrorIs(t, err, ErrCreditorNotFound, "a pristine creditor can not have accounts")

	c, _ := f.store.Creditor(1)
	_, err = f.p.ActivateCreditor(ctx, 1, *c.ReservationID)
	require.NoError(t, err)

	a, err := f.p.CreateAccount(ctx, key)
	require.NoError(t, err)
	assert.False(t, a.HasServerAccount)

	_, err = f.p.CreateAccount(ctx, key)
	assert.ErrorIs(t, err, ErrAccountExists)

	configs := f.outbox(model.KindConfigureAccount)
	require.Len(t, configs, 1)

	sig, err := protocol.DecodeConfigureAccount(configs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, testNow, sig.TS)
	assert.Zero(t, sig.Seqnum)
	assert.Zero(t, sig.ConfigFlags)
	assert.Equal(t, float32(model.HugeNegligibleAmount), sig.NegligibleAmount)

	got, err := f.p.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)

	_, err = f.p.GetAccount(ctx, model.AccountKey{CreditorID: 1, DebtorID: 3})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpdateAccountConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	f.clock.Advance(time.Second)

	update := ConfigUpdate{
		ScheduledForDeletion: true,
		NegligibleAmount:     10,
		LatestUpdateID:       a.ConfigLatestUpdateID + 1,
	}

	updated, err := f.p.UpdateAccountConfig(ctx, key, update)
	require.NoError(t, err)
	assert.True(t, updated.IsScheduledForDeletion())
	assert.False(t, updated.IsConfigEffectual)
	assert.Equal(t, f.clock.now, updated.LastConfigTS)
	assert.Equal(t, model.IncrementSeqnum(a.LastConfigSeqnum), updated.LastConfigSeqnum)

	again, err := f.p.UpdateAccountConfig(ctx, key, update)
	require.NoError(t, err)
	assert.Equal(t, updated.LastConfigSeqnum, again.LastConfigSeqnum, "a repeated update is a no-op")

	update.NegligibleAmount = 20
	_, err = f.p.UpdateAccountConfig(ctx, key, update)
	assert.ErrorIs(t, err, ErrUpdateConflict)

	_, err = f.p.UpdateAccountConfig(ctx, key, ConfigUpdate{NegligibleAmount: -1, LatestUpdateID: 3})
	assert.ErrorIs(t, err, ErrInvalidAccountConfig)

	assert.Len(t, f.outbox(model.KindConfigureAccount), 2)
	assert.Len(t, f.pendingLogs(1, model.ObjectAccountConfig), 1)

	flags := f.outbox(model.KindUpdatedFlags)
	require.Len(t, flags, 1)
	assert.Equal(t, protocol.BinRoutingKey(1), flags[0].RoutingKey)

	sig := decodePayload[protocol.UpdatedFlags](t, flags[0])
	assert.Equal(t, model.ConfigScheduledForDeletionFlag, sig.ConfigFlags)
	assert.Equal(t, updated.ConfigLatestUpdateID, sig.UpdateID)

	// Confirming the new config makes the account safe to delete.
	f.clock.Advance(time.Second)
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, f.accountUpdate(updated, 2)))

	stored, _ := f.store.Account(key)
	assert.True(t, stored.IsConfigEffectual)
}

func TestUpdateAccountExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}
	pegKey := model.AccountKey{CreditorID: 1, DebtorID: 3}

	a := f.trackedAccount(t, key)

	bad := "aggressive"
	_, err := f.p.UpdateAccountExchange(ctx, key, ExchangeUpdate{Policy: &bad, LatestUpdateID: 2})
	assert.ErrorIs(t, err, ErrInvalidExchangePolicy)

	policy := PolicyConservative
	rate := 2.5
	update := ExchangeUpdate{
		Policy:          &policy,
		MinPrincipal:    10,
		MaxPrincipal:    100,
		PegExchangeRate: &rate,
		PegDebtorID:     &pegKey.DebtorID,
		LatestUpdateID:  a.ExchangeLatestUpdateID + 1,
	}

	_, err = f.p.UpdateAccountExchange(ctx, key, update)
	assert.ErrorIs(t, err, ErrPegDoesNotExist)

	_, err = f.p.CreateAccount(ctx, pegKey)
	require.NoError(t, err)

	updated, err := f.p.UpdateAccountExchange(ctx, key, update)
	require.NoError(t, err)
	assert.Equal(t, update.LatestUpdateID, updated.ExchangeLatestUpdateID)

	policies := f.outbox(model.KindUpdatedPolicy)
	require.Len(t, policies, 1)

	sig := decodePayload[protocol.UpdatedPolicy](t, policies[0])
	assert.Equal(t, PolicyConservative, *sig.PolicyName)
	assert.Equal(t, int64(3), *sig.PegDebtorID)

	// The peg can not go while it is in use.
	assert.ErrorIs(t, f.p.DeleteAccount(ctx, pegKey), ErrUnsafeAccountDeletion)

	peg, _ := f.store.Account(pegKey)
	_, err = f.p.UpdateAccountConfig(ctx, pegKey, ConfigUpdate{
		ScheduledForDeletion: true,
		AllowUnsafeDeletion:  true,
		LatestUpdateID:       peg.ConfigLatestUpdateID + 1,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, f.p.DeleteAccount(ctx, pegKey), ErrForbiddenPegDeletion)
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	assert.ErrorIs(t, f.p.DeleteAccount(ctx, key), ErrUnsafeAccountDeletion)

	_, err := f.p.UpdateAccountConfig(ctx, key, ConfigUpdate{
		ScheduledForDeletion: true,
		NegligibleAmount:     a.NegligibleAmount,
		LatestUpdateID:       a.ConfigLatestUpdateID + 1,
	})
	require.NoError(t, err)

	purge := &protocol.AccountPurge{
		Envelope:     protocol.Envelope{CreditorID: 1, DebtorID: 2, TS: testNow},
		CreationDate: protocol.NewDate(a.CreationDate),
	}
	require.NoError(t, f.p.ProcessAccountPurge(ctx, purge))
	assert.ErrorIs(t, f.p.DeleteAccount(ctx, key), ErrUnsafeAccountDeletion, "the config is not effectual yet")

	// The debtor reports the deletion config before the purge arrives again.
	stored, _ := f.store.Account(key)
	f.clock.Advance(time.Second)

	msg := f.accountUpdate(&stored, 5)
	require.NoError(t, f.p.ProcessAccountUpdate(ctx, msg))
	require.NoError(t, f.p.ProcessAccountPurge(ctx, purge))

	stored, _ = f.store.Account(key)
	require.True(t, stored.IsDeletionSafe())

	require.NoError(t, f.p.DeleteAccount(ctx, key))

	_, ok := f.store.Account(key)
	assert.False(t, ok)

	deleted := f.pendingLogs(1, model.ObjectAccount)
	require.Len(t, deleted, 2)
	assert.True(t, deleted[1].IsDeleted)

	assert.ErrorIs(t, f.p.DeleteAccount(ctx, key), ErrAccountNotFound)
}

func TestScanHelpers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := model.AccountKey{CreditorID: 1, DebtorID: 2}

	a := f.trackedAccount(t, key)

	sent, err := f.p.ResendConfig(ctx, key, f.clock.now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, sent, "an effectual config is not resent")

	_, err = f.p.UpdateAccountConfig(ctx, key, ConfigUpdate{
		NegligibleAmount: 5,
		LatestUpdateID:   a.ConfigLatestUpdateID + 1,
	})
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)

	sent, err = f.p.ResendConfig(ctx, key, f.clock.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, sent)

	stored, _ := f.store.Account(key)
	assert.Equal(t, f.clock.now, stored.LastConfigTS)
	assert.Len(t, f.outbox(model.KindConfigureAccount), 3)

	marked, err := f.p.MarkDeadAccount(ctx, key, f.clock.now.Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, marked)

	marked, err = f.p.MarkDeadAccount(ctx, key, f.clock.now)
	require.NoError(t, err)
	assert.True(t, marked)

	stored, _ = f.store.Account(key)
	assert.False(t, stored.HasServerAccount)

	deleted, err := f.p.CompleteAccountDeletion(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted, "the account is not scheduled for deletion")
}

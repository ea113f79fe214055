package procedures

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// PolicyConservative is the only named exchange policy.
const PolicyConservative = "conservative"

// CreateAccount starts tracking an account with a debtor and asks the
// debtor to open it.
func (p *Procedures) CreateAccount(ctx context.Context, key model.AccountKey) (*model.Account, error) {
	now := p.clock()

	var result *model.Account

	err := p.atomic(ctx, "create_account", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		c, err := getCreditor(ctx, tx, key.CreditorID, store.LockShare)
		if err != nil {
			return err
		}

		if c.Status() != model.CreditorActive {
			return ErrCreditorNotFound
		}

		a := model.NewAccount(key.CreditorID, key.DebtorID, now)

		err = tx.InsertAccount(ctx, a)
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAccountExists
		}

		if err != nil {
			return err
		}

		if err := addLog(ctx, tx, model.LogRecord{
			CreditorID:     key.CreditorID,
			AddedAt:        now,
			ObjectType:     model.ObjectAccount,
			ObjectUpdateID: ptr(int64(1)),
			DebtorID:       ptr(key.DebtorID),
		}); err != nil {
			return err
		}

		result = a

		return enqueue(ctx, tx, configureAccount(a), now)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetAccount returns the account, or ErrAccountNotFound.
func (p *Procedures) GetAccount(ctx context.Context, key model.AccountKey) (*model.Account, error) {
	var result *model.Account

	err := p.atomic(ctx, "get_account", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockNone)
		result = a

		return err
	})

	return result, err
}

// ConfigUpdate is a new account configuration. LatestUpdateID must be the
// successor of the stored one.
type ConfigUpdate struct {
	ScheduledForDeletion bool
	NegligibleAmount     float32
	AllowUnsafeDeletion  bool
	LatestUpdateID       int64
}

// UpdateAccountConfig changes the account configuration and sends it to
// the debtor. Repeating the latest update returns the account unchanged.
func (p *Procedures) UpdateAccountConfig(ctx context.Context, key model.AccountKey, u ConfigUpdate) (*model.Account, error) {
	if u.NegligibleAmount < 0 || math.IsNaN(float64(u.NegligibleAmount)) || math.IsInf(float64(u.NegligibleAmount), 0) {
		return nil, ErrInvalidAccountConfig
	}

	now := p.clock()

	var result *model.Account

	err := p.atomic(ctx, "update_account_config", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if err != nil {
			return err
		}

		result = a

		changed := a.IsScheduledForDeletion() != u.ScheduledForDeletion ||
			a.NegligibleAmount != u.NegligibleAmount ||
			a.AllowUnsafeDeletion != u.AllowUnsafeDeletion

		switch err := allowUpdate(a.ConfigLatestUpdateID, u.LatestUpdateID, changed); {
		case errors.Is(err, ErrAlreadyUpToDate):
			return nil
		case err != nil:
			return err
		}

		// The account stops being safe to delete until the debtor confirms.
		if a.IsDeletionSafe() {
			if err := touchInfo(ctx, tx, a, now); err != nil {
				return err
			}
		}

		oldFlags := a.ConfigFlags

		a.SetScheduledForDeletion(u.ScheduledForDeletion)
		a.NegligibleAmount = u.NegligibleAmount
		a.AllowUnsafeDeletion = u.AllowUnsafeDeletion
		a.LastConfigTS = now
		a.LastConfigSeqnum = model.IncrementSeqnum(a.LastConfigSeqnum)
		a.IsConfigEffectual = false
		a.ConfigLatestUpdateID = u.LatestUpdateID
		a.ConfigLatestUpdateTS = now

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		if err := addLog(ctx, tx, model.LogRecord{
			CreditorID:     key.CreditorID,
			AddedAt:        now,
			ObjectType:     model.ObjectAccountConfig,
			ObjectUpdateID: ptr(a.ConfigLatestUpdateID),
			DebtorID:       ptr(key.DebtorID),
		}); err != nil {
			return err
		}

		if err := enqueue(ctx, tx, configureAccount(a), now); err != nil {
			return err
		}

		if a.ConfigFlags == oldFlags {
			return nil
		}

		return enqueue(ctx, tx, &protocol.UpdatedFlags{
			Header:      protocol.Header{CreditorID: key.CreditorID, DebtorID: key.DebtorID},
			UpdateID:    a.ConfigLatestUpdateID,
			ConfigFlags: a.ConfigFlags,
			TS:          now,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ExchangeUpdate is a new exchange policy. LatestUpdateID must be the
// successor of the stored one.
type ExchangeUpdate struct {
	Policy          *string
	MinPrincipal    int64
	MaxPrincipal    int64
	PegExchangeRate *float64
	PegDebtorID     *int64
	LatestUpdateID  int64
}

func (u *ExchangeUpdate) validate() error {
	if u.Policy != nil && *u.Policy != PolicyConservative {
		return ErrInvalidExchangePolicy
	}

	if u.MinPrincipal > u.MaxPrincipal {
		return ErrInvalidExchangePolicy
	}

	if (u.PegExchangeRate == nil) != (u.PegDebtorID == nil) {
		return ErrInvalidExchangePolicy
	}

	if u.PegExchangeRate != nil && (*u.PegExchangeRate < 0 || math.IsNaN(*u.PegExchangeRate)) {
		return ErrInvalidExchangePolicy
	}

	return nil
}

func (u *ExchangeUpdate) differsFrom(a *model.Account) bool {
	return !equalPtr(u.Policy, a.Policy) ||
		u.MinPrincipal != a.MinPrincipal ||
		u.MaxPrincipal != a.MaxPrincipal ||
		!equalPtr(u.PegExchangeRate, a.PegExchangeRate) ||
		!equalPtr(u.PegDebtorID, a.PegDebtorID)
}

// UpdateAccountExchange changes the exchange policy of the account and
// notifies the trading side.
func (p *Procedures) UpdateAccountExchange(ctx context.Context, key model.AccountKey, u ExchangeUpdate) (*model.Account, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	now := p.clock()

	var result *model.Account

	err := p.atomic(ctx, "update_account_exchange", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if err != nil {
			return err
		}

		result = a

		switch err := allowUpdate(a.ExchangeLatestUpdateID, u.LatestUpdateID, u.differsFrom(a)); {
		case errors.Is(err, ErrAlreadyUpToDate):
			return nil
		case err != nil:
			return err
		}

		if u.PegDebtorID != nil {
			pegKey := model.AccountKey{CreditorID: key.CreditorID, DebtorID: *u.PegDebtorID}
			if _, err := getAccount(ctx, tx, pegKey, store.LockShare); errors.Is(err, ErrAccountNotFound) {
				return ErrPegDoesNotExist
			} else if err != nil {
				return err
			}
		}

		a.Policy = u.Policy
		a.MinPrincipal = u.MinPrincipal
		a.MaxPrincipal = u.MaxPrincipal
		a.PegExchangeRate = u.PegExchangeRate
		a.PegDebtorID = u.PegDebtorID
		a.ExchangeLatestUpdateID = u.LatestUpdateID
		a.ExchangeLatestUpdateTS = now

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		if err := addLog(ctx, tx, model.LogRecord{
			CreditorID:     key.CreditorID,
			AddedAt:        now,
			ObjectType:     model.ObjectAccountExchange,
			ObjectUpdateID: ptr(a.ExchangeLatestUpdateID),
			DebtorID:       ptr(key.DebtorID),
		}); err != nil {
			return err
		}

		return enqueue(ctx, tx, &protocol.UpdatedPolicy{
			Header:          protocol.Header{CreditorID: key.CreditorID, DebtorID: key.DebtorID},
			UpdateID:        a.ExchangeLatestUpdateID,
			PolicyName:      a.Policy,
			MinPrincipal:    a.MinPrincipal,
			MaxPrincipal:    a.MaxPrincipal,
			PegExchangeRate: a.PegExchangeRate,
			PegDebtorID:     a.PegDebtorID,
			TS:              now,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteAccount stops tracking an account. The account must be safe to
// delete, unless it is scheduled for deletion and unsafe deletion was
// allowed. Accounts that other accounts are pegged to are kept.
func (p *Procedures) DeleteAccount(ctx context.Context, key model.AccountKey) error {
	now := p.clock()

	return p.atomic(ctx, "delete_account", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if err != nil {
			return err
		}

		if !a.IsDeletionSafe() && !(a.AllowUnsafeDeletion && a.IsScheduledForDeletion()) {
			return ErrUnsafeAccountDeletion
		}

		return deleteAccount(ctx, tx, a, now)
	})
}

// CompleteAccountDeletion deletes an account that is safe to delete and
// has nothing left in flight: the ledger is caught up and no transfer to
// the debtor is running. It reports whether the account was deleted.
func (p *Procedures) CompleteAccountDeletion(ctx context.Context, key model.AccountKey) (bool, error) {
	now := p.clock()
	deleted := false

	err := p.atomic(ctx, "complete_account_deletion", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		deleted = false

		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !a.IsDeletionSafe() || !a.IsLedgerCaughtUp() {
			return nil
		}

		running, err := tx.CountUnfinalizedTransfers(ctx, key)
		if err != nil || running > 0 {
			return err
		}

		err = deleteAccount(ctx, tx, a, now)
		if errors.Is(err, ErrForbiddenPegDeletion) {
			return nil
		}

		deleted = err == nil

		return err
	})

	return deleted, err
}

func deleteAccount(ctx context.Context, tx store.Tx, a *model.Account, now time.Time) error {
	pegged, err := tx.CountPeggedAccounts(ctx, a.CreditorID, a.DebtorID)
	if err != nil {
		return err
	}

	if pegged > 0 {
		return ErrForbiddenPegDeletion
	}

	if err := tx.DeleteAccount(ctx, a.Key()); err != nil {
		return err
	}

	return addLog(ctx, tx, model.LogRecord{
		CreditorID: a.CreditorID,
		AddedAt:    now,
		ObjectType: model.ObjectAccount,
		IsDeleted:  true,
		DebtorID:   ptr(a.DebtorID),
	})
}

// ResendConfig sends the configuration again, with a new timestamp and
// seqnum, when the debtor has not applied it since before sentBefore. It
// reports whether a ConfigureAccount was queued.
func (p *Procedures) ResendConfig(ctx context.Context, key model.AccountKey, sentBefore time.Time) (bool, error) {
	now := p.clock()
	sent := false

	err := p.atomic(ctx, "resend_config", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		sent = false

		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !NeedsConfigResend(a, sentBefore) {
			return nil
		}

		a.LastConfigTS = now
		a.LastConfigSeqnum = model.IncrementSeqnum(a.LastConfigSeqnum)

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		sent = true

		return enqueue(ctx, tx, configureAccount(a), now)
	})

	return sent, err
}

// NeedsConfigResend reports whether the config of a was sent before
// sentBefore and has not taken effect.
func NeedsConfigResend(a *model.Account, sentBefore time.Time) bool {
	return !a.IsConfigEffectual && a.ConfigError == nil && a.LastConfigTS.Before(sentBefore)
}

// MarkDeadAccount treats a server account that has not sent a heartbeat
// since before seenBefore as purged. It reports whether the account was
// changed.
func (p *Procedures) MarkDeadAccount(ctx context.Context, key model.AccountKey, seenBefore time.Time) (bool, error) {
	now := p.clock()
	marked := false

	err := p.atomic(ctx, "mark_dead_account", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		marked = false

		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !IsDeadAccount(a, seenBefore) {
			return nil
		}

		a.HasServerAccount = false
		a.Principal = 0
		a.Interest = 0

		if err := touchInfo(ctx, tx, a, now); err != nil {
			return err
		}

		marked = true

		return tx.UpdateAccount(ctx, a)
	})

	return marked, err
}

// IsDeadAccount reports whether the server account of a went silent before
// seenBefore.
func IsDeadAccount(a *model.Account, seenBefore time.Time) bool {
	return a.HasServerAccount && a.LastHeartbeatTS.Before(seenBefore)
}

func configureAccount(a *model.Account) *protocol.ConfigureAccount {
	return &protocol.ConfigureAccount{
		Header:           protocol.Header{CreditorID: a.CreditorID, DebtorID: a.DebtorID},
		TS:               a.LastConfigTS,
		Seqnum:           a.LastConfigSeqnum,
		NegligibleAmount: a.NegligibleAmount,
		ConfigData:       a.ConfigData,
		ConfigFlags:      a.ConfigFlags,
	}
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

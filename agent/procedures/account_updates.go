package procedures

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// ProcessAccountUpdate applies the latest snapshot of a server account.
//
// The heartbeat is refreshed even when the snapshot itself is stale. An
// update for an account this node does not track is answered with a
// scheduled-for-deletion ConfigureAccount, so that the debtor removes it.
func (p *Procedures) ProcessAccountUpdate(ctx context.Context, msg *protocol.AccountUpdate) error {
	now := p.clock()
	key := msg.Key()

	if now.Sub(msg.TS) > time.Duration(msg.TTL)*time.Second {
		p.dropped(ctx, "expired", key, log.String("type", msg.Type()))
		return nil
	}

	return p.atomic(ctx, "process_account_update", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return p.discardOrphanedAccount(ctx, tx, msg, now)
		}

		if err != nil {
			return err
		}

		if msg.TS.After(a.LastHeartbeatTS) {
			a.LastHeartbeatTS = minTime(msg.TS, now)
		}

		event := model.ChangeEvent{CreationDate: msg.CreationDate.Time, TS: msg.LastChangeTS, Seqnum: msg.LastChangeSeqnum}
		known := model.ChangeEvent{CreationDate: a.CreationDate, TS: a.LastChangeTS, Seqnum: a.LastChangeSeqnum}

		if !event.After(known) {
			p.dropped(ctx, "stale", key, log.String("type", msg.Type()))
			return tx.UpdateAccount(ctx, a)
		}

		return p.applyAccountUpdate(ctx, tx, a, msg, now)
	})
}

func (p *Procedures) applyAccountUpdate(
	ctx context.Context,
	tx store.Tx,
	a *model.Account,
	msg *protocol.AccountUpdate,
	now time.Time,
) error {
	effectual := msg.ConfigData == a.ConfigData &&
		msg.LastConfigTS.Equal(a.LastConfigTS) &&
		msg.LastConfigSeqnum == a.LastConfigSeqnum &&
		msg.ConfigFlags == a.ConfigFlags &&
		model.AmountsMatch(a.NegligibleAmount, msg.NegligibleAmount)

	configError := a.ConfigError
	if effectual {
		configError = nil
	}

	var debtorInfoIRI *string
	if msg.DebtorInfoIRI != "" {
		debtorInfoIRI = ptr(msg.DebtorInfoIRI)
	}

	infoChanged := a.IsDeletionSafe() ||
		a.AccountIdentity != msg.AccountID ||
		math.Abs(float64(a.InterestRate)-float64(msg.InterestRate)) > model.AmountEpsilon*math.Abs(float64(msg.InterestRate)) ||
		!a.LastInterestRateChangeTS.Equal(msg.LastInterestRateChangeTS) ||
		a.TransferNoteMaxBytes != msg.TransferNoteMaxBytes ||
		!equalPtr(a.DebtorInfoIRI, debtorInfoIRI) ||
		!equalPtr(a.ConfigError, configError)

	newServerAccount := msg.CreationDate.After(a.CreationDate)

	a.CreationDate = msg.CreationDate.Time
	a.LastChangeTS = msg.LastChangeTS
	a.LastChangeSeqnum = msg.LastChangeSeqnum
	a.Principal = msg.Principal
	a.Interest = msg.Interest
	a.StatusFlags = msg.StatusFlags
	a.InterestRate = msg.InterestRate
	a.LastInterestRateChangeTS = msg.LastInterestRateChangeTS
	a.TransferNoteMaxBytes = msg.TransferNoteMaxBytes
	a.LastTransferNumber = msg.LastTransferNumber
	a.LastTransferCommittedAt = msg.LastTransferCommittedAt
	a.AccountIdentity = msg.AccountID
	a.DebtorInfoIRI = debtorInfoIRI
	a.IsConfigEffectual = effectual
	a.ConfigError = configError
	a.HasServerAccount = true

	if infoChanged {
		if err := touchInfo(ctx, tx, a, now); err != nil {
			return err
		}
	}

	if newServerAccount {
		// A new incarnation starts its ledger from zero.
		changed, err := p.updateLedger(ctx, tx, a, 0, 0, 0, now)
		if err != nil {
			return err
		}

		if changed {
			if err := p.ledgerUpdated(ctx, tx, a, now); err != nil {
				return err
			}
		}

		if err := tx.EnsurePendingLedgerUpdate(ctx, a.Key()); err != nil {
			return err
		}
	}

	return tx.UpdateAccount(ctx, a)
}

func (p *Procedures) discardOrphanedAccount(ctx context.Context, tx store.Tx, msg *protocol.AccountUpdate, now time.Time) error {
	scheduled := msg.ConfigFlags&model.ConfigScheduledForDeletionFlag != 0
	if scheduled && msg.NegligibleAmount >= (1-model.AmountEpsilon)*model.HugeNegligibleAmount {
		p.dropped(ctx, "orphaned account already scheduled for deletion", msg.Key())
		return nil
	}

	p.logger.Log(ctx, log.LevelInfo, "discarding orphaned account",
		log.Creditor(msg.CreditorID),
		log.Debtor(msg.DebtorID),
	)

	return enqueue(ctx, tx, &protocol.ConfigureAccount{
		Header:           protocol.Header{CreditorID: msg.CreditorID, DebtorID: msg.DebtorID},
		TS:               now,
		Seqnum:           0,
		NegligibleAmount: model.HugeNegligibleAmount,
		ConfigFlags:      model.DefaultConfigFlags | model.ConfigScheduledForDeletionFlag,
	}, now)
}

// ProcessAccountPurge records that the server account was removed.
func (p *Procedures) ProcessAccountPurge(ctx context.Context, msg *protocol.AccountPurge) error {
	now := p.clock()
	key := msg.Key()

	return p.atomic(ctx, "process_account_purge", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			p.dropped(ctx, "unknown account", key, log.String("type", msg.Type()))
			return nil
		}

		if err != nil {
			return err
		}

		if !a.HasServerAccount || a.CreationDate.After(msg.CreationDate.Time) {
			p.dropped(ctx, "stale", key, log.String("type", msg.Type()))
			return nil
		}

		a.HasServerAccount = false
		a.Principal = 0
		a.Interest = 0

		if err := touchInfo(ctx, tx, a, now); err != nil {
			return err
		}

		return tx.UpdateAccount(ctx, a)
	})
}

// ProcessRejectedConfig stores the rejection code of the current config.
// Rejections of any other config are ignored.
func (p *Procedures) ProcessRejectedConfig(ctx context.Context, msg *protocol.RejectedConfig) error {
	now := p.clock()
	key := msg.Key()

	return p.atomic(ctx, "process_rejected_config", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			p.dropped(ctx, "unknown account", key, log.String("type", msg.Type()))
			return nil
		}

		if err != nil {
			return err
		}

		matches := a.ConfigError == nil &&
			msg.ConfigData == a.ConfigData &&
			msg.ConfigTS.Equal(a.LastConfigTS) &&
			msg.ConfigSeqnum == a.LastConfigSeqnum &&
			msg.ConfigFlags == a.ConfigFlags &&
			model.AmountsMatch(a.NegligibleAmount, msg.NegligibleAmount)

		if !matches {
			p.dropped(ctx, "stale", key, log.String("type", msg.Type()))
			return nil
		}

		a.ConfigError = ptr(msg.RejectionCode)

		if err := touchInfo(ctx, tx, a, now); err != nil {
			return err
		}

		return tx.UpdateAccount(ctx, a)
	})
}

func touchInfo(ctx context.Context, tx store.Tx, a *model.Account, now time.Time) error {
	a.InfoLatestUpdateID++
	a.InfoLatestUpdateTS = now

	return addLog(ctx, tx, model.LogRecord{
		CreditorID:     a.CreditorID,
		AddedAt:        now,
		ObjectType:     model.ObjectAccountInfo,
		ObjectUpdateID: ptr(a.InfoLatestUpdateID),
		DebtorID:       ptr(a.DebtorID),
	})
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}

package procedures

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/store"
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
	// Chunks stay symmetric so that negating one never overflows.
	minChunk = decimal.NewFromInt(-math.MaxInt64)
)

// DiscardPendingLedgerUpdate deletes the pending ledger update of an
// account whose creditor lies outside the shard.
func (p *Procedures) DiscardPendingLedgerUpdate(ctx context.Context, key model.AccountKey) error {
	if p.shard.Owns(key.CreditorID) {
		return fmt.Errorf("%w: creditor %d", ErrCreditorOwned, key.CreditorID)
	}

	return p.inTx(ctx, "discard_pending_ledger_update", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		return tx.DeletePendingLedgerUpdate(ctx, key)
	})
}

// ProcessPendingLedgerUpdate advances the ledger of one account by at most
// LedgerBurst committed transfers. It reports done when the pending ledger
// update marker was removed, either because the ledger caught up or
// because it is blocked by a recent gap in the transfer sequence.
func (p *Procedures) ProcessPendingLedgerUpdate(ctx context.Context, key model.AccountKey) (bool, error) {
	now := p.clock()
	cutoff := now.Add(-p.cfg.MaxTransferDelay)
	burst := p.cfg.LedgerBurst

	var done bool

	err := p.atomic(ctx, "process_ledger_update", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		done = true

		pending, err := tx.HasPendingLedgerUpdate(ctx, key, store.LockUpdate)
		if err != nil || !pending {
			return err
		}

		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return tx.DeletePendingLedgerUpdate(ctx, key)
		}

		if err != nil {
			return err
		}

		transfers, err := tx.ListCommittedTransfers(ctx, key, a.CreationDate, a.LedgerLastTransferNumber, burst)
		if err != nil {
			return fmt.Errorf("list committed transfers: %w", err)
		}

		var changed, blocked bool

		for i := range transfers {
			t := &transfers[i]

			if t.PreviousTransferNumber != a.LedgerLastTransferNumber && !t.CommittedAt.Before(cutoff) {
				// Wait for the missing transfer, unless it is too late for it.
				a.LedgerPendingTransferTS = ptr(t.CommittedAt)
				blocked = true

				break
			}

			c, err := p.updateLedger(ctx, tx, a, t.TransferNumber, t.AcquiredAmount, t.Principal, now)
			if err != nil {
				return err
			}

			changed = changed || c
		}

		if !blocked {
			a.LedgerPendingTransferTS = nil
			done = len(transfers) < burst
		}

		if done {
			c, err := p.fixMissingLastTransfer(ctx, tx, a, cutoff, now)
			if err != nil {
				return err
			}

			changed = changed || c

			if err := tx.DeletePendingLedgerUpdate(ctx, key); err != nil {
				return err
			}
		}

		if changed {
			if err := p.ledgerUpdated(ctx, tx, a, now); err != nil {
				return err
			}
		}

		return tx.UpdateAccount(ctx, a)
	})

	return done, err
}

// The server may report transfers that were never received. Once they are
// old enough the ledger jumps to the reported principal.
func (p *Procedures) fixMissingLastTransfer(ctx context.Context, tx store.Tx, a *model.Account, cutoff, now time.Time) (bool, error) {
	if a.LedgerPendingTransferTS != nil ||
		a.LastTransferNumber <= a.LedgerLastTransferNumber ||
		!a.LastTransferCommittedAt.Before(cutoff) {
		return false, nil
	}

	return p.updateLedger(ctx, tx, a, a.LastTransferNumber, 0, a.Principal, now)
}

// updateLedger appends the entries that bring the ledger to principal after
// the transfer transferNumber, which acquired the given amount. A
// correcting entry precedes the transfer's entry when the ledger does not
// add up. It reports whether any entry was appended.
func (p *Procedures) updateLedger(
	ctx context.Context,
	tx store.Tx,
	a *model.Account,
	transferNumber, acquired, principal int64,
	now time.Time,
) (bool, error) {
	changed := false
	previous := decimal.NewFromInt(principal).Sub(decimal.NewFromInt(acquired))

	if previous.GreaterThanOrEqual(minInt64) && previous.LessThanOrEqual(maxInt64) {
		c, err := p.correctLedger(ctx, tx, a, previous, now)
		if err != nil {
			return false, err
		}

		changed = c
	}

	if acquired != 0 {
		if err := insertLedgerEntry(ctx, tx, a, &model.LedgerEntry{
			CreationDate:   ptr(a.CreationDate),
			TransferNumber: ptr(transferNumber),
			AcquiredAmount: acquired,
			Principal:      principal,
			AddedAt:        now,
		}); err != nil {
			return false, err
		}

		changed = true
	}

	a.LedgerPrincipal = principal
	a.LedgerLastTransferNumber = transferNumber
	a.LedgerPendingTransferTS = nil

	return changed, nil
}

// correctLedger appends correcting entries until the running total equals
// target. Each entry's amount fits in an int64.
func (p *Procedures) correctLedger(ctx context.Context, tx store.Tx, a *model.Account, target decimal.Decimal, now time.Time) (bool, error) {
	ledger := decimal.NewFromInt(a.LedgerPrincipal)
	changed := false

	for !ledger.Equal(target) {
		step := clampChunk(target.Sub(ledger))
		ledger = ledger.Add(step)

		if err := insertLedgerEntry(ctx, tx, a, &model.LedgerEntry{
			AcquiredAmount: step.IntPart(),
			Principal:      ledger.IntPart(),
			AddedAt:        now,
		}); err != nil {
			return false, err
		}

		a.LedgerPrincipal = ledger.IntPart()
		changed = true
	}

	return changed, nil
}

func clampChunk(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.GreaterThan(maxInt64):
		return maxInt64
	case d.LessThan(minChunk):
		return minChunk
	default:
		return d
	}
}

func insertLedgerEntry(ctx context.Context, tx store.Tx, a *model.Account, e *model.LedgerEntry) error {
	a.LedgerLastEntryID++

	e.CreditorID = a.CreditorID
	e.DebtorID = a.DebtorID
	e.EntryID = a.LedgerLastEntryID

	err := tx.InsertLedgerEntry(ctx, e)
	if errors.Is(err, store.ErrAlreadyExists) {
		return &InvariantViolation{
			Entity: "ledger entry",
			Detail: fmt.Sprintf("entry %d of account (%d, %d) already exists", e.EntryID, a.CreditorID, a.DebtorID),
		}
	}

	return err
}

// ledgerUpdated publishes the new ledger state: one log entry and one
// UpdatedLedger signal per transaction, however many entries were added.
func (p *Procedures) ledgerUpdated(ctx context.Context, tx store.Tx, a *model.Account, now time.Time) error {
	a.LedgerLatestUpdateID++
	a.LedgerLatestUpdateTS = now

	if err := addLog(ctx, tx, model.LogRecord{
		CreditorID:      a.CreditorID,
		AddedAt:         now,
		ObjectType:      model.ObjectAccountLedger,
		ObjectUpdateID:  ptr(a.LedgerLatestUpdateID),
		DebtorID:        ptr(a.DebtorID),
		DataPrincipal:   ptr(a.LedgerPrincipal),
		DataNextEntryID: ptr(a.LedgerLastEntryID + 1),
	}); err != nil {
		return err
	}

	return enqueue(ctx, tx, &protocol.UpdatedLedger{
		Header:             protocol.Header{CreditorID: a.CreditorID, DebtorID: a.DebtorID},
		UpdateID:           a.LedgerLatestUpdateID,
		AccountID:          a.AccountIdentity,
		CreationDate:       protocol.NewDate(a.CreationDate),
		Principal:          a.LedgerPrincipal,
		LastTransferNumber: a.LedgerLastTransferNumber,
		TS:                 now,
	}, now)
}

// FixLedgerDrift adds a correcting entry to a caught-up ledger whose
// principal differs from the server's, when the ledger was last updated
// before updatedBefore. It reports whether the ledger was corrected.
func (p *Procedures) FixLedgerDrift(ctx context.Context, key model.AccountKey, updatedBefore time.Time) (bool, error) {
	now := p.clock()
	fixed := false

	err := p.atomic(ctx, "fix_ledger_drift", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		fixed = false

		a, err := getAccount(ctx, tx, key, store.LockUpdate)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !NeedsLedgerDriftFix(a, updatedBefore) {
			return nil
		}

		if _, err := p.correctLedger(ctx, tx, a, decimal.NewFromInt(a.Principal), now); err != nil {
			return err
		}

		a.LedgerPendingTransferTS = nil

		if err := p.ledgerUpdated(ctx, tx, a, now); err != nil {
			return err
		}

		fixed = true

		return tx.UpdateAccount(ctx, a)
	})

	return fixed, err
}

// ScheduleLedgerRepair ensures a pending ledger update for an account whose
// ledger waits for a transfer committed before committedBefore.
func (p *Procedures) ScheduleLedgerRepair(ctx context.Context, key model.AccountKey, committedBefore time.Time) (bool, error) {
	scheduled := false

	err := p.atomic(ctx, "schedule_ledger_repair", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		scheduled = false

		a, err := getAccount(ctx, tx, key, store.LockShare)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !NeedsLedgerRepair(a, committedBefore) {
			return nil
		}

		scheduled = true

		return tx.EnsurePendingLedgerUpdate(ctx, key)
	})

	return scheduled, err
}

// NeedsLedgerRepair reports whether the ledger lags behind the server and
// the transfer it waits for should have arrived before committedBefore.
func NeedsLedgerRepair(a *model.Account, committedBefore time.Time) bool {
	if a.IsLedgerCaughtUp() {
		return false
	}

	if a.LedgerPendingTransferTS != nil {
		return a.LedgerPendingTransferTS.Before(committedBefore)
	}

	return a.LastTransferCommittedAt.Before(committedBefore)
}

// NeedsLedgerDriftFix reports whether a caught-up ledger disagrees with the
// server's principal and was last updated before updatedBefore.
func NeedsLedgerDriftFix(a *model.Account, updatedBefore time.Time) bool {
	return a.LastTransferNumber == a.LedgerLastTransferNumber &&
		a.LedgerPrincipal != a.Principal &&
		a.LedgerLatestUpdateTS.Before(updatedBefore)
}

package procedures

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// ReserveCreditor creates a pristine creditor. Its log continues after any
// log entries left over from an earlier creditor with the same ID, so that
// clients never see an entry ID reused.
func (p *Procedures) ReserveCreditor(ctx context.Context, creditorID int64) (*model.Creditor, error) {
	now := p.clock()

	var result *model.Creditor

	err := p.atomic(ctx, "reserve_creditor", creditorID, func(ctx context.Context, tx store.Tx) error {
		relic, err := tx.MaxLogEntryID(ctx, creditorID)
		if err != nil {
			return fmt.Errorf("max log entry id: %w", err)
		}

		lastLogEntryID := int64(0)
		if relic > 0 {
			lastLogEntryID = relic + 1
		}

		c := &model.Creditor{
			CreditorID:     creditorID,
			CreatedAt:      now,
			ReservationID:  ptr(rand.Int64N(1 << 62)),
			LastLogEntryID: lastLogEntryID,
		}

		err = tx.InsertCreditor(ctx, c)
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrCreditorExists
		}

		if err != nil {
			return err
		}

		result = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ActivateCreditor turns a reserved creditor into an active one. Activating
// an active creditor again succeeds.
func (p *Procedures) ActivateCreditor(ctx context.Context, creditorID, reservationID int64) (*model.Creditor, error) {
	var result *model.Creditor

	err := p.atomic(ctx, "activate_creditor", creditorID, func(ctx context.Context, tx store.Tx) error {
		c, err := getCreditor(ctx, tx, creditorID, store.LockUpdate)
		if errors.Is(err, ErrCreditorNotFound) {
			return ErrInvalidReservationID
		}

		if err != nil {
			return err
		}

		result = c

		if c.Status() != model.CreditorPristine {
			return nil
		}

		if c.ReservationID == nil || *c.ReservationID != reservationID {
			return ErrInvalidReservationID
		}

		c.Activate()

		return tx.UpdateCreditor(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeactivateCreditor stamps the deactivation date and drops the creditor's
// accounts and running transfers. The creditor row itself is removed by
// the creditors scan once the retention expires.
func (p *Procedures) DeactivateCreditor(ctx context.Context, creditorID int64) error {
	now := p.clock()

	return p.atomic(ctx, "deactivate_creditor", creditorID, func(ctx context.Context, tx store.Tx) error {
		c, err := getCreditor(ctx, tx, creditorID, store.LockUpdate)
		if err != nil {
			return err
		}

		if c.Status() != model.CreditorActive {
			return nil
		}

		c.Deactivate(now)

		if _, err := tx.DeleteAccounts(ctx, creditorID); err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}

		if err := tx.DeleteRunningTransfers(ctx, creditorID); err != nil {
			return fmt.Errorf("delete running transfers: %w", err)
		}

		return tx.UpdateCreditor(ctx, c)
	})
}

// GetCreditor returns the creditor, or ErrCreditorNotFound.
func (p *Procedures) GetCreditor(ctx context.Context, creditorID int64) (*model.Creditor, error) {
	var result *model.Creditor

	err := p.atomic(ctx, "get_creditor", creditorID, func(ctx context.Context, tx store.Tx) error {
		c, err := getCreditor(ctx, tx, creditorID, store.LockNone)
		result = c

		return err
	})

	return result, err
}

// CreditorRetention holds how long idle creditors are kept.
type CreditorRetention struct {
	// Inactive applies to creditors that were reserved but never activated.
	Inactive time.Duration
	// Deactivated applies to creditors from their deactivation date.
	Deactivated time.Duration
}

// IsCreditorExpired reports whether the creditor outlived its retention.
func IsCreditorExpired(c *model.Creditor, retention CreditorRetention, now time.Time) bool {
	switch c.Status() {
	case model.CreditorPristine:
		return c.CreatedAt.Before(now.Add(-retention.Inactive))
	case model.CreditorDeactivated:
		return c.DeactivatedAt != nil && c.DeactivatedAt.Before(now.Add(-retention.Deactivated))
	default:
		return false
	}
}

// PurgeCreditor removes an expired creditor together with every row it
// owns. It reports whether the creditor was removed.
func (p *Procedures) PurgeCreditor(ctx context.Context, creditorID int64, retention CreditorRetention) (bool, error) {
	now := p.clock()
	purged := false

	err := p.atomic(ctx, "purge_creditor", creditorID, func(ctx context.Context, tx store.Tx) error {
		purged = false

		c, err := getCreditor(ctx, tx, creditorID, store.LockUpdate)
		if errors.Is(err, ErrCreditorNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !IsCreditorExpired(c, retention, now) {
			return nil
		}

		if err := tx.DeleteCreditor(ctx, creditorID); err != nil {
			return fmt.Errorf("delete creditor: %w", err)
		}

		purged = true

		return nil
	})
	if err == nil && purged {
		p.logger.Log(ctx, log.LevelInfo, "purged creditor", log.Creditor(creditorID))
	}

	return purged, err
}

// ProcessPendingLogEntries moves the creditor's pending log entries into
// its log, in staging order, and returns how many entries were appended.
// Creating or deleting an object that belongs to a list also appends an
// entry for the list.
func (p *Procedures) ProcessPendingLogEntries(ctx context.Context, creditorID int64) (int, error) {
	appended := 0

	err := p.atomic(ctx, "process_pending_log_entries", creditorID, func(ctx context.Context, tx store.Tx) error {
		appended = 0

		pending, err := tx.ListPendingLogEntries(ctx, creditorID)
		if err != nil || len(pending) == 0 {
			return err
		}

		upTo := pending[len(pending)-1].PendingEntryID

		c, err := getCreditor(ctx, tx, creditorID, store.LockUpdate)
		if errors.Is(err, ErrCreditorNotFound) {
			p.logger.Log(ctx, log.LevelWarn, "discarding log entries of a missing creditor",
				log.Creditor(creditorID),
				log.Int("entries", len(pending)),
			)

			return tx.DeletePendingLogEntries(ctx, creditorID, upTo)
		}

		if err != nil {
			return err
		}

		entries := make([]model.LogEntry, 0, len(pending))

		for _, pe := range pending {
			entries = append(entries, model.LogEntry{EntryID: c.NextLogEntryID(), LogRecord: pe.LogRecord})

			if rec, ok := listRecord(c, &pe.LogRecord); ok {
				entries = append(entries, model.LogEntry{EntryID: c.NextLogEntryID(), LogRecord: rec})
			}
		}

		err = tx.InsertLogEntries(ctx, entries)
		if errors.Is(err, store.ErrAlreadyExists) {
			return &InvariantViolation{
				Entity: "log entry",
				Detail: fmt.Sprintf("log of creditor %d already has entries after %d", creditorID, entries[0].EntryID-1),
			}
		}

		if err != nil {
			return err
		}

		if err := tx.DeletePendingLogEntries(ctx, creditorID, upTo); err != nil {
			return err
		}

		appended = len(entries)

		return tx.UpdateCreditor(ctx, c)
	})

	return appended, err
}

// DiscardPendingLogEntries deletes the pending log entries of a creditor
// that lies outside the shard, as left behind by a shard split, and
// returns how many were deleted.
func (p *Procedures) DiscardPendingLogEntries(ctx context.Context, creditorID int64) (int, error) {
	if p.shard.Owns(creditorID) {
		return 0, fmt.Errorf("%w: creditor %d", ErrCreditorOwned, creditorID)
	}

	discarded := 0

	err := p.inTx(ctx, "discard_pending_log_entries", creditorID, func(ctx context.Context, tx store.Tx) error {
		pending, err := tx.ListPendingLogEntries(ctx, creditorID)
		if err != nil || len(pending) == 0 {
			return err
		}

		discarded = len(pending)

		return tx.DeletePendingLogEntries(ctx, creditorID, pending[len(pending)-1].PendingEntryID)
	})

	return discarded, err
}

// listRecord returns the list entry that accompanies rec, if any.
func listRecord(c *model.Creditor, rec *model.LogRecord) (model.LogRecord, bool) {
	if !rec.IsDeleted && !rec.IsCreated() {
		return model.LogRecord{}, false
	}

	var (
		listType string
		updateID int64
	)

	switch rec.ObjectType {
	case model.ObjectTransfer:
		c.TransfersListLatestUpdateID++
		listType, updateID = model.ObjectTransfersList, c.TransfersListLatestUpdateID
	case model.ObjectAccount:
		c.AccountsListLatestUpdateID++
		listType, updateID = model.ObjectAccountsList, c.AccountsListLatestUpdateID
	default:
		return model.LogRecord{}, false
	}

	return model.LogRecord{
		CreditorID:     rec.CreditorID,
		AddedAt:        rec.AddedAt,
		ObjectType:     listType,
		ObjectUpdateID: ptr(updateID),
	}, true
}

package procedures

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// ProcessAccountTransfer records a committed transfer. A repeated identical
// transfer changes nothing, a different transfer under the same key is an
// InvariantViolation.
func (p *Procedures) ProcessAccountTransfer(ctx context.Context, msg *protocol.AccountTransfer) error {
	now := p.clock()
	key := msg.Key()

	if now.Sub(minTime(msg.TS, msg.CommittedAt)) > p.cfg.LogRetention {
		p.dropped(ctx, "older than the log retention", key, log.String("type", msg.Type()))
		return nil
	}

	transfer := msg.Transfer()
	transfer.CreationDate = model.Date(transfer.CreationDate)

	return p.atomic(ctx, "process_account_transfer", key.CreditorID, func(ctx context.Context, tx store.Tx) error {
		a, err := getAccount(ctx, tx, key, store.LockShare)
		if errors.Is(err, ErrAccountNotFound) {
			p.dropped(ctx, "unknown account", key, log.String("type", msg.Type()))
			return nil
		}

		if err != nil {
			return err
		}

		inserted, err := tx.InsertCommittedTransfer(ctx, transfer)
		if err != nil {
			return fmt.Errorf("insert committed transfer: %w", err)
		}

		if !inserted {
			return checkDuplicateTransfer(ctx, tx, transfer)
		}

		if err := addLog(ctx, tx, model.LogRecord{
			CreditorID:     transfer.CreditorID,
			AddedAt:        now,
			ObjectType:     model.ObjectCommittedTransfer,
			DebtorID:       ptr(transfer.DebtorID),
			CreationDate:   ptr(transfer.CreationDate),
			TransferNumber: ptr(transfer.TransferNumber),
			DataPrincipal:  ptr(transfer.Principal),
		}); err != nil {
			return err
		}

		if transfer.CreationDate.Equal(model.Date(a.CreationDate)) &&
			transfer.PreviousTransferNumber == a.LedgerLastTransferNumber {
			return tx.EnsurePendingLedgerUpdate(ctx, key)
		}

		return nil
	})
}

func checkDuplicateTransfer(ctx context.Context, tx store.Tx, transfer *model.CommittedTransfer) error {
	existing, err := tx.GetCommittedTransfer(ctx, store.TransferKey{
		CreditorID:     transfer.CreditorID,
		DebtorID:       transfer.DebtorID,
		CreationDate:   transfer.CreationDate,
		TransferNumber: transfer.TransferNumber,
	})
	if err != nil {
		return fmt.Errorf("get committed transfer: %w", err)
	}

	if !existing.SameAs(transfer) {
		return &InvariantViolation{
			Entity: "committed transfer",
			Detail: fmt.Sprintf("conflicting duplicate of transfer %d of account (%d, %d)",
				transfer.TransferNumber, transfer.CreditorID, transfer.DebtorID),
		}
	}

	return nil
}

// ProcessRejectedTransfer finalizes a running transfer the debtor refused
// to prepare.
func (p *Procedures) ProcessRejectedTransfer(ctx context.Context, msg *protocol.RejectedTransfer) error {
	now := p.clock()
	key := msg.Key()

	if !msg.IsDirect() {
		p.dropped(ctx, "foreign coordinator", key, log.String("coordinator_type", msg.CoordinatorType))
		return nil
	}

	return p.atomic(ctx, "process_rejected_transfer", msg.CoordinatorID, func(ctx context.Context, tx store.Tx) error {
		rt, err := findRunningTransfer(ctx, tx, &msg.Coordinator)
		if err != nil || rt == nil || rt.IsFinalized() {
			return err
		}

		if rt.DebtorID == msg.DebtorID && rt.CreditorID == msg.CreditorID {
			return finalizeTransfer(ctx, tx, rt, ptr(msg.StatusCode), ptr(msg.TotalLockedAmount), now)
		}

		return finalizeTransfer(ctx, tx, rt, ptr(model.SCUnexpectedError), nil, now)
	})
}

// ProcessPreparedTransfer commits a prepared transfer that belongs to a
// live running transfer and dismisses every other one.
func (p *Procedures) ProcessPreparedTransfer(ctx context.Context, msg *protocol.PreparedTransfer) error {
	now := p.clock()
	key := msg.Key()

	if !msg.IsDirect() {
		p.dropped(ctx, "foreign coordinator", key, log.String("coordinator_type", msg.CoordinatorType))
		return nil
	}

	return p.atomic(ctx, "process_prepared_transfer", msg.CoordinatorID, func(ctx context.Context, tx store.Tx) error {
		rt, err := findRunningTransfer(ctx, tx, &msg.Coordinator)
		if err != nil {
			return err
		}

		finalize := &protocol.FinalizeTransfer{
			Header:               protocol.Header{CreditorID: msg.CreditorID, DebtorID: msg.DebtorID},
			TransferID:           msg.TransferID,
			CoordinatorID:        msg.CoordinatorID,
			CoordinatorRequestID: msg.CoordinatorRequestID,
			TS:                   now,
		}

		matches := rt != nil &&
			rt.DebtorID == msg.DebtorID &&
			rt.CreditorID == msg.CreditorID &&
			rt.Recipient == msg.Recipient

		if matches {
			if !rt.IsFinalized() && rt.TransferID == nil {
				rt.TransferID = ptr(msg.TransferID)
				if err := tx.UpdateRunningTransfer(ctx, rt); err != nil {
					return err
				}
			}

			if rt.TransferID != nil && *rt.TransferID == msg.TransferID {
				finalize.CommittedAmount = rt.Amount
				finalize.TransferNoteFormat = rt.TransferNoteFormat
				finalize.TransferNote = rt.TransferNote

				return enqueue(ctx, tx, finalize, now)
			}
		}

		p.dropped(ctx, "dismissed prepared transfer", key, log.Int64("transfer_id", msg.TransferID))

		return enqueue(ctx, tx, finalize, now)
	})
}

// ProcessFinalizedTransfer records the outcome of a running transfer.
func (p *Procedures) ProcessFinalizedTransfer(ctx context.Context, msg *protocol.FinalizedTransfer) error {
	now := p.clock()
	key := msg.Key()

	if !msg.IsDirect() {
		p.dropped(ctx, "foreign coordinator", key, log.String("coordinator_type", msg.CoordinatorType))
		return nil
	}

	return p.atomic(ctx, "process_finalized_transfer", msg.CoordinatorID, func(ctx context.Context, tx store.Tx) error {
		rt, err := findRunningTransfer(ctx, tx, &msg.Coordinator)
		if err != nil || rt == nil || rt.IsFinalized() {
			return err
		}

		if rt.DebtorID != msg.DebtorID || rt.CreditorID != msg.CreditorID ||
			rt.TransferID == nil || *rt.TransferID != msg.TransferID {
			p.dropped(ctx, "unknown transfer", key, log.Int64("transfer_id", msg.TransferID))
			return nil
		}

		switch {
		case msg.CommittedAmount == rt.Amount:
			return finalizeTransfer(ctx, tx, rt, nil, nil, now)
		case msg.CommittedAmount == 0:
			return finalizeTransfer(ctx, tx, rt, ptr(msg.StatusCode), ptr(msg.TotalLockedAmount), now)
		default:
			return finalizeTransfer(ctx, tx, rt, ptr(model.SCUnexpectedError), nil, now)
		}
	})
}

func findRunningTransfer(ctx context.Context, tx store.Tx, c *protocol.Coordinator) (*model.RunningTransfer, error) {
	rt, err := tx.FindRunningTransfer(ctx, c.CoordinatorID, c.CoordinatorRequestID, store.LockUpdate)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	return rt, err
}

func finalizeTransfer(
	ctx context.Context,
	tx store.Tx,
	rt *model.RunningTransfer,
	errorCode *string,
	totalLocked *int64,
	now time.Time,
) error {
	if rt.IsFinalized() {
		return nil
	}

	rt.LatestUpdateID++
	rt.LatestUpdateTS = now
	rt.FinalizedAt = ptr(now)
	rt.ErrorCode = errorCode
	rt.TotalLockedAmount = totalLocked

	if err := tx.UpdateRunningTransfer(ctx, rt); err != nil {
		return err
	}

	return addLog(ctx, tx, model.LogRecord{
		CreditorID:      rt.CreditorID,
		AddedAt:         now,
		ObjectType:      model.ObjectTransfer,
		ObjectUpdateID:  ptr(rt.LatestUpdateID),
		TransferUUID:    ptr(rt.TransferUUID),
		DataFinalizedAt: rt.FinalizedAt,
		DataErrorCode:   rt.ErrorCode,
	})
}

// TransferRequest describes a direct transfer initiated by a creditor.
type TransferRequest struct {
	CreditorID         int64
	TransferUUID       uuid.UUID
	DebtorID           int64
	Amount             int64
	RecipientURI       string
	Recipient          string
	TransferNoteFormat string
	TransferNote       string
	Deadline           *time.Time
	MinInterestRate    float32
}

func (r *TransferRequest) sameAs(rt *model.RunningTransfer) bool {
	sameDeadline := (r.Deadline == nil && rt.Deadline == nil) ||
		(r.Deadline != nil && rt.Deadline != nil && r.Deadline.Equal(*rt.Deadline))

	return sameDeadline &&
		r.DebtorID == rt.DebtorID &&
		r.Amount == rt.Amount &&
		r.RecipientURI == rt.RecipientURI &&
		r.Recipient == rt.Recipient &&
		r.TransferNoteFormat == rt.TransferNoteFormat &&
		r.TransferNote == rt.TransferNote &&
		r.MinInterestRate == rt.MinInterestRate
}

// InitiateTransfer starts a direct transfer and asks the debtor to prepare
// it. Repeating an identical request returns ErrTransferExists.
func (p *Procedures) InitiateTransfer(ctx context.Context, req TransferRequest) (*model.RunningTransfer, error) {
	if req.Amount <= 0 || req.TransferUUID == uuid.Nil || req.MinInterestRate < -100 ||
		len(req.TransferNote) > model.TransferNoteMaxBytes {
		return nil, ErrInvalidTransferRequest
	}

	now := p.clock()

	var result *model.RunningTransfer

	err := p.atomic(ctx, "initiate_transfer", req.CreditorID, func(ctx context.Context, tx store.Tx) error {
		if _, err := getCreditor(ctx, tx, req.CreditorID, store.LockShare); err != nil {
			return err
		}

		existing, err := tx.GetRunningTransfer(ctx, req.CreditorID, req.TransferUUID, store.LockShare)
		switch {
		case err == nil && req.sameAs(existing):
			return ErrTransferExists
		case err == nil:
			return ErrUpdateConflict
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		requestID, err := tx.NextCoordinatorRequestID(ctx)
		if err != nil {
			return fmt.Errorf("next coordinator request id: %w", err)
		}

		rt := &model.RunningTransfer{
			CreditorID:           req.CreditorID,
			TransferUUID:         req.TransferUUID,
			DebtorID:             req.DebtorID,
			Amount:               req.Amount,
			RecipientURI:         req.RecipientURI,
			Recipient:            req.Recipient,
			TransferNoteFormat:   req.TransferNoteFormat,
			TransferNote:         req.TransferNote,
			InitiatedAt:          now,
			Deadline:             req.Deadline,
			MinInterestRate:      req.MinInterestRate,
			CoordinatorRequestID: requestID,
			LatestUpdateID:       1,
			LatestUpdateTS:       now,
		}

		if err := tx.InsertRunningTransfer(ctx, rt); err != nil {
			return fmt.Errorf("insert running transfer: %w", err)
		}

		if err := enqueue(ctx, tx, &protocol.PrepareTransfer{
			Header:               protocol.Header{CreditorID: req.CreditorID, DebtorID: req.DebtorID},
			CoordinatorRequestID: requestID,
			MinLockedAmount:      req.Amount,
			MaxLockedAmount:      req.Amount,
			Recipient:            req.Recipient,
			FinalInterestRateTS:  finalInterestRateTS(now, req.Deadline),
			MaxCommitDelay:       maxCommitDelay(now, req.Deadline),
			TS:                   now,
		}, now); err != nil {
			return err
		}

		result = rt

		return addLog(ctx, tx, model.LogRecord{
			CreditorID:     req.CreditorID,
			AddedAt:        now,
			ObjectType:     model.ObjectTransfer,
			ObjectUpdateID: ptr(rt.LatestUpdateID),
			TransferUUID:   ptr(rt.TransferUUID),
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func maxCommitDelay(now time.Time, deadline *time.Time) int32 {
	if deadline == nil {
		return math.MaxInt32
	}

	seconds := math.Floor(deadline.Sub(now).Seconds())

	return int32(max(0, min(seconds, math.MaxInt32)))
}

// The interest rate is fixed at the deadline, or never when there is none.
func finalInterestRateTS(now time.Time, deadline *time.Time) time.Time {
	if deadline == nil {
		return time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}

	return minTime(*deadline, now.Add(time.Duration(math.MaxInt32)*time.Second)).UTC()
}

// CancelTransfer finalizes a running transfer that the debtor has not
// prepared yet.
func (p *Procedures) CancelTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) (*model.RunningTransfer, error) {
	now := p.clock()

	var result *model.RunningTransfer

	err := p.atomic(ctx, "cancel_transfer", creditorID, func(ctx context.Context, tx store.Tx) error {
		rt, err := tx.GetRunningTransfer(ctx, creditorID, transferUUID, store.LockUpdate)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTransferNotFound
		}

		if err != nil {
			return err
		}

		if rt.TransferID != nil {
			return ErrForbiddenCancellation
		}

		if err := finalizeTransfer(ctx, tx, rt, ptr(model.SCCanceledBySender), nil, now); err != nil {
			return err
		}

		result = rt

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteTransfer forgets a running transfer.
func (p *Procedures) DeleteTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) error {
	now := p.clock()

	return p.atomic(ctx, "delete_transfer", creditorID, func(ctx context.Context, tx store.Tx) error {
		err := tx.DeleteRunningTransfer(ctx, creditorID, transferUUID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTransferNotFound
		}

		if err != nil {
			return err
		}

		return addLog(ctx, tx, model.LogRecord{
			CreditorID:   creditorID,
			AddedAt:      now,
			ObjectType:   model.ObjectTransfer,
			IsDeleted:    true,
			TransferUUID: ptr(transferUUID),
		})
	})
}

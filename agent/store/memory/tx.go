package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

type tx struct {
	t *tables
}

var _ store.Tx = (*tx)(nil)

func (x *tx) GetCreditor(_ context.Context, creditorID int64, _ store.LockMode) (*model.Creditor, error) {
	c, ok := x.t.creditors[creditorID]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &c, nil
}

func (x *tx) InsertCreditor(_ context.Context, c *model.Creditor) error {
	if _, ok := x.t.creditors[c.CreditorID]; ok {
		return store.ErrAlreadyExists
	}

	x.t.creditors[c.CreditorID] = *c

	return nil
}

func (x *tx) UpdateCreditor(_ context.Context, c *model.Creditor) error {
	if _, ok := x.t.creditors[c.CreditorID]; !ok {
		return store.ErrNotFound
	}

	x.t.creditors[c.CreditorID] = *c

	return nil
}

func (x *tx) DeleteCreditor(ctx context.Context, creditorID int64) error {
	if _, ok := x.t.creditors[creditorID]; !ok {
		return store.ErrNotFound
	}

	delete(x.t.creditors, creditorID)

	if _, err := x.DeleteAccounts(ctx, creditorID); err != nil {
		return err
	}

	for id, e := range x.t.pendingLogs {
		if e.CreditorID == creditorID {
			delete(x.t.pendingLogs, id)
		}
	}

	for k := range x.t.logEntries {
		if k.creditorID == creditorID {
			delete(x.t.logEntries, k)
		}
	}

	for k := range x.t.committed {
		if k.creditorID == creditorID {
			delete(x.t.committed, k)
		}
	}

	return x.DeleteRunningTransfers(ctx, creditorID)
}

func (x *tx) MaxLogEntryID(_ context.Context, creditorID int64) (int64, error) {
	var maxID int64

	for k := range x.t.logEntries {
		if k.creditorID == creditorID && k.entryID > maxID {
			maxID = k.entryID
		}
	}

	return maxID, nil
}

func (x *tx) GetAccount(_ context.Context, key model.AccountKey, _ store.LockMode) (*model.Account, error) {
	a, ok := x.t.accounts[key]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &a, nil
}

func (x *tx) InsertAccount(_ context.Context, a *model.Account) error {
	if _, ok := x.t.accounts[a.Key()]; ok {
		return store.ErrAlreadyExists
	}

	x.t.accounts[a.Key()] = *a

	return nil
}

func (x *tx) UpdateAccount(_ context.Context, a *model.Account) error {
	if _, ok := x.t.accounts[a.Key()]; !ok {
		return store.ErrNotFound
	}

	x.t.accounts[a.Key()] = *a

	return nil
}

func (x *tx) DeleteAccount(_ context.Context, key model.AccountKey) error {
	if _, ok := x.t.accounts[key]; !ok {
		return store.ErrNotFound
	}

	x.deleteAccount(key)

	return nil
}

func (x *tx) deleteAccount(key model.AccountKey) {
	delete(x.t.accounts, key)
	delete(x.t.pendingLedger, key)

	for k := range x.t.ledgerEntries {
		if k.creditorID == key.CreditorID && k.debtorID == key.DebtorID {
			delete(x.t.ledgerEntries, k)
		}
	}
}

func (x *tx) DeleteAccounts(_ context.Context, creditorID int64) ([]int64, error) {
	var debtorIDs []int64

	for k := range x.t.accounts {
		if k.CreditorID == creditorID {
			debtorIDs = append(debtorIDs, k.DebtorID)
		}
	}

	sort.Slice(debtorIDs, func(i, j int) bool { return debtorIDs[i] < debtorIDs[j] })

	for _, d := range debtorIDs {
		x.deleteAccount(model.AccountKey{CreditorID: creditorID, DebtorID: d})
	}

	return debtorIDs, nil
}

func (x *tx) CountPeggedAccounts(_ context.Context, creditorID, pegDebtorID int64) (int, error) {
	n := 0

	for k, a := range x.t.accounts {
		if k.CreditorID == creditorID && a.PegDebtorID != nil && *a.PegDebtorID == pegDebtorID {
			n++
		}
	}

	return n, nil
}

func (x *tx) InsertPendingLogEntry(_ context.Context, e *model.PendingLogEntry) error {
	x.t.nextPendingLogID++
	e.PendingEntryID = x.t.nextPendingLogID
	x.t.pendingLogs[e.PendingEntryID] = *e

	return nil
}

func (x *tx) ListPendingLogEntries(_ context.Context, creditorID int64) ([]model.PendingLogEntry, error) {
	var entries []model.PendingLogEntry

	for _, e := range x.t.pendingLogs {
		if e.CreditorID == creditorID {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].PendingEntryID < entries[j].PendingEntryID })

	return entries, nil
}

func (x *tx) DeletePendingLogEntries(_ context.Context, creditorID int64, upToID int64) error {
	for id, e := range x.t.pendingLogs {
		if e.CreditorID == creditorID && id <= upToID {
			delete(x.t.pendingLogs, id)
		}
	}

	return nil
}

func (x *tx) InsertLogEntries(_ context.Context, entries []model.LogEntry) error {
	for _, e := range entries {
		k := logKey{creditorID: e.CreditorID, entryID: e.EntryID}
		if _, ok := x.t.logEntries[k]; ok {
			return store.ErrAlreadyExists
		}

		x.t.logEntries[k] = e
	}

	return nil
}

func (x *tx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	k := ledgerKey{creditorID: e.CreditorID, debtorID: e.DebtorID, entryID: e.EntryID}
	if _, ok := x.t.ledgerEntries[k]; ok {
		return store.ErrAlreadyExists
	}

	x.t.ledgerEntries[k] = *e

	return nil
}

func (x *tx) InsertCommittedTransfer(_ context.Context, t *model.CommittedTransfer) (bool, error) {
	k := newTransferKey(store.TransferKey{
		CreditorID:     t.CreditorID,
		DebtorID:       t.DebtorID,
		CreationDate:   t.CreationDate,
		TransferNumber: t.TransferNumber,
	})

	if _, ok := x.t.committed[k]; ok {
		return false, nil
	}

	x.t.committed[k] = *t

	return true, nil
}

func (x *tx) GetCommittedTransfer(_ context.Context, key store.TransferKey) (*model.CommittedTransfer, error) {
	t, ok := x.t.committed[newTransferKey(key)]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &t, nil
}

func (x *tx) ListCommittedTransfers(
	_ context.Context,
	key model.AccountKey,
	creationDate time.Time,
	afterNumber int64,
	limit int,
) ([]model.CommittedTransfer, error) {
	date := model.Date(creationDate).Unix()

	var out []model.CommittedTransfer

	for k, t := range x.t.committed {
		if k.creditorID == key.CreditorID && k.debtorID == key.DebtorID &&
			k.creationDate == date && k.transferNumber > afterNumber {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TransferNumber < out[j].TransferNumber })

	return truncate(out, limit), nil
}

func (x *tx) EnsurePendingLedgerUpdate(_ context.Context, key model.AccountKey) error {
	x.t.pendingLedger[key] = struct{}{}

	return nil
}

func (x *tx) HasPendingLedgerUpdate(_ context.Context, key model.AccountKey, _ store.LockMode) (bool, error) {
	_, ok := x.t.pendingLedger[key]

	return ok, nil
}

func (x *tx) DeletePendingLedgerUpdate(_ context.Context, key model.AccountKey) error {
	delete(x.t.pendingLedger, key)

	return nil
}

func (x *tx) InsertRunningTransfer(_ context.Context, t *model.RunningTransfer) error {
	k := runningKey{creditorID: t.CreditorID, transferUUID: t.TransferUUID}
	if _, ok := x.t.running[k]; ok {
		return store.ErrAlreadyExists
	}

	for _, other := range x.t.running {
		if other.CreditorID == t.CreditorID && other.CoordinatorRequestID == t.CoordinatorRequestID {
			return store.ErrAlreadyExists
		}
	}

	x.t.running[k] = *t

	return nil
}

func (x *tx) GetRunningTransfer(_ context.Context, creditorID int64, transferUUID uuid.UUID, _ store.LockMode) (*model.RunningTransfer, error) {
	t, ok := x.t.running[runningKey{creditorID: creditorID, transferUUID: transferUUID}]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &t, nil
}

func (x *tx) FindRunningTransfer(_ context.Context, creditorID, coordinatorRequestID int64, _ store.LockMode) (*model.RunningTransfer, error) {
	for _, t := range x.t.running {
		if t.CreditorID == creditorID && t.CoordinatorRequestID == coordinatorRequestID {
			return &t, nil
		}
	}

	return nil, store.ErrNotFound
}

func (x *tx) UpdateRunningTransfer(_ context.Context, t *model.RunningTransfer) error {
	k := runningKey{creditorID: t.CreditorID, transferUUID: t.TransferUUID}
	if _, ok := x.t.running[k]; !ok {
		return store.ErrNotFound
	}

	x.t.running[k] = *t

	return nil
}

func (x *tx) DeleteRunningTransfer(_ context.Context, creditorID int64, transferUUID uuid.UUID) error {
	k := runningKey{creditorID: creditorID, transferUUID: transferUUID}
	if _, ok := x.t.running[k]; !ok {
		return store.ErrNotFound
	}

	delete(x.t.running, k)

	return nil
}

func (x *tx) DeleteRunningTransfers(_ context.Context, creditorID int64) error {
	for k := range x.t.running {
		if k.creditorID == creditorID {
			delete(x.t.running, k)
		}
	}

	return nil
}

func (x *tx) CountUnfinalizedTransfers(_ context.Context, key model.AccountKey) (int, error) {
	n := 0

	for _, t := range x.t.running {
		if t.CreditorID == key.CreditorID && t.DebtorID == key.DebtorID && !t.IsFinalized() {
			n++
		}
	}

	return n, nil
}

func (x *tx) NextCoordinatorRequestID(_ context.Context) (int64, error) {
	x.t.nextCoordinatorReq++

	return x.t.nextCoordinatorReq, nil
}

func (x *tx) InsertOutbox(_ context.Context, msg *model.OutboxMessage) (bool, error) {
	return insertOutbox(x.t, msg), nil
}

func insertOutbox(t *tables, msg *model.OutboxMessage) bool {
	if _, ok := t.dedup[msg.DedupKey]; ok {
		return false
	}

	t.nextOutboxID++
	msg.ID = t.nextOutboxID
	t.outbox[msg.ID] = *msg
	t.dedup[msg.DedupKey] = msg.ID

	return true
}

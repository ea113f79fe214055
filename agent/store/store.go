// Package store defines the durable record store used by every component.
//
// All state changes run inside Store.Atomic. A transaction either commits
// every row it touched (state, pending log entries, outbox messages) or none.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when inserting a row with a taken key.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrTransient marks failures worth retrying, such as serialization
	// failures, deadlocks or a lost connection.
	ErrTransient = errors.New("store: transient failure")
	// ErrClaimLost is returned when an outbox claim token no longer matches.
	ErrClaimLost = errors.New("store: outbox claim lost")
)

// LockMode selects the row lock taken by a read inside a transaction.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockUpdate
)

// TransferKey identifies a committed transfer.
type TransferKey struct {
	CreditorID     int64
	DebtorID       int64
	CreationDate   time.Time
	TransferNumber int64
}

// Store opens transactions and runs the queries that do not need one.
type Store interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreditorsWithPendingLogEntries(ctx context.Context, limit int) ([]int64, error)
	PendingLedgerUpdates(ctx context.Context, limit int) ([]model.AccountKey, error)

	ScanCreditors(ctx context.Context, afterID *int64, limit int) ([]model.Creditor, error)
	ScanAccounts(ctx context.Context, after *model.AccountKey, limit int) ([]model.Account, error)

	PurgeLogEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error)
	PurgeLedgerEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error)
	PurgeCommittedTransfers(ctx context.Context, committedBefore time.Time, limit int) (int, error)
}

// Tx is the set of operations available inside Store.Atomic.
type Tx interface {
	GetCreditor(ctx context.Context, creditorID int64, lock LockMode) (*model.Creditor, error)
	InsertCreditor(ctx context.Context, c *model.Creditor) error
	UpdateCreditor(ctx context.Context, c *model.Creditor) error
	// DeleteCreditor removes the creditor and every row it owns.
	DeleteCreditor(ctx context.Context, creditorID int64) error
	MaxLogEntryID(ctx context.Context, creditorID int64) (int64, error)

	GetAccount(ctx context.Context, key model.AccountKey, lock LockMode) (*model.Account, error)
	InsertAccount(ctx context.Context, a *model.Account) error
	UpdateAccount(ctx context.Context, a *model.Account) error
	// DeleteAccount removes the account with its ledger entries and
	// pending ledger update.
	DeleteAccount(ctx context.Context, key model.AccountKey) error
	DeleteAccounts(ctx context.Context, creditorID int64) ([]int64, error)
	CountPeggedAccounts(ctx context.Context, creditorID, pegDebtorID int64) (int, error)

	InsertPendingLogEntry(ctx context.Context, e *model.PendingLogEntry) error
	ListPendingLogEntries(ctx context.Context, creditorID int64) ([]model.PendingLogEntry, error)
	DeletePendingLogEntries(ctx context.Context, creditorID int64, upToID int64) error
	InsertLogEntries(ctx context.Context, entries []model.LogEntry) error

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// InsertCommittedTransfer reports false when the key is already taken.
	InsertCommittedTransfer(ctx context.Context, t *model.CommittedTransfer) (bool, error)
	GetCommittedTransfer(ctx context.Context, key TransferKey) (*model.CommittedTransfer, error)
	// ListCommittedTransfers returns transfers of one account incarnation
	// with a number greater than afterNumber, in number order.
	ListCommittedTransfers(ctx context.Context, key model.AccountKey, creationDate time.Time, afterNumber int64, limit int) ([]model.CommittedTransfer, error)

	EnsurePendingLedgerUpdate(ctx context.Context, key model.AccountKey) error
	HasPendingLedgerUpdate(ctx context.Context, key model.AccountKey, lock LockMode) (bool, error)
	DeletePendingLedgerUpdate(ctx context.Context, key model.AccountKey) error

	InsertRunningTransfer(ctx context.Context, t *model.RunningTransfer) error
	GetRunningTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID, lock LockMode) (*model.RunningTransfer, error)
	FindRunningTransfer(ctx context.Context, creditorID, coordinatorRequestID int64, lock LockMode) (*model.RunningTransfer, error)
	UpdateRunningTransfer(ctx context.Context, t *model.RunningTransfer) error
	DeleteRunningTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) error
	DeleteRunningTransfers(ctx context.Context, creditorID int64) error
	CountUnfinalizedTransfers(ctx context.Context, key model.AccountKey) (int, error)
	NextCoordinatorRequestID(ctx context.Context) (int64, error)

	// InsertOutbox reports false when a message with the same dedup key is
	// already queued.
	InsertOutbox(ctx context.Context, msg *model.OutboxMessage) (bool, error)
}

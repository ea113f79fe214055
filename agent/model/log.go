package model

import (
	"time"

	"github.com/google/uuid"
)

// Object types written to the creditor log.
const (
	ObjectCreditor          = "Creditor"
	ObjectAccount           = "Account"
	ObjectAccountsList      = "AccountsList"
	ObjectAccountConfig     = "AccountConfig"
	ObjectAccountInfo       = "AccountInfo"
	ObjectAccountLedger     = "AccountLedger"
	ObjectAccountExchange   = "AccountExchange"
	ObjectTransfer          = "Transfer"
	ObjectTransfersList     = "TransfersList"
	ObjectCommittedTransfer = "CommittedTransfer"
)

// LogRecord is the content shared by pending and committed log entries.
type LogRecord struct {
	CreditorID     int64
	AddedAt        time.Time
	ObjectType     string
	ObjectUpdateID *int64
	IsDeleted      bool

	DebtorID        *int64
	CreationDate    *time.Time
	TransferNumber  *int64
	TransferUUID    *uuid.UUID
	DataPrincipal   *int64
	DataNextEntryID *int64
	DataFinalizedAt *time.Time
	DataErrorCode   *string
}

// PendingLogEntry is staged by a state change and moved into the creditor
// log by the log processor.
type PendingLogEntry struct {
	PendingEntryID int64
	LogRecord
}

// LogEntry is an immutable record of the creditor log.
type LogEntry struct {
	EntryID int64
	LogRecord
}

// IsCreated reports whether the entry announces a new object.
func (r *LogRecord) IsCreated() bool {
	return !r.IsDeleted && (r.ObjectUpdateID == nil || *r.ObjectUpdateID == 1)
}

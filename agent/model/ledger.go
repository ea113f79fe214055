package model

import "time"

// LedgerEntry is one balance-affecting row of an account ledger. Correcting
// entries have nil CreationDate and TransferNumber.
type LedgerEntry struct {
	CreditorID     int64
	DebtorID       int64
	EntryID        int64
	CreationDate   *time.Time
	TransferNumber *int64
	AcquiredAmount int64
	Principal      int64
	AddedAt        time.Time
}

// PendingLedgerUpdate marks an account whose ledger may be advanced.
type PendingLedgerUpdate struct {
	CreditorID int64
	DebtorID   int64
}

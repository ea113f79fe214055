package model

import (
	"time"

	"github.com/google/uuid"
)

// CoordinatorDirect is the only coordinator type the agent initiates.
const CoordinatorDirect = "direct"

// TransferNoteMaxBytes bounds the UTF-8 length of a transfer note.
const TransferNoteMaxBytes = 500

// Status codes written when finalizing running transfers.
const (
	SCUnexpectedError      = "UNEXPECTED_ERROR"
	SCCanceledBySender     = "CANCELED_BY_THE_SENDER"
	SCNoConnectionToDebtor = "NO_CONNECTION_TO_DEBTOR"
)

// CommittedTransfer is an immutable transfer confirmed by the debtor.
type CommittedTransfer struct {
	CreditorID             int64
	DebtorID               int64
	CreationDate           time.Time
	TransferNumber         int64
	CoordinatorType        string
	Sender                 string
	Recipient              string
	AcquiredAmount         int64
	TransferNoteFormat     string
	TransferNote           string
	CommittedAt            time.Time
	Principal              int64
	PreviousTransferNumber int64
}

// SameAs reports whether two records describe the same transfer. It is used
// to tell a harmless redelivery from a conflicting duplicate.
func (t *CommittedTransfer) SameAs(o *CommittedTransfer) bool {
	return t.CreditorID == o.CreditorID &&
		t.DebtorID == o.DebtorID &&
		t.CreationDate.Equal(o.CreationDate) &&
		t.TransferNumber == o.TransferNumber &&
		t.CoordinatorType == o.CoordinatorType &&
		t.Sender == o.Sender &&
		t.Recipient == o.Recipient &&
		t.AcquiredAmount == o.AcquiredAmount &&
		t.TransferNoteFormat == o.TransferNoteFormat &&
		t.TransferNote == o.TransferNote &&
		t.CommittedAt.Equal(o.CommittedAt) &&
		t.Principal == o.Principal &&
		t.PreviousTransferNumber == o.PreviousTransferNumber
}

// RunningTransfer is a direct transfer initiated by a local creditor.
type RunningTransfer struct {
	CreditorID           int64
	TransferUUID         uuid.UUID
	DebtorID             int64
	Amount               int64
	RecipientURI         string
	Recipient            string
	TransferNoteFormat   string
	TransferNote         string
	InitiatedAt          time.Time
	FinalizedAt          *time.Time
	ErrorCode            *string
	TotalLockedAmount    *int64
	Deadline             *time.Time
	MinInterestRate      float32
	CoordinatorRequestID int64
	TransferID           *int64
	LatestUpdateID       int64
	LatestUpdateTS       time.Time
}

// IsFinalized reports whether the transfer reached a final state.
func (t *RunningTransfer) IsFinalized() bool {
	return t.FinalizedAt != nil
}

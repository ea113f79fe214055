package model

import (
	"time"

	"github.com/google/uuid"
)

// SignalKind is the type of an outgoing protocol message.
type SignalKind string

const (
	KindConfigureAccount SignalKind = "ConfigureAccount"
	KindPrepareTransfer  SignalKind = "PrepareTransfer"
	KindFinalizeTransfer SignalKind = "FinalizeTransfer"
	KindUpdatedLedger    SignalKind = "UpdatedLedger"
	KindUpdatedPolicy    SignalKind = "UpdatedPolicy"
	KindUpdatedFlags     SignalKind = "UpdatedFlags"
	KindRejectedConfig   SignalKind = "RejectedConfig"
)

// SignalKinds lists every outgoing kind.
var SignalKinds = []SignalKind{
	KindConfigureAccount,
	KindPrepareTransfer,
	KindFinalizeTransfer,
	KindUpdatedLedger,
	KindUpdatedPolicy,
	KindUpdatedFlags,
	KindRejectedConfig,
}

// Valid reports whether k is a known kind.
func (k SignalKind) Valid() bool {
	for _, known := range SignalKinds {
		if k == known {
			return true
		}
	}

	return false
}

// OutboxMessage is a pending outgoing protocol message. Everything but the
// claim bookkeeping is immutable after insert.
type OutboxMessage struct {
	ID         int64
	Kind       SignalKind
	CreditorID int64
	DebtorID   int64
	DedupKey   string
	Exchange   string
	RoutingKey string
	Payload    []byte
	InsertedAt time.Time

	Attempts      int
	ClaimToken    *uuid.UUID
	ClaimedUntil  *time.Time
	LastError     string
	QuarantinedAt *time.Time
}

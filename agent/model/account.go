package model

import (
	"math"
	"time"
)

// Account configuration flag bits.
const (
	ConfigScheduledForDeletionFlag int32 = 1 << 0
)

const (
	// HugeNegligibleAmount is the negligible amount of a fresh or
	// discarded account configuration.
	HugeNegligibleAmount = 1e30
	// DefaultConfigFlags is the configuration of a fresh account.
	DefaultConfigFlags int32 = 0
	// AmountEpsilon is the relative tolerance used to compare amounts
	// round-tripped through float32 columns.
	AmountEpsilon = 1e-5
)

// TS0 marks "never" for timestamp columns.
var TS0 = time.Unix(0, 0).UTC()

// AccountKey identifies an account.
type AccountKey struct {
	CreditorID int64
	DebtorID   int64
}

// Account is a creditor's relationship with one debtor.
type Account struct {
	CreditorID int64
	DebtorID   int64
	CreatedAt  time.Time

	// Remote snapshot, taken from the latest AccountUpdate.
	CreationDate             time.Time
	LastChangeTS             time.Time
	LastChangeSeqnum         int32
	Principal                int64
	Interest                 float64
	InterestRate             float32
	LastInterestRateChangeTS time.Time
	TransferNoteMaxBytes     int32
	StatusFlags              int32
	AccountIdentity          string
	DebtorInfoIRI            *string
	LastTransferNumber       int64
	LastTransferCommittedAt  time.Time
	LastHeartbeatTS          time.Time
	HasServerAccount         bool

	// Negotiated configuration.
	LastConfigTS         time.Time
	LastConfigSeqnum     int32
	NegligibleAmount     float32
	ConfigFlags          int32
	ConfigData           string
	IsConfigEffectual    bool
	AllowUnsafeDeletion  bool
	ConfigError          *string
	ConfigLatestUpdateID int64
	ConfigLatestUpdateTS time.Time

	InfoLatestUpdateID int64
	InfoLatestUpdateTS time.Time

	// Ledger state.
	LedgerPrincipal          int64
	LedgerLastEntryID        int64
	LedgerLastTransferNumber int64
	LedgerPendingTransferTS  *time.Time
	LedgerLatestUpdateID     int64
	LedgerLatestUpdateTS     time.Time

	// Automatic exchange policy.
	Policy                 *string
	MinPrincipal           int64
	MaxPrincipal           int64
	PegExchangeRate        *float64
	PegDebtorID            *int64
	ExchangeLatestUpdateID int64
	ExchangeLatestUpdateTS time.Time
}

// Key returns the account key.
func (a *Account) Key() AccountKey {
	return AccountKey{CreditorID: a.CreditorID, DebtorID: a.DebtorID}
}

// IsScheduledForDeletion reports the scheduled-for-deletion config flag.
func (a *Account) IsScheduledForDeletion() bool {
	return a.ConfigFlags&ConfigScheduledForDeletionFlag != 0
}

// SetScheduledForDeletion sets or clears the scheduled-for-deletion flag.
func (a *Account) SetScheduledForDeletion(v bool) {
	if v {
		a.ConfigFlags |= ConfigScheduledForDeletionFlag
	} else {
		a.ConfigFlags &^= ConfigScheduledForDeletionFlag
	}
}

// IsDeletionSafe reports whether the remote side has confirmed that the
// account is gone and our deletion request has been applied.
func (a *Account) IsDeletionSafe() bool {
	return !a.HasServerAccount && a.IsScheduledForDeletion() && a.IsConfigEffectual
}

// IsLedgerCaughtUp reports whether every known transfer is in the ledger.
func (a *Account) IsLedgerCaughtUp() bool {
	return a.LedgerLastTransferNumber >= a.LastTransferNumber
}

// NewAccount returns an account in the state of a freshly created
// configuration request.
func NewAccount(creditorID, debtorID int64, now time.Time) *Account {
	return &Account{
		CreditorID:               creditorID,
		DebtorID:                 debtorID,
		CreatedAt:                now,
		CreationDate:             TS0,
		LastChangeTS:             TS0,
		LastInterestRateChangeTS: TS0,
		LastTransferCommittedAt:  TS0,
		LastHeartbeatTS:          now,
		LastConfigTS:             now,
		NegligibleAmount:         HugeNegligibleAmount,
		ConfigFlags:              DefaultConfigFlags,
		ConfigLatestUpdateID:     1,
		ConfigLatestUpdateTS:     now,
		InfoLatestUpdateID:       1,
		InfoLatestUpdateTS:       now,
		LedgerLatestUpdateID:     1,
		LedgerLatestUpdateTS:     now,
		MinPrincipal:             math.MinInt64,
		MaxPrincipal:             math.MaxInt64,
		ExchangeLatestUpdateID:   1,
		ExchangeLatestUpdateTS:   now,
	}
}

// AmountsMatch compares a stored float32 amount with a received one using
// the relative AmountEpsilon tolerance.
func AmountsMatch(stored float32, received float64) bool {
	return math.Abs(float64(stored)-received) <= AmountEpsilon*received
}

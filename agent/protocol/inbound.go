package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swaptacular/creditors-agent/agent/model"
)

// Inbound message types.
const (
	TypeAccountUpdate     = "AccountUpdate"
	TypeAccountPurge      = "AccountPurge"
	TypeRejectedConfig    = "RejectedConfig"
	TypeAccountTransfer   = "AccountTransfer"
	TypeRejectedTransfer  = "RejectedTransfer"
	TypePreparedTransfer  = "PreparedTransfer"
	TypeFinalizedTransfer = "FinalizedTransfer"
)

// Message is one of the inbound message variants.
type Message interface {
	Type() string
	Key() model.AccountKey
	Timestamp() time.Time
	isMessage()
}

// Envelope holds the fields every inbound message carries.
type Envelope struct {
	CreditorID int64     `json:"creditor_id"`
	DebtorID   int64     `json:"debtor_id"`
	TS         time.Time `json:"ts" validate:"required"`
}

func (e *Envelope) Key() model.AccountKey {
	return model.AccountKey{CreditorID: e.CreditorID, DebtorID: e.DebtorID}
}

func (e *Envelope) Timestamp() time.Time { return e.TS }

func (e *Envelope) isMessage() {}

// AccountUpdate carries the latest snapshot of a remote account.
type AccountUpdate struct {
	Envelope
	CreationDate             Date      `json:"creation_date" validate:"required"`
	LastChangeTS             time.Time `json:"last_change_ts" validate:"required"`
	LastChangeSeqnum         int32     `json:"last_change_seqnum"`
	Principal                int64     `json:"principal" validate:"gt=-9223372036854775808"`
	Interest                 float64   `json:"interest"`
	InterestRate             float32   `json:"interest_rate" validate:"gte=-100"`
	DemurrageRate            float64   `json:"demurrage_rate" validate:"gte=-100,lte=0"`
	CommitPeriod             int32     `json:"commit_period" validate:"gte=0"`
	TransferNoteMaxBytes     int32     `json:"transfer_note_max_bytes" validate:"gte=0"`
	LastInterestRateChangeTS time.Time `json:"last_interest_rate_change_ts"`
	LastTransferNumber       int64     `json:"last_transfer_number" validate:"gte=0"`
	LastTransferCommittedAt  time.Time `json:"last_transfer_committed_at"`
	LastConfigTS             time.Time `json:"last_config_ts"`
	LastConfigSeqnum         int32     `json:"last_config_seqnum"`
	NegligibleAmount         float64   `json:"negligible_amount" validate:"gte=0"`
	ConfigData               string    `json:"config_data" validate:"max=2000"`
	ConfigFlags              int32     `json:"config_flags"`
	StatusFlags              int32     `json:"status_flags"`
	TTL                      int64     `json:"ttl" validate:"gt=0"`
	AccountID                string    `json:"account_id" validate:"omitempty,max=100,printascii"`
	DebtorInfoIRI            string    `json:"debtor_info_iri" validate:"max=200"`
	DebtorInfoContentType    string    `json:"debtor_info_content_type" validate:"omitempty,max=100,printascii"`
	DebtorInfoSHA256         string    `json:"debtor_info_sha256" validate:"omitempty,len=64,hexadecimal"`
}

func (*AccountUpdate) Type() string { return TypeAccountUpdate }

// AccountPurge announces the removal of a remote account.
type AccountPurge struct {
	Envelope
	CreationDate Date `json:"creation_date" validate:"required"`
}

func (*AccountPurge) Type() string { return TypeAccountPurge }

// RejectedConfig rejects a ConfigureAccount request.
type RejectedConfig struct {
	Envelope
	ConfigTS         time.Time `json:"config_ts" validate:"required"`
	ConfigSeqnum     int32     `json:"config_seqnum"`
	NegligibleAmount float64   `json:"negligible_amount" validate:"gte=0"`
	ConfigData       string    `json:"config_data" validate:"max=2000"`
	ConfigFlags      int32     `json:"config_flags"`
	RejectionCode    string    `json:"rejection_code" validate:"required,max=30,printascii"`
}

func (*RejectedConfig) Type() string { return TypeRejectedConfig }

// AccountTransfer announces a committed transfer.
type AccountTransfer struct {
	Envelope
	TransferNumber         int64     `json:"transfer_number" validate:"gt=0"`
	CreationDate           Date      `json:"creation_date" validate:"required"`
	CoordinatorType        string    `json:"coordinator_type" validate:"required,max=30,printascii"`
	Sender                 string    `json:"sender" validate:"max=100"`
	Recipient              string    `json:"recipient" validate:"max=100"`
	AcquiredAmount         int64     `json:"acquired_amount" validate:"ne=0"`
	TransferNoteFormat     string    `json:"transfer_note_format" validate:"max=8"`
	TransferNote           string    `json:"transfer_note" validate:"maxbytes=500"`
	CommittedAt            time.Time `json:"committed_at" validate:"required"`
	Principal              int64     `json:"principal" validate:"gt=-9223372036854775808"`
	PreviousTransferNumber int64     `json:"previous_transfer_number" validate:"gte=0,ltfield=TransferNumber"`
}

func (*AccountTransfer) Type() string { return TypeAccountTransfer }

// Transfer converts the message into a committed transfer record.
func (m *AccountTransfer) Transfer() *model.CommittedTransfer {
	return &model.CommittedTransfer{
		CreditorID:             m.CreditorID,
		DebtorID:               m.DebtorID,
		CreationDate:           m.CreationDate.Time,
		TransferNumber:         m.TransferNumber,
		CoordinatorType:        m.CoordinatorType,
		Sender:                 m.Sender,
		Recipient:              m.Recipient,
		AcquiredAmount:         m.AcquiredAmount,
		TransferNoteFormat:     m.TransferNoteFormat,
		TransferNote:           m.TransferNote,
		CommittedAt:            m.CommittedAt,
		Principal:              m.Principal,
		PreviousTransferNumber: m.PreviousTransferNumber,
	}
}

// Coordinator identifies the originator of a transfer request.
type Coordinator struct {
	CoordinatorType      string `json:"coordinator_type" validate:"required,max=30,printascii"`
	CoordinatorID        int64  `json:"coordinator_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
}

// IsDirect reports whether the request was issued by a creditor directly.
func (c *Coordinator) IsDirect() bool {
	return c.CoordinatorType == model.CoordinatorDirect
}

// RejectedTransfer rejects a PrepareTransfer request.
type RejectedTransfer struct {
	Envelope
	Coordinator
	StatusCode        string `json:"status_code" validate:"required,max=30,printascii"`
	TotalLockedAmount int64  `json:"total_locked_amount" validate:"gte=0"`
}

func (*RejectedTransfer) Type() string { return TypeRejectedTransfer }

// PreparedTransfer announces that the requested amount has been locked.
type PreparedTransfer struct {
	Envelope
	Coordinator
	TransferID    int64     `json:"transfer_id"`
	LockedAmount  int64     `json:"locked_amount" validate:"gte=0"`
	Recipient     string    `json:"recipient" validate:"max=100"`
	PreparedAt    time.Time `json:"prepared_at" validate:"required"`
	DemurrageRate float64   `json:"demurrage_rate" validate:"gte=-100,lte=0"`
	Deadline      time.Time `json:"deadline" validate:"required"`
}

func (*PreparedTransfer) Type() string { return TypePreparedTransfer }

// FinalizedTransfer announces the outcome of a prepared transfer.
type FinalizedTransfer struct {
	Envelope
	Coordinator
	TransferID        int64     `json:"transfer_id"`
	CommittedAmount   int64     `json:"committed_amount" validate:"gte=0"`
	StatusCode        string    `json:"status_code" validate:"required,max=30,printascii"`
	TotalLockedAmount int64     `json:"total_locked_amount" validate:"gte=0"`
	PreparedAt        time.Time `json:"prepared_at" validate:"required"`
}

func (*FinalizedTransfer) Type() string { return TypeFinalizedTransfer }

var factories = map[string]func() Message{
	TypeAccountUpdate:     func() Message { return &AccountUpdate{} },
	TypeAccountPurge:      func() Message { return &AccountPurge{} },
	TypeRejectedConfig:    func() Message { return &RejectedConfig{} },
	TypeAccountTransfer:   func() Message { return &AccountTransfer{} },
	TypeRejectedTransfer:  func() Message { return &RejectedTransfer{} },
	TypePreparedTransfer:  func() Message { return &PreparedTransfer{} },
	TypeFinalizedTransfer: func() Message { return &FinalizedTransfer{} },
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		if err := validate.RegisterValidation("maxbytes", maxBytes); err != nil {
			panic(err)
		}
	})

	return validate
}

// maxBytes bounds the encoded length of a string, where max counts runes.
func maxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())

	return err == nil && len(fl.Field().String()) <= limit
}

// Decode parses and validates an inbound message body.
func Decode(msgType, contentType string, body []byte) (Message, error) {
	if contentType != ContentTypeJSON {
		return nil, fmt.Errorf("%w: %q", ErrContentType, contentType)
	}

	factory, ok := factories[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	msg := factory()

	if err := json.NewDecoder(bytes.NewReader(body)).Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if err := getValidator().Struct(msg); err != nil {
		return nil, newValidationError(msgType, err)
	}

	return msg, nil
}

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
)

var messageIDNamespace = uuid.MustParse("6f1c3f0e-57a5-4b86-9a43-1d0c2a7d9e51")

// Signal is an outgoing message waiting to be stored in the outbox.
type Signal interface {
	Kind() model.SignalKind
	Key() model.AccountKey
	DedupKey() string
	Exchange() string
	RoutingKey() string
	prepare()
}

// Header holds the fields every outgoing signal carries.
type Header struct {
	Type       model.SignalKind `json:"type"`
	CreditorID int64            `json:"creditor_id"`
	DebtorID   int64            `json:"debtor_id"`
}

func (h *Header) Key() model.AccountKey {
	return model.AccountKey{CreditorID: h.CreditorID, DebtorID: h.DebtorID}
}

// ConfigureAccount asks the debtor node to create or reconfigure an account.
type ConfigureAccount struct {
	Header
	TS               time.Time `json:"ts"`
	Seqnum           int32     `json:"seqnum"`
	NegligibleAmount float32   `json:"negligible_amount"`
	ConfigData       string    `json:"config_data"`
	ConfigFlags      int32     `json:"config_flags"`
}

func (*ConfigureAccount) Kind() model.SignalKind { return model.KindConfigureAccount }
func (*ConfigureAccount) Exchange() string { return ExchangeCreditorsOut }
func (s *ConfigureAccount) RoutingKey() string { return HexRoutingKey(s.DebtorID) }
func (s *ConfigureAccount) prepare() { s.Type = s.Kind() }

func (s *ConfigureAccount) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d:%s:%d", s.Kind(), s.CreditorID, s.DebtorID, formatTS(s.TS), s.Seqnum)
}

// PrepareTransfer asks the debtor node to lock an amount for a direct transfer.
type PrepareTransfer struct {
	Header
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	MinLockedAmount      int64     `json:"min_locked_amount"`
	MaxLockedAmount      int64     `json:"max_locked_amount"`
	Recipient            string    `json:"recipient"`
	FinalInterestRateTS  time.Time `json:"final_interest_rate_ts"`
	MaxCommitDelay       int32     `json:"max_commit_delay"`
	TS                   time.Time `json:"ts"`
}

func (*PrepareTransfer) Kind() model.SignalKind { return model.KindPrepareTransfer }
func (*PrepareTransfer) Exchange() string { return ExchangeCreditorsOut }
func (s *PrepareTransfer) RoutingKey() string { return HexRoutingKey(s.DebtorID) }

func (s *PrepareTransfer) prepare() {
	s.Type = s.Kind()
	s.CoordinatorType = model.CoordinatorDirect
	s.CoordinatorID = s.CreditorID
}

func (s *PrepareTransfer) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d", s.Kind(), s.CreditorID, s.CoordinatorRequestID)
}

// FinalizeTransfer commits or dismisses a prepared transfer.
type FinalizeTransfer struct {
	Header
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	CommittedAmount      int64     `json:"committed_amount"`
	TransferNoteFormat   string    `json:"transfer_note_format"`
	TransferNote         string    `json:"transfer_note"`
	TS                   time.Time `json:"ts"`
}

func (*FinalizeTransfer) Kind() model.SignalKind { return model.KindFinalizeTransfer }
func (*FinalizeTransfer) Exchange() string { return ExchangeCreditorsOut }
func (s *FinalizeTransfer) RoutingKey() string { return HexRoutingKey(s.DebtorID) }

func (s *FinalizeTransfer) prepare() {
	s.Type = s.Kind()
	s.CoordinatorType = model.CoordinatorDirect
}

func (s *FinalizeTransfer) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d:%d", s.Kind(), s.CreditorID, s.DebtorID, s.TransferID)
}

// UpdatedLedger notifies the trade subsystem about a new ledger principal.
type UpdatedLedger struct {
	Header
	UpdateID           int64     `json:"update_id"`
	AccountID          string    `json:"account_id"`
	CreationDate       Date      `json:"creation_date"`
	Principal          int64     `json:"principal"`
	LastTransferNumber int64     `json:"last_transfer_number"`
	TS                 time.Time `json:"ts"`
}

func (*UpdatedLedger) Kind() model.SignalKind { return model.KindUpdatedLedger }
func (*UpdatedLedger) Exchange() string { return ExchangeToTrade }
func (s *UpdatedLedger) RoutingKey() string { return BinRoutingKey(s.CreditorID) }
func (s *UpdatedLedger) prepare() { s.Type = s.Kind() }

func (s *UpdatedLedger) DedupKey() string {
	return updateDedupKey(s.Kind(), s.CreditorID, s.DebtorID, s.UpdateID)
}

// UpdatedPolicy notifies the trade subsystem about a new exchange policy.
type UpdatedPolicy struct {
	Header
	UpdateID        int64     `json:"update_id"`
	PolicyName      *string   `json:"policy_name"`
	MinPrincipal    int64     `json:"min_principal"`
	MaxPrincipal    int64     `json:"max_principal"`
	PegExchangeRate *float64  `json:"peg_exchange_rate"`
	PegDebtorID     *int64    `json:"peg_debtor_id"`
	TS              time.Time `json:"ts"`
}

func (*UpdatedPolicy) Kind() model.SignalKind { return model.KindUpdatedPolicy }
func (*UpdatedPolicy) Exchange() string { return ExchangeToTrade }
func (s *UpdatedPolicy) RoutingKey() string { return BinRoutingKey(s.CreditorID) }
func (s *UpdatedPolicy) prepare() { s.Type = s.Kind() }

func (s *UpdatedPolicy) DedupKey() string {
	return updateDedupKey(s.Kind(), s.CreditorID, s.DebtorID, s.UpdateID)
}

// UpdatedFlags notifies the trade subsystem about new config flags.
type UpdatedFlags struct {
	Header
	UpdateID    int64     `json:"update_id"`
	ConfigFlags int32     `json:"config_flags"`
	TS          time.Time `json:"ts"`
}

func (*UpdatedFlags) Kind() model.SignalKind { return model.KindUpdatedFlags }
func (*UpdatedFlags) Exchange() string { return ExchangeToTrade }
func (s *UpdatedFlags) RoutingKey() string { return BinRoutingKey(s.CreditorID) }
func (s *UpdatedFlags) prepare() { s.Type = s.Kind() }

func (s *UpdatedFlags) DedupKey() string {
	return updateDedupKey(s.Kind(), s.CreditorID, s.DebtorID, s.UpdateID)
}

// RejectedConfigSignal is sent by the agent to itself when a ConfigureAccount
// message cannot be routed to the debtor node.
type RejectedConfigSignal struct {
	Header
	ConfigTS         time.Time `json:"config_ts"`
	ConfigSeqnum     int32     `json:"config_seqnum"`
	NegligibleAmount float32   `json:"negligible_amount"`
	ConfigData       string    `json:"config_data"`
	ConfigFlags      int32     `json:"config_flags"`
	RejectionCode    string    `json:"rejection_code"`
	TS               time.Time `json:"ts"`
}

func (*RejectedConfigSignal) Kind() model.SignalKind { return model.KindRejectedConfig }
func (*RejectedConfigSignal) Exchange() string { return ExchangeCACreditors }
func (s *RejectedConfigSignal) RoutingKey() string { return HexRoutingKey(s.CreditorID) }
func (s *RejectedConfigSignal) prepare() { s.Type = s.Kind() }

func (s *RejectedConfigSignal) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d:%s:%d", s.Kind(), s.CreditorID, s.DebtorID, formatTS(s.ConfigTS), s.ConfigSeqnum)
}

// Encode serializes sig into an outbox row.
func Encode(sig Signal, now time.Time) (*model.OutboxMessage, error) {
	if sig == nil {
		return nil, fmt.Errorf("%w: nil signal", ErrInvalidSignal)
	}

	sig.prepare()

	payload, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	key := sig.Key()

	return &model.OutboxMessage{
		Kind:       sig.Kind(),
		CreditorID: key.CreditorID,
		DebtorID:   key.DebtorID,
		DedupKey:   sig.DedupKey(),
		Exchange:   sig.Exchange(),
		RoutingKey: sig.RoutingKey(),
		Payload:    payload,
		InsertedAt: now,
	}, nil
}

// DecodeConfigureAccount restores a stored ConfigureAccount payload. The
// flusher uses it to build the self-addressed rejection of an unroutable
// request.
func DecodeConfigureAccount(payload []byte) (*ConfigureAccount, error) {
	var s ConfigureAccount
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if s.Type != model.KindConfigureAccount {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, s.Type)
	}

	return &s, nil
}

// MessageID returns the stable AMQP message id of an outbox row.
func MessageID(dedupKey string) string {
	return uuid.NewSHA1(messageIDNamespace, []byte(dedupKey)).String()
}

// Headers returns the AMQP headers of an outbox row.
func Headers(msg *model.OutboxMessage) map[string]any {
	headers := map[string]any{
		"creditor-id": msg.CreditorID,
		"debtor-id":   msg.DebtorID,
	}

	if msg.Kind == model.KindPrepareTransfer || msg.Kind == model.KindFinalizeTransfer {
		headers["coordinator-type"] = model.CoordinatorDirect
		headers["coordinator-id"] = msg.CreditorID
	}

	return headers
}

func updateDedupKey(kind model.SignalKind, creditorID, debtorID, updateID int64) string {
	return string(kind) + ":" + strconv.FormatInt(creditorID, 10) + ":" +
		strconv.FormatInt(debtorID, 10) + ":" + strconv.FormatInt(updateID, 10)
}

func formatTS(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

package postgres

import (
	"fmt"
	"strings"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

type scanner interface {
	Scan(dest ...any) error
}

const creditorColumns = "creditor_id, status_flags, created_at, reservation_id, last_log_entry_id, " +
	"deactivation_date, accounts_list_latest_update_id, transfers_list_latest_update_id"

func creditorValues(c *model.Creditor) []any {
	return []any{
		c.CreditorID, c.StatusFlags, c.CreatedAt, c.ReservationID, c.LastLogEntryID,
		c.DeactivatedAt, c.AccountsListLatestUpdateID, c.TransfersListLatestUpdateID,
	}
}

func scanCreditor(row scanner) (*model.Creditor, error) {
	var c model.Creditor

	if err := row.Scan(
		&c.CreditorID, &c.StatusFlags, &c.CreatedAt, &c.ReservationID, &c.LastLogEntryID,
		&c.DeactivatedAt, &c.AccountsListLatestUpdateID, &c.TransfersListLatestUpdateID,
	); err != nil {
		return nil, err
	}

	return &c, nil
}

var accountColumnList = []string{
	"creditor_id", "debtor_id", "created_at",
	"creation_date", "last_change_ts", "last_change_seqnum", "principal", "interest",
	"interest_rate", "last_interest_rate_change_ts", "transfer_note_max_bytes", "status_flags",
	"account_id", "debtor_info_iri", "last_transfer_number", "last_transfer_committed_at",
	"last_heartbeat_ts", "has_server_account",
	"last_config_ts", "last_config_seqnum", "negligible_amount", "config_flags", "config_data",
	"is_config_effectual", "allow_unsafe_deletion", "config_error",
	"config_latest_update_id", "config_latest_update_ts", "info_latest_update_id", "info_latest_update_ts",
	"ledger_principal", "ledger_last_entry_id", "ledger_last_transfer_number", "ledger_pending_transfer_ts",
	"ledger_latest_update_id", "ledger_latest_update_ts",
	"policy", "min_principal", "max_principal", "peg_exchange_rate", "peg_debtor_id",
	"exchange_latest_update_id", "exchange_latest_update_ts",
}

var accountColumns = strings.Join(accountColumnList, ", ")

func accountFields(a *model.Account) []any {
	return []any{
		&a.CreditorID, &a.DebtorID, &a.CreatedAt,
		&a.CreationDate, &a.LastChangeTS, &a.LastChangeSeqnum, &a.Principal, &a.Interest,
		&a.InterestRate, &a.LastInterestRateChangeTS, &a.TransferNoteMaxBytes, &a.StatusFlags,
		&a.AccountIdentity, &a.DebtorInfoIRI, &a.LastTransferNumber, &a.LastTransferCommittedAt,
		&a.LastHeartbeatTS, &a.HasServerAccount,
		&a.LastConfigTS, &a.LastConfigSeqnum, &a.NegligibleAmount, &a.ConfigFlags, &a.ConfigData,
		&a.IsConfigEffectual, &a.AllowUnsafeDeletion, &a.ConfigError,
		&a.ConfigLatestUpdateID, &a.ConfigLatestUpdateTS, &a.InfoLatestUpdateID, &a.InfoLatestUpdateTS,
		&a.LedgerPrincipal, &a.LedgerLastEntryID, &a.LedgerLastTransferNumber, &a.LedgerPendingTransferTS,
		&a.LedgerLatestUpdateID, &a.LedgerLatestUpdateTS,
		&a.Policy, &a.MinPrincipal, &a.MaxPrincipal, &a.PegExchangeRate, &a.PegDebtorID,
		&a.ExchangeLatestUpdateID, &a.ExchangeLatestUpdateTS,
	}
}

func accountValues(a *model.Account) []any {
	return []any{
		a.CreditorID, a.DebtorID, a.CreatedAt,
		a.CreationDate, a.LastChangeTS, a.LastChangeSeqnum, a.Principal, a.Interest,
		a.InterestRate, a.LastInterestRateChangeTS, a.TransferNoteMaxBytes, a.StatusFlags,
		a.AccountIdentity, a.DebtorInfoIRI, a.LastTransferNumber, a.LastTransferCommittedAt,
		a.LastHeartbeatTS, a.HasServerAccount,
		a.LastConfigTS, a.LastConfigSeqnum, a.NegligibleAmount, a.ConfigFlags, a.ConfigData,
		a.IsConfigEffectual, a.AllowUnsafeDeletion, a.ConfigError,
		a.ConfigLatestUpdateID, a.ConfigLatestUpdateTS, a.InfoLatestUpdateID, a.InfoLatestUpdateTS,
		a.LedgerPrincipal, a.LedgerLastEntryID, a.LedgerLastTransferNumber, a.LedgerPendingTransferTS,
		a.LedgerLatestUpdateID, a.LedgerLatestUpdateTS,
		a.Policy, a.MinPrincipal, a.MaxPrincipal, a.PegExchangeRate, a.PegDebtorID,
		a.ExchangeLatestUpdateID, a.ExchangeLatestUpdateTS,
	}
}

func scanAccount(row scanner) (*model.Account, error) {
	var a model.Account

	if err := row.Scan(accountFields(&a)...); err != nil {
		return nil, err
	}

	return &a, nil
}

const logColumns = "creditor_id, added_at, object_type, object_update_id, is_deleted, debtor_id, " +
	"creation_date, transfer_number, transfer_uuid, data_principal, data_next_entry_id, " +
	"data_finalized_at, data_error_code"

func logValues(r *model.LogRecord) []any {
	return []any{
		r.CreditorID, r.AddedAt, r.ObjectType, r.ObjectUpdateID, r.IsDeleted, r.DebtorID,
		r.CreationDate, r.TransferNumber, r.TransferUUID, r.DataPrincipal, r.DataNextEntryID,
		r.DataFinalizedAt, r.DataErrorCode,
	}
}

func logFields(r *model.LogRecord) []any {
	return []any{
		&r.CreditorID, &r.AddedAt, &r.ObjectType, &r.ObjectUpdateID, &r.IsDeleted, &r.DebtorID,
		&r.CreationDate, &r.TransferNumber, &r.TransferUUID, &r.DataPrincipal, &r.DataNextEntryID,
		&r.DataFinalizedAt, &r.DataErrorCode,
	}
}

const committedTransferColumns = "creditor_id, debtor_id, creation_date, transfer_number, coordinator_type, " +
	"sender, recipient, acquired_amount, transfer_note_format, transfer_note, committed_at, principal, " +
	"previous_transfer_number"

func committedTransferValues(t *model.CommittedTransfer) []any {
	return []any{
		t.CreditorID, t.DebtorID, t.CreationDate, t.TransferNumber, t.CoordinatorType,
		t.Sender, t.Recipient, t.AcquiredAmount, t.TransferNoteFormat, t.TransferNote, t.CommittedAt, t.Principal,
		t.PreviousTransferNumber,
	}
}

func scanCommittedTransfer(row scanner) (*model.CommittedTransfer, error) {
	var t model.CommittedTransfer

	if err := row.Scan(
		&t.CreditorID, &t.DebtorID, &t.CreationDate, &t.TransferNumber, &t.CoordinatorType,
		&t.Sender, &t.Recipient, &t.AcquiredAmount, &t.TransferNoteFormat, &t.TransferNote, &t.CommittedAt, &t.Principal,
		&t.PreviousTransferNumber,
	); err != nil {
		return nil, err
	}

	return &t, nil
}

const runningTransferColumns = "creditor_id, transfer_uuid, debtor_id, amount, recipient_uri, recipient, " +
	"transfer_note_format, transfer_note, initiated_at, finalized_at, error_code, total_locked_amount, " +
	"deadline, min_interest_rate, coordinator_request_id, transfer_id, latest_update_id, latest_update_ts"

func runningTransferValues(t *model.RunningTransfer) []any {
	return []any{
		t.CreditorID, t.TransferUUID, t.DebtorID, t.Amount, t.RecipientURI, t.Recipient,
		t.TransferNoteFormat, t.TransferNote, t.InitiatedAt, t.FinalizedAt, t.ErrorCode, t.TotalLockedAmount,
		t.Deadline, t.MinInterestRate, t.CoordinatorRequestID, t.TransferID, t.LatestUpdateID, t.LatestUpdateTS,
	}
}

func scanRunningTransfer(row scanner) (*model.RunningTransfer, error) {
	var t model.RunningTransfer

	if err := row.Scan(
		&t.CreditorID, &t.TransferUUID, &t.DebtorID, &t.Amount, &t.RecipientURI, &t.Recipient,
		&t.TransferNoteFormat, &t.TransferNote, &t.InitiatedAt, &t.FinalizedAt, &t.ErrorCode, &t.TotalLockedAmount,
		&t.Deadline, &t.MinInterestRate, &t.CoordinatorRequestID, &t.TransferID, &t.LatestUpdateID, &t.LatestUpdateTS,
	); err != nil {
		return nil, err
	}

	return &t, nil
}

const outboxColumns = "id, kind, creditor_id, debtor_id, dedup_key, exchange, routing_key, payload, " +
	"inserted_at, attempts, claim_token, claimed_until, last_error, quarantined_at"

func scanOutbox(row scanner) (*model.OutboxMessage, error) {
	var m model.OutboxMessage

	if err := row.Scan(
		&m.ID, &m.Kind, &m.CreditorID, &m.DebtorID, &m.DedupKey, &m.Exchange, &m.RoutingKey, &m.Payload,
		&m.InsertedAt, &m.Attempts, &m.ClaimToken, &m.ClaimedUntil, &m.LastError, &m.QuarantinedAt,
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}

	return strings.Join(parts, ", ")
}

func assignments(columns []string, start int) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s = $%d", col, start+i)
	}

	return strings.Join(parts, ", ")
}

func lockClause(mode store.LockMode) string {
	switch mode {
	case store.LockShare:
		return " FOR SHARE"
	case store.LockUpdate:
		return " FOR UPDATE"
	default:
		return ""
	}
}

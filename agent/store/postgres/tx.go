package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

type tx struct {
	tx *sql.Tx
}

var _ store.Tx = (*tx)(nil)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	return err
}

// affected turns a write touching no row into want.
func affected(res sql.Result, want error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return want
	}

	return nil
}

func (x *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := x.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}

	return res, nil
}

func (x *tx) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := x.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}

	return n, nil
}

func (x *tx) GetCreditor(ctx context.Context, creditorID int64, lock store.LockMode) (*model.Creditor, error) {
	row := x.tx.QueryRowContext(ctx,
		"SELECT "+creditorColumns+" FROM creditor WHERE creditor_id = $1"+lockClause(lock), creditorID)

	c, err := scanCreditor(row)
	if err != nil {
		return nil, notFound(err)
	}

	return c, nil
}

func (x *tx) InsertCreditor(ctx context.Context, c *model.Creditor) error {
	res, err := x.exec(ctx,
		"INSERT INTO creditor ("+creditorColumns+") VALUES ("+placeholders(1, 8)+") ON CONFLICT DO NOTHING",
		creditorValues(c)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrAlreadyExists)
}

func (x *tx) UpdateCreditor(ctx context.Context, c *model.Creditor) error {
	res, err := x.exec(ctx, `UPDATE creditor SET status_flags = $2, created_at = $3, reservation_id = $4,
		last_log_entry_id = $5, deactivation_date = $6, accounts_list_latest_update_id = $7,
		transfers_list_latest_update_id = $8 WHERE creditor_id = $1`, creditorValues(c)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrNotFound)
}

func (x *tx) DeleteCreditor(ctx context.Context, creditorID int64) error {
	res, err := x.exec(ctx, "DELETE FROM creditor WHERE creditor_id = $1", creditorID)
	if err != nil {
		return err
	}

	if err := affected(res, store.ErrNotFound); err != nil {
		return err
	}

	for _, table := range []string{
		"account", "ledger_entry", "pending_ledger_update", "pending_log_entry",
		"log_entry", "committed_transfer", "running_transfer",
	} {
		if _, err := x.exec(ctx, "DELETE FROM "+table+" WHERE creditor_id = $1", creditorID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	return nil
}

func (x *tx) MaxLogEntryID(ctx context.Context, creditorID int64) (int64, error) {
	var maxID int64

	err := x.tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(entry_id), 0) FROM log_entry WHERE creditor_id = $1", creditorID).Scan(&maxID)
	if err != nil {
		return 0, classify(err)
	}

	return maxID, nil
}

func (x *tx) GetAccount(ctx context.Context, key model.AccountKey, lock store.LockMode) (*model.Account, error) {
	row := x.tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM account WHERE creditor_id = $1 AND debtor_id = $2"+lockClause(lock),
		key.CreditorID, key.DebtorID)

	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err)
	}

	return a, nil
}

func (x *tx) InsertAccount(ctx context.Context, a *model.Account) error {
	res, err := x.exec(ctx,
		"INSERT INTO account ("+accountColumns+") VALUES ("+placeholders(1, len(accountColumnList))+") ON CONFLICT DO NOTHING",
		accountValues(a)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrAlreadyExists)
}

func (x *tx) UpdateAccount(ctx context.Context, a *model.Account) error {
	res, err := x.exec(ctx,
		"UPDATE account SET "+assignments(accountColumnList[2:], 3)+" WHERE creditor_id = $1 AND debtor_id = $2",
		accountValues(a)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrNotFound)
}

func (x *tx) DeleteAccount(ctx context.Context, key model.AccountKey) error {
	res, err := x.exec(ctx, "DELETE FROM account WHERE creditor_id = $1 AND debtor_id = $2", key.CreditorID, key.DebtorID)
	if err != nil {
		return err
	}

	if err := affected(res, store.ErrNotFound); err != nil {
		return err
	}

	for _, table := range []string{"ledger_entry", "pending_ledger_update"} {
		if _, err := x.exec(ctx,
			"DELETE FROM "+table+" WHERE creditor_id = $1 AND debtor_id = $2", key.CreditorID, key.DebtorID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	return nil
}

func (x *tx) DeleteAccounts(ctx context.Context, creditorID int64) ([]int64, error) {
	rows, err := x.tx.QueryContext(ctx,
		"DELETE FROM account WHERE creditor_id = $1 RETURNING debtor_id", creditorID)
	if err != nil {
		return nil, classify(err)
	}

	var debtorIDs []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}

		debtorIDs = append(debtorIDs, id)
	}

	if err := rows.Close(); err != nil {
		return nil, classify(err)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	for _, table := range []string{"ledger_entry", "pending_ledger_update"} {
		if _, err := x.exec(ctx, "DELETE FROM "+table+" WHERE creditor_id = $1", creditorID); err != nil {
			return nil, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	slices.Sort(debtorIDs)

	return debtorIDs, nil
}

func (x *tx) CountPeggedAccounts(ctx context.Context, creditorID, pegDebtorID int64) (int, error) {
	return x.count(ctx,
		"SELECT count(*) FROM account WHERE creditor_id = $1 AND peg_debtor_id = $2", creditorID, pegDebtorID)
}

func (x *tx) InsertPendingLogEntry(ctx context.Context, e *model.PendingLogEntry) error {
	err := x.tx.QueryRowContext(ctx,
		"INSERT INTO pending_log_entry ("+logColumns+") VALUES ("+placeholders(1, 13)+") RETURNING pending_entry_id",
		logValues(&e.LogRecord)...).Scan(&e.PendingEntryID)
	if err != nil {
		return classify(err)
	}

	return nil
}

func (x *tx) ListPendingLogEntries(ctx context.Context, creditorID int64) ([]model.PendingLogEntry, error) {
	rows, err := x.tx.QueryContext(ctx,
		"SELECT pending_entry_id, "+logColumns+" FROM pending_log_entry WHERE creditor_id = $1 ORDER BY pending_entry_id",
		creditorID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []model.PendingLogEntry

	for rows.Next() {
		var e model.PendingLogEntry

		dest := append([]any{&e.PendingEntryID}, logFields(&e.LogRecord)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return entries, nil
}

func (x *tx) DeletePendingLogEntries(ctx context.Context, creditorID int64, upToID int64) error {
	_, err := x.exec(ctx,
		"DELETE FROM pending_log_entry WHERE creditor_id = $1 AND pending_entry_id <= $2", creditorID, upToID)

	return err
}

func (x *tx) InsertLogEntries(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const width = 14

	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*width)

	for i := range entries {
		values = append(values, "("+placeholders(i*width+1, width)+")")
		args = append(args, entries[i].EntryID)
		args = append(args, logValues(&entries[i].LogRecord)...)
	}

	res, err := x.exec(ctx, "INSERT INTO log_entry (entry_id, "+logColumns+") VALUES "+
		strings.Join(values, ", ")+" ON CONFLICT DO NOTHING", args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if int(n) != len(entries) {
		return store.ErrAlreadyExists
	}

	return nil
}

func (x *tx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	res, err := x.exec(ctx, `INSERT INTO ledger_entry (creditor_id, debtor_id, entry_id, creation_date,
		transfer_number, acquired_amount, principal, added_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		e.CreditorID, e.DebtorID, e.EntryID, e.CreationDate, e.TransferNumber, e.AcquiredAmount, e.Principal, e.AddedAt)
	if err != nil {
		return err
	}

	return affected(res, store.ErrAlreadyExists)
}

func (x *tx) InsertCommittedTransfer(ctx context.Context, t *model.CommittedTransfer) (bool, error) {
	res, err := x.exec(ctx,
		"INSERT INTO committed_transfer ("+committedTransferColumns+") VALUES ("+placeholders(1, 13)+") ON CONFLICT DO NOTHING",
		committedTransferValues(t)...)
	if err != nil {
		return false, err
	}

	if err := affected(res, store.ErrAlreadyExists); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (x *tx) GetCommittedTransfer(ctx context.Context, key store.TransferKey) (*model.CommittedTransfer, error) {
	row := x.tx.QueryRowContext(ctx, "SELECT "+committedTransferColumns+` FROM committed_transfer
		WHERE creditor_id = $1 AND debtor_id = $2 AND creation_date = $3 AND transfer_number = $4`,
		key.CreditorID, key.DebtorID, model.Date(key.CreationDate), key.TransferNumber)

	t, err := scanCommittedTransfer(row)
	if err != nil {
		return nil, notFound(err)
	}

	return t, nil
}

func (x *tx) ListCommittedTransfers(
	ctx context.Context,
	key model.AccountKey,
	creationDate time.Time,
	afterNumber int64,
	limit int,
) ([]model.CommittedTransfer, error) {
	query := "SELECT " + committedTransferColumns + ` FROM committed_transfer
		WHERE creditor_id = $1 AND debtor_id = $2 AND creation_date = $3 AND transfer_number > $4
		ORDER BY transfer_number`
	args := []any{key.CreditorID, key.DebtorID, model.Date(creationDate), afterNumber}

	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}

	rows, err := x.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.CommittedTransfer

	for rows.Next() {
		t, err := scanCommittedTransfer(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return out, nil
}

func (x *tx) EnsurePendingLedgerUpdate(ctx context.Context, key model.AccountKey) error {
	_, err := x.exec(ctx,
		"INSERT INTO pending_ledger_update (creditor_id, debtor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		key.CreditorID, key.DebtorID)

	return err
}

func (x *tx) HasPendingLedgerUpdate(ctx context.Context, key model.AccountKey, lock store.LockMode) (bool, error) {
	var one int

	err := x.tx.QueryRowContext(ctx,
		"SELECT 1 FROM pending_ledger_update WHERE creditor_id = $1 AND debtor_id = $2"+lockClause(lock),
		key.CreditorID, key.DebtorID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, classify(err)
	}

	return true, nil
}

func (x *tx) DeletePendingLedgerUpdate(ctx context.Context, key model.AccountKey) error {
	_, err := x.exec(ctx,
		"DELETE FROM pending_ledger_update WHERE creditor_id = $1 AND debtor_id = $2", key.CreditorID, key.DebtorID)

	return err
}

func (x *tx) InsertRunningTransfer(ctx context.Context, t *model.RunningTransfer) error {
	res, err := x.exec(ctx,
		"INSERT INTO running_transfer ("+runningTransferColumns+") VALUES ("+placeholders(1, 18)+") ON CONFLICT DO NOTHING",
		runningTransferValues(t)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrAlreadyExists)
}

func (x *tx) GetRunningTransfer(
	ctx context.Context,
	creditorID int64,
	transferUUID uuid.UUID,
	lock store.LockMode,
) (*model.RunningTransfer, error) {
	row := x.tx.QueryRowContext(ctx, "SELECT "+runningTransferColumns+
		" FROM running_transfer WHERE creditor_id = $1 AND transfer_uuid = $2"+lockClause(lock),
		creditorID, transferUUID)

	t, err := scanRunningTransfer(row)
	if err != nil {
		return nil, notFound(err)
	}

	return t, nil
}

func (x *tx) FindRunningTransfer(
	ctx context.Context,
	creditorID, coordinatorRequestID int64,
	lock store.LockMode,
) (*model.RunningTransfer, error) {
	row := x.tx.QueryRowContext(ctx, "SELECT "+runningTransferColumns+
		" FROM running_transfer WHERE creditor_id = $1 AND coordinator_request_id = $2"+lockClause(lock),
		creditorID, coordinatorRequestID)

	t, err := scanRunningTransfer(row)
	if err != nil {
		return nil, notFound(err)
	}

	return t, nil
}

func (x *tx) UpdateRunningTransfer(ctx context.Context, t *model.RunningTransfer) error {
	res, err := x.exec(ctx, `UPDATE running_transfer SET debtor_id = $3, amount = $4, recipient_uri = $5,
		recipient = $6, transfer_note_format = $7, transfer_note = $8, initiated_at = $9, finalized_at = $10,
		error_code = $11, total_locked_amount = $12, deadline = $13, min_interest_rate = $14,
		coordinator_request_id = $15, transfer_id = $16, latest_update_id = $17, latest_update_ts = $18
		WHERE creditor_id = $1 AND transfer_uuid = $2`, runningTransferValues(t)...)
	if err != nil {
		return err
	}

	return affected(res, store.ErrNotFound)
}

func (x *tx) DeleteRunningTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) error {
	res, err := x.exec(ctx,
		"DELETE FROM running_transfer WHERE creditor_id = $1 AND transfer_uuid = $2", creditorID, transferUUID)
	if err != nil {
		return err
	}

	return affected(res, store.ErrNotFound)
}

func (x *tx) DeleteRunningTransfers(ctx context.Context, creditorID int64) error {
	_, err := x.exec(ctx, "DELETE FROM running_transfer WHERE creditor_id = $1", creditorID)

	return err
}

func (x *tx) CountUnfinalizedTransfers(ctx context.Context, key model.AccountKey) (int, error) {
	return x.count(ctx, `SELECT count(*) FROM running_transfer
		WHERE creditor_id = $1 AND debtor_id = $2 AND finalized_at IS NULL`, key.CreditorID, key.DebtorID)
}

func (x *tx) NextCoordinatorRequestID(ctx context.Context) (int64, error) {
	var id int64
	if err := x.tx.QueryRowContext(ctx, "SELECT nextval('coordinator_request_id_seq')").Scan(&id); err != nil {
		return 0, classify(err)
	}

	return id, nil
}

func (x *tx) InsertOutbox(ctx context.Context, msg *model.OutboxMessage) (bool, error) {
	return insertOutbox(ctx, x.tx, msg)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertOutbox(ctx context.Context, q queryer, msg *model.OutboxMessage) (bool, error) {
	err := q.QueryRowContext(ctx, `INSERT INTO outbox_message
		(kind, creditor_id, debtor_id, dedup_key, exchange, routing_key, payload, inserted_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedup_key) DO NOTHING RETURNING id`,
		string(msg.Kind), msg.CreditorID, msg.DebtorID, msg.DedupKey, msg.Exchange, msg.RoutingKey,
		msg.Payload, msg.InsertedAt, msg.Attempts, msg.LastError).Scan(&msg.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, classify(err)
	}

	return true, nil
}

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/swaptacular/creditors-agent/agent/model"
)

func (s *Store) CreditorsWithPendingLogEntries(ctx context.Context, limit int) ([]int64, error) {
	db, err := s.primary()
	if err != nil {
		return nil, classify(err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT DISTINCT creditor_id FROM pending_log_entry ORDER BY creditor_id LIMIT $1", limitArg(limit))
	if err != nil {
		return nil, classify(err)
	}

	return collect(rows, func(r *sql.Rows) (int64, error) {
		var id int64
		err := r.Scan(&id)

		return id, err
	})
}

func (s *Store) PendingLedgerUpdates(ctx context.Context, limit int) ([]model.AccountKey, error) {
	db, err := s.primary()
	if err != nil {
		return nil, classify(err)
	}

	rows, err := db.QueryContext(ctx, `SELECT creditor_id, debtor_id FROM pending_ledger_update
		ORDER BY creditor_id, debtor_id LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, classify(err)
	}

	return collect(rows, func(r *sql.Rows) (model.AccountKey, error) {
		var k model.AccountKey
		err := r.Scan(&k.CreditorID, &k.DebtorID)

		return k, err
	})
}

// ScanCreditors pages through creditors by ID on a replica when one is
// configured.
func (s *Store) ScanCreditors(ctx context.Context, afterID *int64, limit int) ([]model.Creditor, error) {
	db, err := s.reader()
	if err != nil {
		return nil, classify(err)
	}

	rows, err := db.QueryContext(ctx, "SELECT "+creditorColumns+
		" FROM creditor WHERE $1::bigint IS NULL OR creditor_id > $1::bigint ORDER BY creditor_id LIMIT $2",
		afterID, limitArg(limit))
	if err != nil {
		return nil, classify(err)
	}

	return collect(rows, func(r *sql.Rows) (model.Creditor, error) {
		c, err := scanCreditor(r)
		if err != nil {
			return model.Creditor{}, err
		}

		return *c, nil
	})
}

// ScanAccounts pages through accounts in key order.
func (s *Store) ScanAccounts(ctx context.Context, after *model.AccountKey, limit int) ([]model.Account, error) {
	db, err := s.reader()
	if err != nil {
		return nil, classify(err)
	}

	var afterCreditor, afterDebtor *int64
	if after != nil {
		afterCreditor, afterDebtor = &after.CreditorID, &after.DebtorID
	}

	rows, err := db.QueryContext(ctx, "SELECT "+accountColumns+` FROM account
		WHERE $1::bigint IS NULL OR (creditor_id, debtor_id) > ($1::bigint, $2::bigint)
		ORDER BY creditor_id, debtor_id LIMIT $3`, afterCreditor, afterDebtor, limitArg(limit))
	if err != nil {
		return nil, classify(err)
	}

	return collect(rows, func(r *sql.Rows) (model.Account, error) {
		a, err := scanAccount(r)
		if err != nil {
			return model.Account{}, err
		}

		return *a, nil
	})
}

func (s *Store) PurgeLogEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error) {
	return s.purge(ctx, `DELETE FROM log_entry WHERE ctid IN (
		SELECT ctid FROM log_entry WHERE added_at < $1 ORDER BY added_at LIMIT $2)`, addedBefore, limit)
}

// PurgeLedgerEntries never removes the latest entry of an account, so the
// ledger keeps a starting point for its next entry.
func (s *Store) PurgeLedgerEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error) {
	return s.purge(ctx, `DELETE FROM ledger_entry WHERE ctid IN (
		SELECT l.ctid FROM ledger_entry l
		LEFT JOIN account a ON a.creditor_id = l.creditor_id AND a.debtor_id = l.debtor_id
		WHERE l.added_at < $1 AND (a.creditor_id IS NULL OR l.entry_id < a.ledger_last_entry_id)
		ORDER BY l.added_at LIMIT $2)`, addedBefore, limit)
}

func (s *Store) PurgeCommittedTransfers(ctx context.Context, committedBefore time.Time, limit int) (int, error) {
	return s.purge(ctx, `DELETE FROM committed_transfer WHERE ctid IN (
		SELECT ctid FROM committed_transfer WHERE committed_at < $1 ORDER BY committed_at LIMIT $2)`,
		committedBefore, limit)
}

func (s *Store) purge(ctx context.Context, query string, before time.Time, limit int) (int, error) {
	db, err := s.primary()
	if err != nil {
		return 0, classify(err)
	}

	res, err := db.ExecContext(ctx, query, before, limitArg(limit))
	if err != nil {
		return 0, classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return out, nil
}

package memory

import (
	"sort"

	"github.com/swaptacular/creditors-agent/agent/model"
)

// Creditor returns a copy of the creditor row.
func (s *Store) Creditor(creditorID int64) (model.Creditor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.t.creditors[creditorID]

	return c, ok
}

// Account returns a copy of the account row.
func (s *Store) Account(key model.AccountKey) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.t.accounts[key]

	return a, ok
}

// PendingLogEntries returns the staged log entries of a creditor.
func (s *Store) PendingLogEntries(creditorID int64) []model.PendingLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PendingLogEntry

	for _, e := range s.t.pendingLogs {
		if e.CreditorID == creditorID {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PendingEntryID < out[j].PendingEntryID })

	return out
}

// LogEntries returns the committed log of a creditor in entry order.
func (s *Store) LogEntries(creditorID int64) []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LogEntry

	for k, e := range s.t.logEntries {
		if k.creditorID == creditorID {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })

	return out
}

// LedgerEntries returns the ledger of an account in entry order.
func (s *Store) LedgerEntries(key model.AccountKey) []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LedgerEntry

	for k, e := range s.t.ledgerEntries {
		if k.creditorID == key.CreditorID && k.debtorID == key.DebtorID {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })

	return out
}

// CommittedTransfers returns the committed transfers of an account.
func (s *Store) CommittedTransfers(key model.AccountKey) []model.CommittedTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.CommittedTransfer

	for k, t := range s.t.committed {
		if k.creditorID == key.CreditorID && k.debtorID == key.DebtorID {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationDate.Equal(out[j].CreationDate) {
			return out[i].CreationDate.Before(out[j].CreationDate)
		}

		return out[i].TransferNumber < out[j].TransferNumber
	})

	return out
}

// RunningTransfers returns the running transfers of a creditor.
func (s *Store) RunningTransfers(creditorID int64) []model.RunningTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RunningTransfer

	for k, t := range s.t.running {
		if k.creditorID == creditorID {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CoordinatorRequestID < out[j].CoordinatorRequestID })

	return out
}

// HasPendingLedgerUpdate reports whether the account is queued for the
// ledger processor.
func (s *Store) HasPendingLedgerUpdate(key model.AccountKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.t.pendingLedger[key]

	return ok
}

// Package memory is an in-process implementation of the record store. It
// serializes transactions behind one mutex and rolls back by restoring a
// snapshot, which makes it suitable for tests and single-node development.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/store"
)

type logKey struct {
	creditorID int64
	entryID    int64
}

type ledgerKey struct {
	creditorID int64
	debtorID   int64
	entryID    int64
}

type transferKey struct {
	creditorID     int64
	debtorID       int64
	creationDate   int64
	transferNumber int64
}

type runningKey struct {
	creditorID   int64
	transferUUID uuid.UUID
}

func newTransferKey(k store.TransferKey) transferKey {
	return transferKey{
		creditorID:     k.CreditorID,
		debtorID:       k.DebtorID,
		creationDate:   model.Date(k.CreationDate).Unix(),
		transferNumber: k.TransferNumber,
	}
}

type tables struct {
	creditors     map[int64]model.Creditor
	accounts      map[model.AccountKey]model.Account
	pendingLogs   map[int64]model.PendingLogEntry
	logEntries    map[logKey]model.LogEntry
	ledgerEntries map[ledgerKey]model.LedgerEntry
	committed     map[transferKey]model.CommittedTransfer
	pendingLedger map[model.AccountKey]struct{}
	running       map[runningKey]model.RunningTransfer
	outbox        map[int64]model.OutboxMessage
	dedup         map[string]int64

	nextPendingLogID   int64
	nextOutboxID       int64
	nextCoordinatorReq int64
}

func newTables() tables {
	return tables{
		creditors:     make(map[int64]model.Creditor),
		accounts:      make(map[model.AccountKey]model.Account),
		pendingLogs:   make(map[int64]model.PendingLogEntry),
		logEntries:    make(map[logKey]model.LogEntry),
		ledgerEntries: make(map[ledgerKey]model.LedgerEntry),
		committed:     make(map[transferKey]model.CommittedTransfer),
		pendingLedger: make(map[model.AccountKey]struct{}),
		running:       make(map[runningKey]model.RunningTransfer),
		outbox:        make(map[int64]model.OutboxMessage),
		dedup:         make(map[string]int64),
	}
}

func (t tables) clone() tables {
	c := t
	c.creditors = maps.Clone(t.creditors)
	c.accounts = maps.Clone(t.accounts)
	c.pendingLogs = maps.Clone(t.pendingLogs)
	c.logEntries = maps.Clone(t.logEntries)
	c.ledgerEntries = maps.Clone(t.ledgerEntries)
	c.committed = maps.Clone(t.committed)
	c.pendingLedger = maps.Clone(t.pendingLedger)
	c.running = maps.Clone(t.running)
	c.outbox = maps.Clone(t.outbox)
	c.dedup = maps.Clone(t.dedup)

	return c
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for outbox leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps every table in memory.
type Store struct {
	mu  sync.Mutex
	t   tables
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		t:   newTables(),
		now: time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Atomic runs fn with exclusive access. Any error or panic restores the
// state seen before fn started.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.t.clone()

	defer func() {
		if r := recover(); r != nil {
			s.t = snapshot
			panic(r)
		}

		if err != nil {
			s.t = snapshot
		}
	}()

	return fn(ctx, &tx{t: &s.t})
}

func (s *Store) CreditorsWithPendingLogEntries(_ context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	for _, e := range s.t.pendingLogs {
		seen[e.CreditorID] = struct{}{}
	}

	ids := sortedKeys(seen, func(a, b int64) bool { return a < b })

	return truncate(ids, limit), nil
}

func (s *Store) PendingLedgerUpdates(_ context.Context, limit int) ([]model.AccountKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := sortedKeys(s.t.pendingLedger, accountKeyLess)

	return truncate(keys, limit), nil
}

func (s *Store) ScanCreditors(_ context.Context, afterID *int64, limit int) ([]model.Creditor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := sortedKeys(s.t.creditors, func(a, b int64) bool { return a < b })

	out := make([]model.Creditor, 0, limit)
	for _, id := range ids {
		if afterID != nil && id <= *afterID {
			continue
		}

		out = append(out, s.t.creditors[id])
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (s *Store) ScanAccounts(_ context.Context, after *model.AccountKey, limit int) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := sortedKeys(s.t.accounts, accountKeyLess)

	out := make([]model.Account, 0, limit)
	for _, k := range keys {
		if after != nil && !accountKeyLess(*after, k) {
			continue
		}

		out = append(out, s.t.accounts[k])
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (s *Store) PurgeLogEntries(_ context.Context, addedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return purgeOldest(s.t.logEntries, limit, func(e model.LogEntry) (time.Time, bool) {
		return e.AddedAt, e.AddedAt.Before(addedBefore)
	}), nil
}

func (s *Store) PurgeLedgerEntries(_ context.Context, addedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return purgeOldest(s.t.ledgerEntries, limit, func(e model.LedgerEntry) (time.Time, bool) {
		account, ok := s.t.accounts[model.AccountKey{CreditorID: e.CreditorID, DebtorID: e.DebtorID}]
		if ok && e.EntryID >= account.LedgerLastEntryID {
			return e.AddedAt, false
		}

		return e.AddedAt, e.AddedAt.Before(addedBefore)
	}), nil
}

func (s *Store) PurgeCommittedTransfers(_ context.Context, committedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return purgeOldest(s.t.committed, limit, func(t model.CommittedTransfer) (time.Time, bool) {
		return t.CommittedAt, t.CommittedAt.Before(committedBefore)
	}), nil
}

func purgeOldest[K comparable, V any](m map[K]V, limit int, eligible func(V) (time.Time, bool)) int {
	type candidate struct {
		key K
		at  time.Time
	}

	var candidates []candidate

	for k, v := range m {
		if at, ok := eligible(v); ok {
			candidates = append(candidates, candidate{key: k, at: at})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, c := range candidates {
		delete(m, c.key)
	}

	return len(candidates)
}

func sortedKeys[K comparable, V any](m map[K]V, less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })

	return keys
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}

	return items
}

func accountKeyLess(a, b model.AccountKey) bool {
	if a.CreditorID != b.CreditorID {
		return a.CreditorID < b.CreditorID
	}

	return a.DebtorID < b.DebtorID
}

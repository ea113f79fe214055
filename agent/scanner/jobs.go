package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/shard"
)

var (
	ErrSourceRequired     = errors.New("scanner: source is required")
	ErrProceduresRequired = errors.New("scanner: procedures are required")
	ErrPurgeRequired      = errors.New("scanner: purge function is required")
	ErrInvalidRetention   = errors.New("scanner: retention must be positive")
)

const defaultBatchSize = 1000

// JobOption configures a job.
type JobOption func(*jobOptions)

type jobOptions struct {
	batchSize int
	shard     shard.Range
	logger    log.Logger
	now       func() time.Time
}

func newJobOptions(opts []JobOption) jobOptions {
	o := jobOptions{
		batchSize: defaultBatchSize,
		shard:     shard.Full,
		logger:    log.NewNop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return o
}

// WithBatchSize sets the number of rows read per beat.
func WithBatchSize(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithShard makes the job skip rows of creditors outside r.
func WithShard(r shard.Range) JobOption {
	return func(o *jobOptions) {
		o.shard = r
	}
}

func WithLogger(logger log.Logger) JobOption {
	return func(o *jobOptions) {
		if !nilcheck.Interface(logger) {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) JobOption {
	return func(o *jobOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// CreditorSource pages through creditors in creditor ID order.
type CreditorSource interface {
	ScanCreditors(ctx context.Context, afterID *int64, limit int) ([]model.Creditor, error)
}

// CreditorPurger removes expired creditors.
type CreditorPurger interface {
	PurgeCreditor(ctx context.Context, creditorID int64, retention procedures.CreditorRetention) (bool, error)
}

// CreditorsJob purges creditors that were never activated or were
// deactivated long ago.
type CreditorsJob struct {
	jobOptions
	source    CreditorSource
	procs     CreditorPurger
	retention procedures.CreditorRetention
	cursor    *int64
}

func NewCreditorsJob(
	source CreditorSource,
	procs CreditorPurger,
	retention procedures.CreditorRetention,
	opts ...JobOption,
) (*CreditorsJob, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	if nilcheck.Interface(procs) {
		return nil, ErrProceduresRequired
	}

	if retention.Inactive <= 0 || retention.Deactivated <= 0 {
		return nil, ErrInvalidRetention
	}

	return &CreditorsJob{
		jobOptions: newJobOptions(opts),
		source:     source,
		procs:      procs,
		retention:  retention,
	}, nil
}

func (*CreditorsJob) Name() string { return "scan_creditors" }

func (j *CreditorsJob) Beat(ctx context.Context) (int, bool, error) {
	creditors, err := j.source.ScanCreditors(ctx, j.cursor, j.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("scan creditors: %w", err)
	}

	now := j.now()

	for i := range creditors {
		c := &creditors[i]

		if !j.shard.Owns(c.CreditorID) {
			j.logger.Log(ctx, log.LevelWarn, "found a creditor outside the shard", log.Creditor(c.CreditorID))
			continue
		}

		if !procedures.IsCreditorExpired(c, j.retention, now) {
			continue
		}

		if _, err := j.procs.PurgeCreditor(ctx, c.CreditorID, j.retention); err != nil {
			return i, false, fmt.Errorf("purge creditor %d: %w", c.CreditorID, err)
		}
	}

	return j.advance(creditors)
}

func (j *CreditorsJob) advance(creditors []model.Creditor) (int, bool, error) {
	if len(creditors) < j.batchSize {
		j.cursor = nil

		return len(creditors), true, nil
	}

	last := creditors[len(creditors)-1].CreditorID
	j.cursor = &last

	return len(creditors), false, nil
}

// AccountSource pages through accounts in key order.
type AccountSource interface {
	ScanAccounts(ctx context.Context, after *model.AccountKey, limit int) ([]model.Account, error)
}

// AccountProcedures are the repairs the account scan applies.
type AccountProcedures interface {
	ResendConfig(ctx context.Context, key model.AccountKey, sentBefore time.Time) (bool, error)
	CompleteAccountDeletion(ctx context.Context, key model.AccountKey) (bool, error)
	MarkDeadAccount(ctx context.Context, key model.AccountKey, seenBefore time.Time) (bool, error)
	FixLedgerDrift(ctx context.Context, key model.AccountKey, updatedBefore time.Time) (bool, error)
	ScheduleLedgerRepair(ctx context.Context, key model.AccountKey, committedBefore time.Time) (bool, error)
}

// AccountThresholds are the ages after which the account scan steps in.
type AccountThresholds struct {
	// MaxConfigDelay is how long a config may stay not effectual before it
	// is sent again.
	MaxConfigDelay time.Duration
	// MaxHeartbeatDelay is how long a server account may stay silent.
	MaxHeartbeatDelay time.Duration
	// MaxTransferDelay is how long the ledger waits for a missing transfer.
	MaxTransferDelay time.Duration
	// LedgerDriftDelay is how long a caught-up ledger may disagree with
	// the server's principal.
	LedgerDriftDelay time.Duration
}

// DefaultAccountThresholds returns the baseline thresholds.
func DefaultAccountThresholds() AccountThresholds {
	return AccountThresholds{
		MaxConfigDelay:    24 * time.Hour,
		MaxHeartbeatDelay: 365 * 24 * time.Hour,
		MaxTransferDelay:  14 * 24 * time.Hour,
		LedgerDriftDelay:  time.Hour,
	}
}

func (t *AccountThresholds) normalize() {
	defaults := DefaultAccountThresholds()

	if t.MaxConfigDelay <= 0 {
		t.MaxConfigDelay = defaults.MaxConfigDelay
	}

	if t.MaxHeartbeatDelay <= 0 {
		t.MaxHeartbeatDelay = defaults.MaxHeartbeatDelay
	}

	if t.MaxTransferDelay <= 0 {
		t.MaxTransferDelay = defaults.MaxTransferDelay
	}

	if t.LedgerDriftDelay <= 0 {
		t.LedgerDriftDelay = defaults.LedgerDriftDelay
	}
}

// AccountsJob resends lost configs, completes deletions, marks dead
// accounts and repairs ledgers.
type AccountsJob struct {
	jobOptions
	source     AccountSource
	procs      AccountProcedures
	thresholds AccountThresholds
	cursor     *model.AccountKey
}

func NewAccountsJob(
	source AccountSource,
	procs AccountProcedures,
	thresholds AccountThresholds,
	opts ...JobOption,
) (*AccountsJob, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	if nilcheck.Interface(procs) {
		return nil, ErrProceduresRequired
	}

	thresholds.normalize()

	return &AccountsJob{
		jobOptions: newJobOptions(opts),
		source:     source,
		procs:      procs,
		thresholds: thresholds,
	}, nil
}

func (*AccountsJob) Name() string { return "scan_accounts" }

func (j *AccountsJob) Beat(ctx context.Context) (int, bool, error) {
	accounts, err := j.source.ScanAccounts(ctx, j.cursor, j.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("scan accounts: %w", err)
	}

	now := j.now()

	for i := range accounts {
		a := &accounts[i]

		if !j.shard.Owns(a.CreditorID) {
			j.logger.Log(ctx, log.LevelWarn, "found an account outside the shard",
				log.Creditor(a.CreditorID), log.Debtor(a.DebtorID))

			continue
		}

		if err := j.check(ctx, a, now); err != nil {
			return i, false, fmt.Errorf("check account %d/%d: %w", a.CreditorID, a.DebtorID, err)
		}
	}

	if len(accounts) < j.batchSize {
		j.cursor = nil

		return len(accounts), true, nil
	}

	last := accounts[len(accounts)-1].Key()
	j.cursor = &last

	return len(accounts), false, nil
}

// check runs the repairs a needs. The predicates read a possibly stale
// snapshot; every procedure checks again under a row lock.
func (j *AccountsJob) check(ctx context.Context, a *model.Account, now time.Time) error {
	key := a.Key()

	if a.IsDeletionSafe() {
		deleted, err := j.procs.CompleteAccountDeletion(ctx, key)
		if err != nil || deleted {
			return err
		}
	}

	if sentBefore := now.Add(-j.thresholds.MaxConfigDelay); procedures.NeedsConfigResend(a, sentBefore) {
		if _, err := j.procs.ResendConfig(ctx, key, sentBefore); err != nil {
			return err
		}
	}

	if seenBefore := now.Add(-j.thresholds.MaxHeartbeatDelay); procedures.IsDeadAccount(a, seenBefore) {
		if _, err := j.procs.MarkDeadAccount(ctx, key, seenBefore); err != nil {
			return err
		}
	}

	if updatedBefore := now.Add(-j.thresholds.LedgerDriftDelay); procedures.NeedsLedgerDriftFix(a, updatedBefore) {
		if _, err := j.procs.FixLedgerDrift(ctx, key, updatedBefore); err != nil {
			return err
		}
	}

	if committedBefore := now.Add(-j.thresholds.MaxTransferDelay); procedures.NeedsLedgerRepair(a, committedBefore) {
		if _, err := j.procs.ScheduleLedgerRepair(ctx, key, committedBefore); err != nil {
			return err
		}
	}

	return nil
}

// PurgeFunc deletes at most limit rows older than before and returns how
// many it deleted.
type PurgeFunc func(ctx context.Context, before time.Time, limit int) (int, error)

// RetentionJob deletes rows past their retention, oldest first.
type RetentionJob struct {
	jobOptions
	name      string
	purge     PurgeFunc
	retention time.Duration
}

// NewRetentionJob returns a job named name that calls purge with the
// retention horizon.
func NewRetentionJob(name string, purge PurgeFunc, retention time.Duration, opts ...JobOption) (*RetentionJob, error) {
	if purge == nil {
		return nil, ErrPurgeRequired
	}

	if retention <= 0 {
		return nil, ErrInvalidRetention
	}

	return &RetentionJob{
		jobOptions: newJobOptions(opts),
		name:       name,
		purge:      purge,
		retention:  retention,
	}, nil
}

func (j *RetentionJob) Name() string { return j.name }

func (j *RetentionJob) Beat(ctx context.Context) (int, bool, error) {
	n, err := j.purge(ctx, j.now().Add(-j.retention), j.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", j.name, err)
	}

	return n, n < j.batchSize, nil
}

// RetentionStore is the part of the store the retention jobs use.
type RetentionStore interface {
	PurgeLogEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error)
	PurgeLedgerEntries(ctx context.Context, addedBefore time.Time, limit int) (int, error)
	PurgeCommittedTransfers(ctx context.Context, committedBefore time.Time, limit int) (int, error)
}

// Retention holds the horizons of the retention jobs.
type Retention struct {
	LogEntries         time.Duration
	LedgerEntries      time.Duration
	CommittedTransfers time.Duration
}

// NewRetentionJobs returns the log entry, ledger entry and committed
// transfer jobs, in that order.
func NewRetentionJobs(st RetentionStore, retention Retention, opts ...JobOption) ([]*RetentionJob, error) {
	if nilcheck.Interface(st) {
		return nil, ErrSourceRequired
	}

	tables := []struct {
		name      string
		purge     PurgeFunc
		retention time.Duration
	}{
		{name: "scan_log_entries", purge: st.PurgeLogEntries, retention: retention.LogEntries},
		{name: "scan_ledger_entries", purge: st.PurgeLedgerEntries, retention: retention.LedgerEntries},
		{name: "scan_committed_transfers", purge: st.PurgeCommittedTransfers, retention: retention.CommittedTransfers},
	}

	jobs := make([]*RetentionJob, 0, len(tables))

	for _, t := range tables {
		job, err := NewRetentionJob(t.name, t.purge, t.retention, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

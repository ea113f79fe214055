package procedures

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/shard"
	"github.com/swaptacular/creditors-agent/agent/store"
)

const (
	defaultLogRetention     = 90 * 24 * time.Hour
	defaultMaxTransferDelay = 14 * 24 * time.Hour
	defaultLedgerBurst      = 1000
)

// ErrStoreRequired is returned by New when no store is given.
var ErrStoreRequired = errors.New("procedures: store is required")

// Config holds the thresholds used by the state transitions.
type Config struct {
	// LogRetention is the max age of a committed transfer that is still
	// recorded. Older transfers would be purged right away.
	LogRetention time.Duration
	// MaxTransferDelay is how long a gap in the transfer sequence may block
	// the ledger before it is skipped.
	MaxTransferDelay time.Duration
	// LedgerBurst is the max number of transfers applied to one ledger in
	// one transaction.
	LedgerBurst int
}

// DefaultConfig returns the thresholds of a production node.
func DefaultConfig() Config {
	return Config{
		LogRetention:     defaultLogRetention,
		MaxTransferDelay: defaultMaxTransferDelay,
		LedgerBurst:      defaultLedgerBurst,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.LogRetention <= 0 {
		cfg.LogRetention = defaults.LogRetention
	}

	if cfg.MaxTransferDelay <= 0 {
		cfg.MaxTransferDelay = defaults.MaxTransferDelay
	}

	if cfg.LedgerBurst <= 0 {
		cfg.LedgerBurst = defaults.LedgerBurst
	}
}

// Option configures Procedures.
type Option func(*Procedures)

func WithConfig(cfg Config) Option {
	return func(p *Procedures) {
		p.cfg = cfg
	}
}

// WithShard limits every procedure to the creditors of one shard. The
// default owns every creditor.
func WithShard(r shard.Range) Option {
	return func(p *Procedures) {
		p.shard = r
	}
}

func WithLogger(logger log.Logger) Option {
	return func(p *Procedures) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Procedures) {
		if !nilcheck.Interface(tracer) {
			p.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Procedures) {
		if now != nil {
			p.now = now
		}
	}
}

// Procedures implements every state transition of the agent. Each exported
// method runs in one store transaction, together with the pending log
// entries and outbox messages it produces.
type Procedures struct {
	store  store.Store
	shard  shard.Range
	cfg    Config
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New returns Procedures working on s.
func New(s store.Store, opts ...Option) (*Procedures, error) {
	if nilcheck.Interface(s) {
		return nil, ErrStoreRequired
	}

	p := &Procedures{
		store:  s,
		shard:  shard.Full,
		cfg:    DefaultConfig(),
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("creditors-agent.noop"),
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.cfg.normalize()

	if err := p.shard.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Config returns the normalized configuration.
func (p *Procedures) Config() Config {
	return p.cfg
}

// Shard returns the range of creditors these procedures may touch.
func (p *Procedures) Shard() shard.Range {
	return p.shard
}

// Postgres keeps microseconds.
func (p *Procedures) clock() time.Time {
	return p.now().UTC().Truncate(time.Microsecond)
}

// atomic checks the shard and runs fn in one transaction under a span.
func (p *Procedures) atomic(
	ctx context.Context,
	name string,
	creditorID int64,
	fn func(ctx context.Context, tx store.Tx) error,
) error {
	if err := p.shard.Check(creditorID); err != nil {
		return err
	}

	return p.inTx(ctx, name, creditorID, fn)
}

// inTx runs fn in a transaction without the shard check. Only the cleanup
// of rows left behind by a shard split uses it directly.
func (p *Procedures) inTx(
	ctx context.Context,
	name string,
	creditorID int64,
	fn func(ctx context.Context, tx store.Tx) error,
) error {
	ctx, span := p.tracer.Start(ctx, "procedures."+name)
	defer span.End()

	span.SetAttributes(attribute.Int64("creditor_id", creditorID))

	err := p.store.Atomic(ctx, fn)
	if err != nil && (errors.Is(err, store.ErrTransient) || IsInvariantViolation(err)) {
		opentelemetry.HandleSpanError(span, name+" failed", err)
	}

	return err
}

func (p *Procedures) dropped(ctx context.Context, reason string, key model.AccountKey, fields ...log.Field) {
	fields = append(fields,
		log.String("reason", reason),
		log.Creditor(key.CreditorID),
		log.Debtor(key.DebtorID),
	)

	p.logger.Log(ctx, log.LevelDebug, "message dropped", fields...)
}

func enqueue(ctx context.Context, tx store.Tx, sig protocol.Signal, now time.Time) error {
	msg, err := protocol.Encode(sig, now)
	if err != nil {
		return err
	}

	if _, err := tx.InsertOutbox(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Kind, err)
	}

	return nil
}

func addLog(ctx context.Context, tx store.Tx, rec model.LogRecord) error {
	if err := tx.InsertPendingLogEntry(ctx, &model.PendingLogEntry{LogRecord: rec}); err != nil {
		return fmt.Errorf("add %s log entry: %w", rec.ObjectType, err)
	}

	return nil
}

// allowUpdate accepts updateID only as the successor of latest. Repeating
// the latest update without changes is reported as ErrAlreadyUpToDate.
func allowUpdate(latest, updateID int64, changed bool) error {
	if updateID == latest && !changed {
		return ErrAlreadyUpToDate
	}

	if updateID != latest+1 {
		return ErrUpdateConflict
	}

	return nil
}

func getAccount(ctx context.Context, tx store.Tx, key model.AccountKey, lock store.LockMode) (*model.Account, error) {
	a, err := tx.GetAccount(ctx, key, lock)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}

	return a, err
}

func getCreditor(ctx context.Context, tx store.Tx, creditorID int64, lock store.LockMode) (*model.Creditor, error) {
	c, err := tx.GetCreditor(ctx, creditorID, lock)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCreditorNotFound
	}

	return c, err
}

func ptr[T any](v T) *T {
	return &v
}

// Package postgres implements the record store on PostgreSQL.
//
// Transactions run on the primary at READ COMMITTED with explicit row locks.
// Serialization failures and deadlocks are retried with jittered backoff;
// other failures surface to the caller.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	agentpg "github.com/swaptacular/creditors-agent/agent/postgres"
	"github.com/swaptacular/creditors-agent/agent/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}

	return sub
}

const (
	defaultMaxTxAttempts = 5
	defaultTxBackoff     = 20 * time.Millisecond
	defaultTxTimeout     = 30 * time.Second
)

// ErrClientRequired is returned by New without a connected client.
var ErrClientRequired = errors.New("postgres store: client is required")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if !nilcheck.Interface(tracer) {
			s.tracer = tracer
		}
	}
}

// WithMaxTxAttempts bounds the retries of a transaction hitting a
// serialization failure or a deadlock.
func WithMaxTxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTxAttempts = n
		}
	}
}

// WithTxTimeout bounds a transaction without its own deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// WithClock replaces the wall clock used for outbox leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store persists records in PostgreSQL.
type Store struct {
	client        *agentpg.Client
	now           func() time.Time
	logger        log.Logger
	tracer        trace.Tracer
	maxTxAttempts int
	txTimeout     time.Duration
}

var _ store.Store = (*Store)(nil)

// New returns a store on top of a connected client.
func New(client *agentpg.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &Store{
		client:        client,
		now:           time.Now,
		logger:        log.NewNop(),
		tracer:        noop.NewTracerProvider().Tracer("creditors-agent.noop"),
		maxTxAttempts: defaultMaxTxAttempts,
		txTimeout:     defaultTxTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Atomic runs fn in a transaction on the primary, retrying it when
// PostgreSQL aborts the transaction with a serialization failure or a
// deadlock.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "postgres.atomic")
	defer span.End()

	var err error

	for attempt := 0; attempt < s.maxTxAttempts; attempt++ {
		err = s.atomicOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			break
		}

		s.logger.Log(ctx, log.LevelDebug, "retrying transaction", log.Int("attempt", attempt+1), log.Err(err))

		if waitErr := backoff.WaitContext(ctx, backoff.Jittered(defaultTxBackoff, 0, attempt)); waitErr != nil {
			err = waitErr
			break
		}
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "transaction failed", err)

		return classify(err)
	}

	return nil
}

func (s *Store) atomicOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.withTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {
		return fn(ctx, &tx{tx: sqlTx})
	})
}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, sqlTx *sql.Tx) error) error {
	db, err := s.client.Primary()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(ctx, sqlTx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// primary returns the pool for writes outside Atomic.
func (s *Store) primary() (*sql.DB, error) {
	return s.client.Primary()
}

// reader returns the resolver, which sends plain queries to a replica.
func (s *Store) reader() (dbresolver.DB, error) {
	return s.client.Resolver()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	return false
}

// classify maps driver failures to store sentinels, leaving errors raised
// by the transaction body untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %w", store.ErrAlreadyExists, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		}

		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, agentpg.ErrNotConnected) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}

	return err
}

// Package postgres manages the primary/replica connection pair and applies
// embedded schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrPrimaryDSNRequired is returned by New without a primary DSN.
	ErrPrimaryDSNRequired = errors.New("postgres: primary dsn is required")
	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("postgres: client is not connected")

	dbOpenFn = sql.Open

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes the connection pair. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN   string
	ReplicaDSN   string
	MaxOpenConns int
	MaxIdleConns int
	// Migrations, when set, is applied to the primary on Connect.
	Migrations fs.FS
	Logger     log.Logger
}

// Client owns the primary and replica pools.
type Client struct {
	cfg      Config
	logger   log.Logger
	mu       sync.RWMutex
	primary  *sql.DB
	resolver dbresolver.DB
}

// New validates cfg. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.PrimaryDSN == "" {
		return nil, ErrPrimaryDSNRequired
	}

	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// Connect opens both pools, applies migrations and pings the resolver.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return nil
	}

	c.logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	if c.cfg.Migrations != nil {
		if err := runMigrations(ctx, primary, c.cfg.Migrations, c.logger); err != nil {
			return err
		}
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	c.primary = primary
	c.resolver = resolver
	success = true

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Primary returns the pool used for transactions.
func (c *Client) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Resolver returns the primary/replica resolver. Reads through it are
// load-balanced across replicas.
func (c *Client) Resolver() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil

	return err
}

func runMigrations(ctx context.Context, db *sql.DB, migrations fs.FS, logger log.Logger) error {
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{SchemaName: "public"})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
)

var (
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("redis: invalid config")
	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("redis: not connected")
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultPoolSize    = 10
)

// Config holds the connection settings.
type Config struct {
	// Addresses lists one address for a single node, several for a cluster.
	Addresses   []string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
	Logger      log.Logger
}

// String hides the password.
func (c Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v DB:%d}", c.Addresses, c.DB)
}

// Client owns a go-redis universal client.
type Client struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	client redis.UniversalClient
}

// New validates cfg. It does not dial.
func New(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: at least one address is required", ErrInvalidConfig)
	}

	for _, addr := range cfg.Addresses {
		if strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("%w: empty address", ErrInvalidConfig)
		}
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client redis.UniversalClient) *Client {
	return &Client{logger: log.NewNop(), client: client}
}

// Connect dials and pings the server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       c.cfg.Addresses,
		Password:    c.cfg.Password,
		DB:          c.cfg.DB,
		DialTimeout: c.cfg.DialTimeout,
		PoolSize:    c.cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	c.client = client
	c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(c.cfg.Addresses)))

	return nil
}

// Universal returns the underlying client.
func (c *Client) Universal() (redis.UniversalClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	return c.client, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

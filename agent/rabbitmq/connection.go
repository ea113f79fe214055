package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
)

var (
	// ErrURLRequired is returned by NewConnection without a broker URL.
	ErrURLRequired = errors.New("rabbitmq: broker url is required")
	// ErrNotConnected is returned when a channel is requested before Connect.
	ErrNotConnected = errors.New("rabbitmq: not connected")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
)

const (
	defaultConnectAttempts = 5
	defaultConnectBackoff  = 500 * time.Millisecond
	reconnectBackoffCap    = 30 * time.Second
)

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(c *Connection) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithConnectAttempts bounds the dial attempts made by Connect.
func WithConnectAttempts(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// Connection owns one AMQP connection. Channels are opened per user, since
// amqp091 channels are not safe for concurrent publishers.
type Connection struct {
	url      string
	logger   log.Logger
	attempts int
	dial     func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewConnection validates url. It does not dial.
func NewConnection(url string, opts ...ConnectionOption) (*Connection, error) {
	if url == "" {
		return nil, ErrURLRequired
	}

	c := &Connection{
		url:      url,
		logger:   log.NewNop(),
		attempts: defaultConnectAttempts,
		dial:     amqp.Dial,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Connect dials the broker, retrying with capped backoff.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	var lastErr error

	for attempt := 0; attempt < c.attempts; attempt++ {
		conn, err := c.dial(c.url)
		if err == nil {
			c.conn = conn
			c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

			return nil
		}

		lastErr = err
		c.logger.Log(ctx, log.LevelWarn, "failed to connect to rabbitmq",
			log.Int("attempt", attempt+1), log.String("error_detail", c.sanitize(err)))

		if attempt == c.attempts-1 {
			break
		}

		if waitErr := backoff.WaitContext(ctx, backoff.Jittered(defaultConnectBackoff, reconnectBackoffCap, attempt)); waitErr != nil {
			return fmt.Errorf("rabbitmq connect: %w", waitErr)
		}
	}

	return fmt.Errorf("failed to connect to rabbitmq: %s", c.sanitize(lastErr))
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}

	return err
}

func (c *Connection) sanitize(err error) string {
	if err == nil {
		return ""
	}

	return credentialsPattern.ReplaceAllString(err.Error(), "://***@")
}

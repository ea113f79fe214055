package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
)

var (
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("redis: lock key cannot be empty")
	// ErrLockNotHeld is returned when the lock expired or was taken over.
	ErrLockNotHeld = errors.New("redis: lock was not held or already expired")
	// ErrNilLockHandle is returned when a nil handle is used.
	ErrNilLockHandle = errors.New("redis: lock handle is nil")
)

// DefaultLockExpiry is how long a lock lives without being extended.
const DefaultLockExpiry = time.Minute

// LockHandle is a held lock.
type LockHandle interface {
	// Extend resets the expiry. It fails with ErrLockNotHeld when the lock
	// was lost in the meantime.
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

func WithLockLogger(logger log.Logger) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

func WithLockTracer(tracer trace.Tracer) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(tracer) {
			m.tracer = tracer
		}
	}
}

// WithLockExpiry sets the expiry of acquired locks.
func WithLockExpiry(d time.Duration) LockOption {
	return func(m *LockManager) {
		if d > 0 {
			m.expiry = d
		}
	}
}

// WithKeyPrefix namespaces every lock key.
func WithKeyPrefix(prefix string) LockOption {
	return func(m *LockManager) {
		m.prefix = prefix
	}
}

// LockManager hands out RedLock mutexes.
type LockManager struct {
	redsync *redsync.Redsync
	logger  log.Logger
	tracer  trace.Tracer
	expiry  time.Duration
	prefix  string
}

// NewLockManager builds a lock manager on a connected client.
func NewLockManager(client *Client, opts ...LockOption) (*LockManager, error) {
	rdb, err := client.Universal()
	if err != nil {
		return nil, err
	}

	m := &LockManager{
		redsync: redsync.New(goredis.NewPool(rdb)),
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("redis.lock"),
		expiry:  DefaultLockExpiry,
		prefix:  "creditors-agent:lock:",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// TryLock makes a single attempt. Contention is reported as (nil, false,
// nil); only infrastructure failures return an error.
func (m *LockManager) TryLock(ctx context.Context, key string) (LockHandle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	ctx, span := m.tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := m.redsync.NewMutex(m.prefix+key, redsync.WithExpiry(m.expiry))

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", key))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", key))

	return &lockHandle{mutex: mutex, logger: m.logger}, true, nil
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Extend(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.ExtendContext(ctx)
	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock lost before extension", log.Err(err))
		return ErrLockNotHeld
	}

	return nil
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired", log.Err(err))
		return ErrLockNotHeld
	}

	return nil
}

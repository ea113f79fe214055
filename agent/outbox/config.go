package outbox

import (
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swaptacular/creditors-agent/agent/backoff"
)

const (
	defaultInterval           = 5 * time.Second
	defaultBatchSize          = 10000
	defaultLease              = 2 * time.Minute
	defaultPublishTimeout     = 10 * time.Second
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
)

// Config controls flusher polling, leasing and retry behavior.
type Config struct {
	// Kind restricts the flusher to one signal kind. Empty means all kinds.
	Kind string
	// Interval is the wait after a pass that drained the queue.
	Interval time.Duration
	// BatchSize is the max number of rows claimed per pass.
	BatchSize int
	// Lease is how long a claim keeps other flushers away from a row.
	Lease time.Duration
	// PublishTimeout bounds one publish attempt, confirmation included.
	PublishTimeout time.Duration
	// PublishMaxAttempts is the max publish attempts for one row per pass.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish attempts.
	PublishBackoff time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline flusher configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           defaultInterval,
		BatchSize:          defaultBatchSize,
		Lease:              defaultLease,
		PublishTimeout:     defaultPublishTimeout,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if minLease := cfg.minLease(); cfg.Lease < minLease {
		cfg.Lease = minLease
	}
}

// minLease covers every publish attempt of a row, the longest possible
// backoff sleeps between them, and one more attempt for settling.
func (cfg *Config) minLease() time.Duration {
	lease := time.Duration(cfg.PublishMaxAttempts+1) * cfg.PublishTimeout

	for attempt := range cfg.PublishMaxAttempts - 1 {
		sleep := backoff.Exponential(cfg.PublishBackoff, attempt)
		if lease > math.MaxInt64-sleep {
			return math.MaxInt64
		}

		lease += sleep
	}

	return lease
}

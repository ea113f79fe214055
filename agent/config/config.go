// Package config loads the agent configuration.
//
// Values come from the defaults, then an optional TOML file, then
// CREDITORS_AGENT_* environment variables, then command-line flags that
// were set explicitly. The result is checked by Validate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swaptacular/creditors-agent/agent/cron"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/scanner"
	"github.com/swaptacular/creditors-agent/agent/shard"
)

const day = 24 * time.Hour

// MinLogRetention is the shortest accepted log retention. Clients that
// poll the log less often than that would miss entries.
const MinLogRetention = 30 * day

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrNotPointer    = errors.New("config: target must be a non-nil pointer to a struct")
)

// Config is the complete agent configuration.
type Config struct {
	LogLevel    string `validate:"oneof=debug info warn error"`
	Environment string `validate:"oneof=production staging development local"`

	// MinCreditorID and MaxCreditorID bound the shard. Both empty means
	// the node owns every creditor.
	MinCreditorID string
	MaxCreditorID string

	PostgresDSN          string `validate:"required"`
	PostgresReplicaDSN   string
	PostgresMaxOpenConns int `validate:"gte=1"`
	PostgresMaxIdleConns int `validate:"gte=0"`

	RabbitMQURL        string `validate:"required"`
	Queue              string `validate:"required"`
	ConsumerWorkers    int    `validate:"gte=1"`
	ConsumerPrefetch   int    `validate:"gte=1"`
	RequeueDelay       time.Duration
	ConfirmTimeout     time.Duration `validate:"gt=0"`
	MaxBindingKeys     int           `validate:"gte=1"`
	RedisAddresses     []string
	RedisPassword      string
	RedisDB            int `validate:"gte=0"`
	CircuitBreakerName string

	FlushBurst    int           `validate:"gte=1"`
	FlushInterval time.Duration `validate:"gt=0"`
	FlushLease    time.Duration `validate:"gt=0"`

	ProcessLogAdditionsWait  time.Duration `validate:"gt=0"`
	ProcessLedgerUpdatesWait time.Duration `validate:"gt=0"`
	ProcessWorkers           int           `validate:"gte=1"`
	ProcessBatchSize         int           `validate:"gte=1"`
	LedgerUpdateBurst        int           `validate:"gte=1"`

	LogRetention                 time.Duration
	LedgerRetention              time.Duration `validate:"gt=0"`
	CommittedTransferRetention   time.Duration `validate:"gt=0"`
	InactiveCreditorRetention    time.Duration `validate:"gt=0"`
	DeactivatedCreditorRetention time.Duration `validate:"gt=0"`

	MaxHeartbeatDelay time.Duration `validate:"gt=0"`
	MaxTransferDelay  time.Duration `validate:"gt=0"`
	MaxConfigDelay    time.Duration `validate:"gt=0"`

	CreditorsScanDuration          time.Duration `validate:"gt=0"`
	AccountsScanDuration           time.Duration `validate:"gt=0"`
	LogEntriesScanDuration         time.Duration `validate:"gt=0"`
	LedgerEntriesScanDuration      time.Duration `validate:"gt=0"`
	CommittedTransfersScanDuration time.Duration `validate:"gt=0"`
	ScanBatchSize                  int           `validate:"gte=1"`
	// ScanSchedule, when set, is a cron expression every scan pass waits for.
	ScanSchedule string
}

// DefaultConfig returns the configuration of a production node that owns
// every creditor. Connection strings are left empty.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		Environment: "production",

		PostgresMaxOpenConns: 20,
		PostgresMaxIdleConns: 5,

		Queue:              "creditors_agent",
		ConsumerWorkers:    4,
		ConsumerPrefetch:   64,
		RequeueDelay:       time.Second,
		ConfirmTimeout:     10 * time.Second,
		MaxBindingKeys:     100000,
		RedisAddresses:     []string{},
		CircuitBreakerName: "rabbitmq",

		FlushBurst:    10000,
		FlushInterval: 5 * time.Second,
		FlushLease:    time.Minute,

		ProcessLogAdditionsWait:  5 * time.Second,
		ProcessLedgerUpdatesWait: 5 * time.Second,
		ProcessWorkers:           1,
		ProcessBatchSize:         10000,
		LedgerUpdateBurst:        1000,

		LogRetention:                 90 * day,
		LedgerRetention:              90 * day,
		CommittedTransferRetention:   90 * day,
		InactiveCreditorRetention:    14 * day,
		DeactivatedCreditorRetention: 1826 * day,

		MaxHeartbeatDelay: 365 * day,
		MaxTransferDelay:  14 * day,
		MaxConfigDelay:    24 * time.Hour,

		CreditorsScanDuration:          7 * day,
		AccountsScanDuration:           8 * time.Hour,
		LogEntriesScanDuration:         7 * day,
		LedgerEntriesScanDuration:      7 * day,
		CommittedTransfersScanDuration: 7 * day,
		ScanBatchSize:                  1000,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}

			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}

		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.LogRetention < MinLogRetention {
		return fmt.Errorf("%w: log retention must be at least %d days", ErrInvalidConfig, int(MinLogRetention/day))
	}

	if _, err := c.Shard(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if _, err := c.Schedule(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// Shard returns the creditor range owned by the node.
func (c *Config) Shard() (shard.Range, error) {
	if c.MinCreditorID == "" && c.MaxCreditorID == "" {
		return shard.Full, nil
	}

	minID := c.MinCreditorID
	if minID == "" {
		minID = "0"
	}

	return shard.ParseRange(minID, c.MaxCreditorID)
}

// Schedule returns the parsed scan schedule, or nil when none is set.
func (c *Config) Schedule() (*cron.Schedule, error) {
	if strings.TrimSpace(c.ScanSchedule) == "" {
		return nil, nil
	}

	return cron.Parse(c.ScanSchedule)
}

// Procedures returns the thresholds of the state machine.
func (c *Config) Procedures() procedures.Config {
	return procedures.Config{
		LogRetention:     c.LogRetention,
		MaxTransferDelay: c.MaxTransferDelay,
		LedgerBurst:      c.LedgerUpdateBurst,
	}
}

func (c *Config) CreditorRetention() procedures.CreditorRetention {
	return procedures.CreditorRetention{
		Inactive:    c.InactiveCreditorRetention,
		Deactivated: c.DeactivatedCreditorRetention,
	}
}

func (c *Config) AccountThresholds() scanner.AccountThresholds {
	thresholds := scanner.DefaultAccountThresholds()
	thresholds.MaxConfigDelay = c.MaxConfigDelay
	thresholds.MaxHeartbeatDelay = c.MaxHeartbeatDelay
	thresholds.MaxTransferDelay = c.MaxTransferDelay

	return thresholds
}

func (c *Config) Retention() scanner.Retention {
	return scanner.Retention{
		LogEntries:         c.LogRetention,
		LedgerEntries:      c.LedgerRetention,
		CommittedTransfers: c.CommittedTransferRetention,
	}
}

// ScanDuration returns the pass duration of the named scan job.
func (c *Config) ScanDuration(job string) time.Duration {
	switch job {
	case "scan_creditors":
		return c.CreditorsScanDuration
	case "scan_accounts":
		return c.AccountsScanDuration
	case "scan_log_entries":
		return c.LogEntriesScanDuration
	case "scan_ledger_entries":
		return c.LedgerEntriesScanDuration
	case "scan_committed_transfers":
		return c.CommittedTransfersScanDuration
	default:
		return 0
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig is the TOML and environment form of Config. Durations are
// strings ("5s", "8h"), retentions are whole days and zero values mean
// "keep the current value".
type fileConfig struct {
	LogLevel    string `toml:"log_level" env:"CREDITORS_AGENT_LOG_LEVEL"`
	Environment string `toml:"environment" env:"CREDITORS_AGENT_ENVIRONMENT"`

	MinCreditorID string `toml:"min_creditor_id" env:"CREDITORS_AGENT_MIN_CREDITOR_ID"`
	MaxCreditorID string `toml:"max_creditor_id" env:"CREDITORS_AGENT_MAX_CREDITOR_ID"`

	PostgresDSN          string `toml:"postgres_dsn" env:"CREDITORS_AGENT_POSTGRES_DSN"`
	PostgresReplicaDSN   string `toml:"postgres_replica_dsn" env:"CREDITORS_AGENT_POSTGRES_REPLICA_DSN"`
	PostgresMaxOpenConns int    `toml:"postgres_max_open_conns" env:"CREDITORS_AGENT_POSTGRES_MAX_OPEN_CONNS"`
	PostgresMaxIdleConns int    `toml:"postgres_max_idle_conns" env:"CREDITORS_AGENT_POSTGRES_MAX_IDLE_CONNS"`

	RabbitMQURL        string `toml:"rabbitmq_url" env:"CREDITORS_AGENT_RABBITMQ_URL"`
	Queue              string `toml:"queue" env:"CREDITORS_AGENT_QUEUE"`
	ConsumerWorkers    int    `toml:"consumer_workers" env:"CREDITORS_AGENT_CONSUMER_WORKERS"`
	ConsumerPrefetch   int    `toml:"consumer_prefetch" env:"CREDITORS_AGENT_CONSUMER_PREFETCH"`
	RequeueDelay       string `toml:"requeue_delay" env:"CREDITORS_AGENT_REQUEUE_DELAY"`
	ConfirmTimeout     string `toml:"confirm_timeout" env:"CREDITORS_AGENT_CONFIRM_TIMEOUT"`
	MaxBindingKeys     int    `toml:"max_binding_keys" env:"CREDITORS_AGENT_MAX_BINDING_KEYS"`
	RedisAddresses     string `toml:"redis_addresses" env:"CREDITORS_AGENT_REDIS_ADDRESSES"`
	RedisPassword      string `toml:"redis_password" env:"CREDITORS_AGENT_REDIS_PASSWORD"`
	RedisDB            int    `toml:"redis_db" env:"CREDITORS_AGENT_REDIS_DB"`
	CircuitBreakerName string `toml:"circuit_breaker_name" env:"CREDITORS_AGENT_CIRCUIT_BREAKER_NAME"`

	FlushBurst    int    `toml:"flush_burst" env:"CREDITORS_AGENT_FLUSH_BURST"`
	FlushInterval string `toml:"flush_interval" env:"CREDITORS_AGENT_FLUSH_INTERVAL"`
	FlushLease    string `toml:"flush_lease" env:"CREDITORS_AGENT_FLUSH_LEASE"`

	ProcessLogAdditionsWait  string `toml:"process_log_additions_wait" env:"CREDITORS_AGENT_PROCESS_LOG_ADDITIONS_WAIT"`
	ProcessLedgerUpdatesWait string `toml:"process_ledger_updates_wait" env:"CREDITORS_AGENT_PROCESS_LEDGER_UPDATES_WAIT"`
	ProcessWorkers           int    `toml:"process_workers" env:"CREDITORS_AGENT_PROCESS_WORKERS"`
	ProcessBatchSize         int    `toml:"process_batch_size" env:"CREDITORS_AGENT_PROCESS_BATCH_SIZE"`
	LedgerUpdateBurst        int    `toml:"ledger_update_burst" env:"CREDITORS_AGENT_LEDGER_UPDATE_BURST"`

	LogRetentionDays                 int `toml:"log_retention_days" env:"CREDITORS_AGENT_LOG_RETENTION_DAYS"`
	LedgerRetentionDays              int `toml:"ledger_retention_days" env:"CREDITORS_AGENT_LEDGER_RETENTION_DAYS"`
	CommittedTransferRetentionDays   int `toml:"committed_transfer_retention_days" env:"CREDITORS_AGENT_COMMITTED_TRANSFER_RETENTION_DAYS"`
	InactiveCreditorRetentionDays    int `toml:"inactive_creditor_retention_days" env:"CREDITORS_AGENT_INACTIVE_CREDITOR_RETENTION_DAYS"`
	DeactivatedCreditorRetentionDays int `toml:"deactivated_creditor_retention_days" env:"CREDITORS_AGENT_DEACTIVATED_CREDITOR_RETENTION_DAYS"`

	MaxHeartbeatDays int    `toml:"max_heartbeat_days" env:"CREDITORS_AGENT_MAX_HEARTBEAT_DAYS"`
	MaxTransferDelay string `toml:"max_transfer_delay" env:"CREDITORS_AGENT_MAX_TRANSFER_DELAY"`
	MaxConfigDelay   string `toml:"max_config_delay" env:"CREDITORS_AGENT_MAX_CONFIG_DELAY"`

	CreditorsScanDuration          string `toml:"creditors_scan_duration" env:"CREDITORS_AGENT_CREDITORS_SCAN_DURATION"`
	AccountsScanDuration           string `toml:"accounts_scan_duration" env:"CREDITORS_AGENT_ACCOUNTS_SCAN_DURATION"`
	LogEntriesScanDuration         string `toml:"log_entries_scan_duration" env:"CREDITORS_AGENT_LOG_ENTRIES_SCAN_DURATION"`
	LedgerEntriesScanDuration      string `toml:"ledger_entries_scan_duration" env:"CREDITORS_AGENT_LEDGER_ENTRIES_SCAN_DURATION"`
	CommittedTransfersScanDuration string `toml:"committed_transfers_scan_duration" env:"CREDITORS_AGENT_COMMITTED_TRANSFERS_SCAN_DURATION"`
	ScanBatchSize                  int    `toml:"scan_batch_size" env:"CREDITORS_AGENT_SCAN_BATCH_SIZE"`
	ScanSchedule                   string `toml:"scan_schedule" env:"CREDITORS_AGENT_SCAN_SCHEDULE"`
}

// loadFile reads and parses a TOML config file. Unknown keys are an error.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig

	f, err := os.Open(path)
	if err != nil {
		return fc, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return fc, nil
}

// loadEnv reads the CREDITORS_AGENT_* variables.
func loadEnv() (fileConfig, error) {
	var fc fileConfig

	if err := SetConfigFromEnvVars(&fc); err != nil {
		return fc, err
	}

	return fc, nil
}

// apply copies the non-zero values of fc into cfg. source names the origin
// in parse errors.
func (fc fileConfig) apply(cfg *Config, source string) error {
	s := &setter{source: source}

	s.setString(fc.LogLevel, &cfg.LogLevel)
	s.setString(fc.Environment, &cfg.Environment)
	s.setString(fc.MinCreditorID, &cfg.MinCreditorID)
	s.setString(fc.MaxCreditorID, &cfg.MaxCreditorID)

	s.setString(fc.PostgresDSN, &cfg.PostgresDSN)
	s.setString(fc.PostgresReplicaDSN, &cfg.PostgresReplicaDSN)
	s.setInt(fc.PostgresMaxOpenConns, &cfg.PostgresMaxOpenConns)
	s.setInt(fc.PostgresMaxIdleConns, &cfg.PostgresMaxIdleConns)

	s.setString(fc.RabbitMQURL, &cfg.RabbitMQURL)
	s.setString(fc.Queue, &cfg.Queue)
	s.setInt(fc.ConsumerWorkers, &cfg.ConsumerWorkers)
	s.setInt(fc.ConsumerPrefetch, &cfg.ConsumerPrefetch)
	s.setDuration("requeue_delay", fc.RequeueDelay, &cfg.RequeueDelay)
	s.setDuration("confirm_timeout", fc.ConfirmTimeout, &cfg.ConfirmTimeout)
	s.setInt(fc.MaxBindingKeys, &cfg.MaxBindingKeys)
	s.setList(fc.RedisAddresses, &cfg.RedisAddresses)
	s.setString(fc.RedisPassword, &cfg.RedisPassword)
	s.setInt(fc.RedisDB, &cfg.RedisDB)
	s.setString(fc.CircuitBreakerName, &cfg.CircuitBreakerName)

	s.setInt(fc.FlushBurst, &cfg.FlushBurst)
	s.setDuration("flush_interval", fc.FlushInterval, &cfg.FlushInterval)
	s.setDuration("flush_lease", fc.FlushLease, &cfg.FlushLease)

	s.setDuration("process_log_additions_wait", fc.ProcessLogAdditionsWait, &cfg.ProcessLogAdditionsWait)
	s.setDuration("process_ledger_updates_wait", fc.ProcessLedgerUpdatesWait, &cfg.ProcessLedgerUpdatesWait)
	s.setInt(fc.ProcessWorkers, &cfg.ProcessWorkers)
	s.setInt(fc.ProcessBatchSize, &cfg.ProcessBatchSize)
	s.setInt(fc.LedgerUpdateBurst, &cfg.LedgerUpdateBurst)

	s.setDays(fc.LogRetentionDays, &cfg.LogRetention)
	s.setDays(fc.LedgerRetentionDays, &cfg.LedgerRetention)
	s.setDays(fc.CommittedTransferRetentionDays, &cfg.CommittedTransferRetention)
	s.setDays(fc.InactiveCreditorRetentionDays, &cfg.InactiveCreditorRetention)
	s.setDays(fc.DeactivatedCreditorRetentionDays, &cfg.DeactivatedCreditorRetention)

	s.setDays(fc.MaxHeartbeatDays, &cfg.MaxHeartbeatDelay)
	s.setDuration("max_transfer_delay", fc.MaxTransferDelay, &cfg.MaxTransferDelay)
	s.setDuration("max_config_delay", fc.MaxConfigDelay, &cfg.MaxConfigDelay)

	s.setDuration("creditors_scan_duration", fc.CreditorsScanDuration, &cfg.CreditorsScanDuration)
	s.setDuration("accounts_scan_duration", fc.AccountsScanDuration, &cfg.AccountsScanDuration)
	s.setDuration("log_entries_scan_duration", fc.LogEntriesScanDuration, &cfg.LogEntriesScanDuration)
	s.setDuration("ledger_entries_scan_duration", fc.LedgerEntriesScanDuration, &cfg.LedgerEntriesScanDuration)
	s.setDuration("committed_transfers_scan_duration", fc.CommittedTransfersScanDuration, &cfg.CommittedTransfersScanDuration)
	s.setInt(fc.ScanBatchSize, &cfg.ScanBatchSize)
	s.setString(fc.ScanSchedule, &cfg.ScanSchedule)

	return s.err
}

// setter copies values that are set and keeps the first parse error.
type setter struct {
	source string
	err    error
}

func (s *setter) setString(value string, dst *string) {
	if value == "" {
		return
	}

	*dst = value
}

func (s *setter) setInt(value int, dst *int) {
	if value <= 0 {
		return
	}

	*dst = value
}

func (s *setter) setDays(days int, dst *time.Duration) {
	if days <= 0 {
		return
	}

	*dst = time.Duration(days) * day
}

func (s *setter) setList(value string, dst *[]string) {
	if strings.TrimSpace(value) == "" {
		return
	}

	items := make([]string, 0)

	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	*dst = items
}

func (s *setter) setDuration(name, value string, dst *time.Duration) {
	if value == "" || s.err != nil {
		return
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		s.err = fmt.Errorf("%s: parse %s: %w", s.source, name, err)

		return
	}

	*dst = d
}

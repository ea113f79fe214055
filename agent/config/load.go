package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flag names registered by RegisterFlags.
const (
	FlagLogLevel       = "log-level"
	FlagMinCreditorID  = "min-creditor-id"
	FlagMaxCreditorID  = "max-creditor-id"
	FlagPostgresDSN    = "postgres-dsn"
	FlagRabbitMQURL    = "rabbitmq-url"
	FlagQueue          = "queue"
	FlagRedisAddresses = "redis-addresses"
	FlagWorkers        = "workers"
	FlagScanSchedule   = "scan-schedule"
)

// RegisterFlags adds the configuration flags to fs. Only flags set on the
// command line override the file and the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagLogLevel, "", "log level: debug, info, warn or error")
	fs.String(FlagMinCreditorID, "", "smallest creditor ID owned by the node")
	fs.String(FlagMaxCreditorID, "", "creditor ID the owned range ends before")
	fs.String(FlagPostgresDSN, "", "primary Postgres connection string")
	fs.String(FlagRabbitMQURL, "", "RabbitMQ URL")
	fs.String(FlagQueue, "", "queue consumed by the node")
	fs.StringSlice(FlagRedisAddresses, nil, "Redis addresses for the scan locks")
	fs.Int(FlagWorkers, 0, "number of parallel workers of the command")
	fs.String(FlagScanSchedule, "", "cron expression the scan passes wait for")
}

// Load builds the configuration from the defaults, the TOML file at path
// (skipped when path is empty), the environment and the changed flags of
// fs (skipped when fs is nil), then validates it.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg, err := load(path, fs)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		fc, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}

		if err := fc.apply(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	fe, err := loadEnv()
	if err != nil {
		return Config{}, err
	}

	if err := fe.apply(&cfg, "environment"); err != nil {
		return Config{}, err
	}

	if fs != nil {
		if err := applyFlags(&cfg, fs); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	strs := map[string]*string{
		FlagLogLevel:      &cfg.LogLevel,
		FlagMinCreditorID: &cfg.MinCreditorID,
		FlagMaxCreditorID: &cfg.MaxCreditorID,
		FlagPostgresDSN:   &cfg.PostgresDSN,
		FlagRabbitMQURL:   &cfg.RabbitMQURL,
		FlagQueue:         &cfg.Queue,
		FlagScanSchedule:  &cfg.ScanSchedule,
	}

	for name, dst := range strs {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}

		value, err := fs.GetString(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}

		*dst = value
	}

	if fs.Lookup(FlagRedisAddresses) != nil && fs.Changed(FlagRedisAddresses) {
		addrs, err := fs.GetStringSlice(FlagRedisAddresses)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", FlagRedisAddresses, err)
		}

		cfg.RedisAddresses = addrs
	}

	if fs.Lookup(FlagWorkers) != nil && fs.Changed(FlagWorkers) {
		workers, err := fs.GetInt(FlagWorkers)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", FlagWorkers, err)
		}

		// The same flag sizes the consumer and the compactors; each command
		// reads only its own field.
		cfg.ConsumerWorkers = workers
		cfg.ProcessWorkers = workers
	}

	return nil
}

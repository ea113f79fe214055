package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

func (e Environment) verbose() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

// Config holds the logger inputs. Fields are attached to every entry; the
// agent uses them for the node's shard.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
	Fields          map[string]any
}

var ErrInvalidLoggerConfig = errors.New("invalid logger config")

func (c Config) level() (zap.AtomicLevel, error) {
	if strings.TrimSpace(c.Level) == "" {
		if c.Environment.verbose() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("%w: level %q: %w", ErrInvalidLoggerConfig, c.Level, err)
	}

	return level, nil
}

// New builds a JSON logger teed into the otelzap bridge, so entries reach
// both stderr and the OpenTelemetry log pipeline.
func New(cfg Config) (*Logger, error) {
	if cfg.OTelLibraryName == "" {
		return nil, fmt.Errorf("%w: OTelLibraryName is required", ErrInvalidLoggerConfig)
	}

	var zc zap.Config

	switch cfg.Environment {
	case EnvironmentProduction, EnvironmentStaging:
		zc = zap.NewProductionConfig()
	case EnvironmentDevelopment, EnvironmentLocal:
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("%w: environment %q", ErrInvalidLoggerConfig, cfg.Environment)
	}

	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	zc.Level = level
	zc.Encoding = "json"
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true
	zc.InitialFields = cfg.Fields

	built, err := zc.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, nil
}

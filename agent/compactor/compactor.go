// Package compactor moves staged rows into their append-only homes.
//
// A LogProcessor drains pending log entries into the per-creditor log and a
// LedgerProcessor advances account ledgers over committed transfers. Both
// fan out across creditors or accounts and never split the work for one
// creditor or one account across goroutines.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/runtime"
)

var (
	ErrSourceRequired     = errors.New("compactor: source is required")
	ErrProceduresRequired = errors.New("compactor: procedures are required")
)

const (
	defaultWait      = 5 * time.Second
	defaultBatchSize = 10000
	defaultWorkers   = 1
)

// Config controls one processor.
type Config struct {
	// Wait is the pause after a pass that found less than BatchSize items.
	Wait time.Duration
	// BatchSize is the max number of creditors or accounts per pass.
	BatchSize int
	// Workers is the number of creditors or accounts processed at once.
	Workers int
}

// DefaultConfig returns the baseline processor configuration.
func DefaultConfig() Config {
	return Config{
		Wait:      defaultWait,
		BatchSize: defaultBatchSize,
		Workers:   defaultWorkers,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Wait <= 0 {
		cfg.Wait = defaults.Wait
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
}

// Option configures a processor.
type Option func(*base)

func WithConfig(cfg Config) Option {
	return func(b *base) {
		b.cfg = cfg
	}
}

func WithWorkers(n int) Option {
	return func(b *base) {
		b.cfg.Workers = n
	}
}

func WithWait(d time.Duration) Option {
	return func(b *base) {
		b.cfg.Wait = d
	}
}

func WithLogger(logger log.Logger) Option {
	return func(b *base) {
		if !nilcheck.Interface(logger) {
			b.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *base) {
		if !nilcheck.Interface(tracer) {
			b.tracer = tracer
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *base) {
		b.meterProvider = provider
	}
}

// base holds what both processors share.
type base struct {
	name          string
	cfg           Config
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	processed     metric.Int64Counter
}

func newBase(name, unit string, opts []Option) (base, error) {
	b := base{
		name:   name,
		cfg:    DefaultConfig(),
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("creditors-agent.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}

	b.cfg.normalize()

	provider := b.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counterName := "compactor." + name + ".processed"

	counter, err := provider.Meter("creditors-agent.compactor").Int64Counter(
		counterName,
		metric.WithDescription("Number of "+unit+" processed by the "+name+" processor"),
		metric.WithUnit("{"+unit+"}"),
	)
	if err != nil {
		return base{}, fmt.Errorf("create %s counter: %w", counterName, err)
	}

	b.processed = counter

	return b, nil
}

// run calls once until ctx is done. A pass that filled its batch is
// followed by another pass right away.
func (b *base) run(ctx context.Context, once func(context.Context) (int, error)) error {
	b.logger.Log(ctx, log.LevelInfo, "processor started",
		log.String("processor", b.name), log.Int("workers", b.cfg.Workers))
	defer b.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "processor stopped", log.String("processor", b.name))

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := b.guarded(ctx, once)
		if err != nil && ctx.Err() == nil {
			b.logger.Log(ctx, log.LevelError, "processor pass failed", log.String("processor", b.name), log.Err(err))
		}

		if err == nil && n >= b.cfg.BatchSize {
			continue
		}

		if waitErr := backoff.WaitContext(ctx, b.cfg.Wait); waitErr != nil {
			return nil
		}
	}
}

func (b *base) guarded(ctx context.Context, once func(context.Context) (int, error)) (n int, err error) {
	defer runtime.RecoverAndLog(ctx, b.logger, "compactor", b.name)

	return once(ctx)
}

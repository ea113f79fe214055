package main

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swaptacular/creditors-agent/agent/circuitbreaker"
	"github.com/swaptacular/creditors-agent/agent/config"
	"github.com/swaptacular/creditors-agent/agent/launcher"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/outbox"
	"github.com/swaptacular/creditors-agent/agent/postgres"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/rabbitmq"
	"github.com/swaptacular/creditors-agent/agent/redis"
	"github.com/swaptacular/creditors-agent/agent/scanner"
	"github.com/swaptacular/creditors-agent/agent/shard"
	pgstore "github.com/swaptacular/creditors-agent/agent/store/postgres"
	agentzap "github.com/swaptacular/creditors-agent/agent/zap"
)

const instrumentationName = "github.com/swaptacular/creditors-agent"

// app owns the configuration and the connections of one process. The
// connections are opened on first use.
type app struct {
	cfg        config.Config
	configPath string
	flags      *pflag.FlagSet
	shard      shard.Range

	logger *agentzap.Logger
	tracer trace.Tracer
	meters metric.MeterProvider

	pg     *postgres.Client
	store  *pgstore.Store
	procs  *procedures.Procedures
	broker *rabbitmq.Connection
	redis  *redis.Client
}

func newApp(configPath string, flags *pflag.FlagSet) (*app, error) {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, err
	}

	r, err := cfg.Shard()
	if err != nil {
		return nil, err
	}

	logger, err := agentzap.New(agentzap.Config{
		Environment:     agentzap.Environment(cfg.Environment),
		Level:           cfg.LogLevel,
		OTelLibraryName: instrumentationName,
		Fields:          map[string]any{"shard": r.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &app{
		cfg:        cfg,
		configPath: configPath,
		flags:      flags,
		shard:      r,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meters:     otel.GetMeterProvider(),
	}, nil
}

func (a *app) openStore(ctx context.Context) (*pgstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	client, err := postgres.New(postgres.Config{
		PrimaryDSN:   a.cfg.PostgresDSN,
		ReplicaDSN:   a.cfg.PostgresReplicaDSN,
		MaxOpenConns: a.cfg.PostgresMaxOpenConns,
		MaxIdleConns: a.cfg.PostgresMaxIdleConns,
		Migrations:   pgstore.Migrations(),
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	a.pg = client

	st, err := pgstore.New(client, pgstore.WithLogger(a.logger), pgstore.WithTracer(a.tracer))
	if err != nil {
		return nil, err
	}

	a.store = st

	return st, nil
}

func (a *app) procedures(ctx context.Context) (*procedures.Procedures, error) {
	if a.procs != nil {
		return a.procs, nil
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	procs, err := procedures.New(st,
		procedures.WithConfig(a.cfg.Procedures()),
		procedures.WithShard(a.shard),
		procedures.WithLogger(a.logger),
		procedures.WithTracer(a.tracer),
	)
	if err != nil {
		return nil, err
	}

	a.procs = procs

	return procs, nil
}

func (a *app) openBroker(ctx context.Context) (*rabbitmq.Connection, error) {
	if a.broker != nil {
		return a.broker, nil
	}

	conn, err := rabbitmq.NewConnection(a.cfg.RabbitMQURL, rabbitmq.WithConnectionLogger(a.logger))
	if err != nil {
		return nil, err
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	a.broker = conn

	return conn, nil
}

func (a *app) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := a.openBroker(ctx)
	if err != nil {
		return nil, err
	}

	return conn.Channel()
}

// publisher returns a confirming publisher guarded by a circuit breaker. A
// closed channel is replaced on the next publish.
func (a *app) publisher(ctx context.Context) (outbox.Publisher, error) {
	ch, err := a.channel(ctx)
	if err != nil {
		return nil, err
	}

	pub, err := rabbitmq.NewPublisher(ch,
		rabbitmq.WithLogger(a.logger),
		rabbitmq.WithConfirmTimeout(a.cfg.ConfirmTimeout),
		rabbitmq.WithChannelProvider(func() (rabbitmq.ConfirmableChannel, error) {
			if err := a.broker.Connect(ctx); err != nil {
				return nil, err
			}

			return a.broker.Channel()
		}),
	)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(a.cfg.CircuitBreakerName, circuitbreaker.DefaultConfig(),
		circuitbreaker.WithLogger(a.logger),
		circuitbreaker.WithIgnoredErrors(outbox.IsBrokerIndependent),
	)

	return outbox.BreakerPublisher(pub, breaker), nil
}

// locker returns the scan lock manager, or nil when no Redis is configured.
func (a *app) locker(ctx context.Context) (scanner.Locker, error) {
	if len(a.cfg.RedisAddresses) == 0 {
		return nil, nil
	}

	if a.redis == nil {
		client, err := redis.New(redis.Config{
			Addresses: a.cfg.RedisAddresses,
			Password:  a.cfg.RedisPassword,
			DB:        a.cfg.RedisDB,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, err
		}

		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		a.redis = client
	}

	return redis.NewLockManager(a.redis, redis.WithLockLogger(a.logger), redis.WithLockTracer(a.tracer))
}

// run runs component next to the config watcher until ctx is done or the
// component fails.
func (a *app) run(ctx context.Context, name string, component launcher.Component) error {
	opts := []launcher.Option{
		launcher.WithLogger(a.logger),
		launcher.RunComponent(name, component),
	}

	if a.configPath != "" {
		watcher, err := config.NewWatcher(a.configPath, a.logger, a.cfg.LogLevel,
			config.WithWatcherLogger(a.logger), config.WithFlags(a.flags))
		if err != nil {
			return err
		}

		// A broken watcher must not stop the node.
		opts = append(opts, launcher.RunComponent("config_watcher", launcher.ComponentFunc(func(ctx context.Context) error {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Log(ctx, log.LevelWarn, "config watcher unavailable", log.Err(err))
			}

			<-ctx.Done()

			return nil
		})))
	}

	return launcher.New(opts...).Run(ctx)
}

func (a *app) close(ctx context.Context) {
	var errs []error

	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}

	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}

	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Log(ctx, log.LevelWarn, "failed to close connections", log.Err(err))
	}

	_ = a.logger.Sync(ctx)
}

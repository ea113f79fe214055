package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swaptacular/creditors-agent/agent/compactor"
	"github.com/swaptacular/creditors-agent/agent/inbound"
	"github.com/swaptacular/creditors-agent/agent/launcher"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/outbox"
	"github.com/swaptacular/creditors-agent/agent/rabbitmq"
	"github.com/swaptacular/creditors-agent/agent/scanner"
)

func newFlushCommand(s *session) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send the pending outgoing messages to the broker",
		Long: "Send the pending outgoing messages to the broker. Without --kind every\n" +
			"kind of message is sent by a single loop.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app
			ctx := cmd.Context()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			publisher, err := a.publisher(ctx)
			if err != nil {
				return err
			}

			flusher, err := outbox.NewFlusher(st, publisher,
				outbox.WithKind(model.SignalKind(kind)),
				outbox.WithBatchSize(a.cfg.FlushBurst),
				outbox.WithInterval(a.cfg.FlushInterval),
				outbox.WithLease(a.cfg.FlushLease),
				outbox.WithPublishTimeout(a.cfg.ConfirmTimeout),
				outbox.WithLogger(a.logger),
				outbox.WithTracer(a.tracer),
				outbox.WithMeterProvider(a.meters),
			)
			if err != nil {
				return err
			}

			return a.run(ctx, "flusher", flusher)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "send only messages of this kind, e.g. ConfigureAccount")

	return cmd
}

// passRunner is a loop that can also run a single pass.
type passRunner interface {
	launcher.Component
	ProcessOnce(ctx context.Context) (int, error)
}

func runProcessor(cmd *cobra.Command, a *app, name string, p passRunner, once bool) error {
	if !once {
		return a.run(cmd.Context(), name, p)
	}

	n, err := p.ProcessOnce(cmd.Context())
	a.logger.Log(cmd.Context(), log.LevelInfo, "pass completed", log.String("process", name), log.Int("items", n))

	return err
}

func (a *app) compactorOptions(wait time.Duration) []compactor.Option {
	return []compactor.Option{
		compactor.WithConfig(compactor.Config{
			Wait:      wait,
			BatchSize: a.cfg.ProcessBatchSize,
			Workers:   a.cfg.ProcessWorkers,
		}),
		compactor.WithLogger(a.logger),
		compactor.WithTracer(a.tracer),
		compactor.WithMeterProvider(a.meters),
	}
}

func newProcessLogAdditionsCommand(s *session) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "process_log_additions",
		Short: "Move pending log entries into the creditors' logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}

			procs, err := a.procedures(cmd.Context())
			if err != nil {
				return err
			}

			p, err := compactor.NewLogProcessor(st, procs, a.compactorOptions(a.cfg.ProcessLogAdditionsWait)...)
			if err != nil {
				return err
			}

			return runProcessor(cmd, a, "process_log_additions", p, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process the pending entries once and exit")

	return cmd
}

func newProcessLedgerUpdatesCommand(s *session) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "process_ledger_updates",
		Short: "Add committed transfers to the account ledgers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}

			procs, err := a.procedures(cmd.Context())
			if err != nil {
				return err
			}

			p, err := compactor.NewLedgerProcessor(st, procs, a.compactorOptions(a.cfg.ProcessLedgerUpdatesWait)...)
			if err != nil {
				return err
			}

			return runProcessor(cmd, a, "process_ledger_updates", p, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process the pending updates once and exit")

	return cmd
}

func newConsumeMessagesCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "consume_messages",
		Short: "Process the messages arriving in the node's queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app
			ctx := cmd.Context()

			procs, err := a.procedures(ctx)
			if err != nil {
				return err
			}

			processor, err := inbound.NewProcessor(procs,
				inbound.WithLogger(a.logger),
				inbound.WithMeterProvider(a.meters),
			)
			if err != nil {
				return err
			}

			ch, err := a.channel(ctx)
			if err != nil {
				return err
			}

			consumer, err := rabbitmq.NewConsumer(ch, a.cfg.Queue, processor,
				rabbitmq.WithConsumerLogger(a.logger),
				rabbitmq.WithConsumerTracer(a.tracer),
				rabbitmq.WithConsumerMeterProvider(a.meters),
				rabbitmq.WithWorkers(a.cfg.ConsumerWorkers),
				rabbitmq.WithPrefetch(a.cfg.ConsumerPrefetch),
				rabbitmq.WithRequeueDelay(a.cfg.RequeueDelay),
			)
			if err != nil {
				return err
			}

			return a.run(ctx, "consumer", consumer)
		},
	}
}

func newSubscribeCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Declare the broker topology and bind the queue to the node's shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app
			ctx := cmd.Context()

			keys, err := a.shard.BindingKeys(a.cfg.MaxBindingKeys)
			if err != nil {
				return err
			}

			ch, err := a.channel(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			topo := rabbitmq.Topology{Queue: a.cfg.Queue, BindingKeys: keys}
			if err := rabbitmq.DeclareTopology(ch, topo); err != nil {
				return err
			}

			a.logger.Log(ctx, log.LevelInfo, "queue subscribed",
				log.String("queue", topo.Queue),
				log.String("dead_letter_queue", topo.DeadLetterQueue()),
				log.String("shard", a.shard.String()),
				log.Int("binding_keys", len(keys)))

			return nil
		},
	}
}

// scanJob describes one scan sub-command.
type scanJob struct {
	name  string
	short string
	build func(ctx context.Context, a *app, opts []scanner.JobOption) (scanner.Job, error)
}

var scanJobs = []scanJob{
	{
		name:  "scan_creditors",
		short: "Purge creditors that were never activated or were deactivated long ago",
		build: func(ctx context.Context, a *app, opts []scanner.JobOption) (scanner.Job, error) {
			st, err := a.openStore(ctx)
			if err != nil {
				return nil, err
			}

			procs, err := a.procedures(ctx)
			if err != nil {
				return nil, err
			}

			return scanner.NewCreditorsJob(st, procs, a.cfg.CreditorRetention(), opts...)
		},
	},
	{
		name:  "scan_accounts",
		short: "Resend lost configs, remove dead accounts and repair ledgers",
		build: func(ctx context.Context, a *app, opts []scanner.JobOption) (scanner.Job, error) {
			st, err := a.openStore(ctx)
			if err != nil {
				return nil, err
			}

			procs, err := a.procedures(ctx)
			if err != nil {
				return nil, err
			}

			return scanner.NewAccountsJob(st, procs, a.cfg.AccountThresholds(), opts...)
		},
	},
	retentionScanJob("scan_log_entries", "Purge log entries older than the log retention", 0),
	retentionScanJob("scan_ledger_entries", "Purge ledger entries older than the ledger retention", 1),
	retentionScanJob("scan_committed_transfers", "Purge committed transfers older than their retention", 2),
}

// retentionScanJob picks job index of scanner.NewRetentionJobs.
func retentionScanJob(name, short string, index int) scanJob {
	return scanJob{
		name:  name,
		short: short,
		build: func(ctx context.Context, a *app, opts []scanner.JobOption) (scanner.Job, error) {
			st, err := a.openStore(ctx)
			if err != nil {
				return nil, err
			}

			jobs, err := scanner.NewRetentionJobs(st, a.cfg.Retention(), opts...)
			if err != nil {
				return nil, err
			}

			if jobs[index].Name() != name {
				return nil, fmt.Errorf("retention job %d is %s, not %s", index, jobs[index].Name(), name)
			}

			return jobs[index], nil
		},
	}
}

func newScanCommand(s *session, job scanJob) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   job.name,
		Short: job.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app
			ctx := cmd.Context()

			j, err := job.build(ctx, a, []scanner.JobOption{
				scanner.WithBatchSize(a.cfg.ScanBatchSize),
				scanner.WithShard(a.shard),
				scanner.WithLogger(a.logger),
			})
			if err != nil {
				return err
			}

			schedule, err := a.cfg.Schedule()
			if err != nil {
				return err
			}

			locker, err := a.locker(ctx)
			if err != nil {
				return err
			}

			runner, err := scanner.NewRunner(j,
				scanner.WithPassDuration(a.cfg.ScanDuration(job.name)),
				scanner.WithSchedule(schedule),
				scanner.WithLocker(locker),
				scanner.WithRunnerLogger(a.logger),
				scanner.WithRunnerTracer(a.tracer),
			)
			if err != nil {
				return err
			}

			if !once {
				return a.run(ctx, job.name, runner)
			}

			_, ran, err := runner.RunPass(ctx)
			if err == nil && !ran {
				a.logger.Log(ctx, log.LevelInfo, "scan pass skipped; another node holds the lock", log.String("job", job.name))
			}

			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass right away and exit")

	return cmd
}

package compactor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swaptacular/creditors-agent/agent/errgroup"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/shard"
)

// LogSource lists creditors with staged log entries.
type LogSource interface {
	CreditorsWithPendingLogEntries(ctx context.Context, limit int) ([]int64, error)
}

// LogProcedures moves the staged log entries of one creditor into its log.
// Entries of creditors outside the shard are discarded.
type LogProcedures interface {
	ProcessPendingLogEntries(ctx context.Context, creditorID int64) (int, error)
	DiscardPendingLogEntries(ctx context.Context, creditorID int64) (int, error)
}

// LogProcessor drains pending log entries.
type LogProcessor struct {
	base
	source LogSource
	procs  LogProcedures
}

func NewLogProcessor(source LogSource, procs LogProcedures, opts ...Option) (*LogProcessor, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	if nilcheck.Interface(procs) {
		return nil, ErrProceduresRequired
	}

	b, err := newBase("log", "creditor", opts)
	if err != nil {
		return nil, err
	}

	return &LogProcessor{base: b, source: source, procs: procs}, nil
}

// ProcessOnce processes one batch of creditors and returns how many
// creditors were in it.
func (p *LogProcessor) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "compactor.process_log_additions")
	defer span.End()

	creditors, err := p.source.CreditorsWithPendingLogEntries(ctx, p.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list creditors with pending log entries", err)

		return 0, fmt.Errorf("list creditors with pending log entries: %w", err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLogger(p.logger)
	grp.SetLimit(p.cfg.Workers)

	for _, creditorID := range creditors {
		if gctx.Err() != nil {
			break
		}

		grp.Go(func() error {
			_, err := p.procs.ProcessPendingLogEntries(gctx, creditorID)
			if errors.Is(err, shard.ErrNotOwned) {
				n, err := p.procs.DiscardPendingLogEntries(gctx, creditorID)
				if err != nil {
					return fmt.Errorf("discard log entries of creditor %d: %w", creditorID, err)
				}

				p.logger.Log(gctx, log.LevelWarn, "discarded log entries of a foreign creditor",
					log.Creditor(creditorID), log.Int("entries", n))

				return nil
			}

			if err != nil {
				return fmt.Errorf("process log entries of creditor %d: %w", creditorID, err)
			}

			return nil
		})
	}

	err = grp.Wait()

	span.SetAttributes(attribute.Int("compactor.creditors", len(creditors)))

	if len(creditors) > 0 {
		p.processed.Add(context.WithoutCancel(ctx), int64(len(creditors)))
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to process log entries", err)

		return len(creditors), err
	}

	return len(creditors), nil
}

// Run processes batches until ctx is done.
func (p *LogProcessor) Run(ctx context.Context) error {
	return p.run(ctx, p.ProcessOnce)
}

package compactor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swaptacular/creditors-agent/agent/errgroup"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/shard"
)

// LedgerSource lists accounts whose ledger may be advanced.
type LedgerSource interface {
	PendingLedgerUpdates(ctx context.Context, limit int) ([]model.AccountKey, error)
}

// LedgerProcedures advances the ledger of one account by one burst and
// reports whether the ledger is done for now. Updates of accounts outside
// the shard are discarded.
type LedgerProcedures interface {
	ProcessPendingLedgerUpdate(ctx context.Context, key model.AccountKey) (bool, error)
	DiscardPendingLedgerUpdate(ctx context.Context, key model.AccountKey) error
}

// LedgerProcessor advances account ledgers.
type LedgerProcessor struct {
	base
	source LedgerSource
	procs  LedgerProcedures
}

func NewLedgerProcessor(source LedgerSource, procs LedgerProcedures, opts ...Option) (*LedgerProcessor, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	if nilcheck.Interface(procs) {
		return nil, ErrProceduresRequired
	}

	b, err := newBase("ledger", "account", opts)
	if err != nil {
		return nil, err
	}

	return &LedgerProcessor{base: b, source: source, procs: procs}, nil
}

// ProcessOnce processes one batch of accounts and returns how many accounts
// were in it. Each account is advanced by a single goroutine, burst after
// burst, until its ledger is done.
func (p *LedgerProcessor) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "compactor.process_ledger_updates")
	defer span.End()

	keys, err := p.source.PendingLedgerUpdates(ctx, p.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending ledger updates", err)

		return 0, fmt.Errorf("list pending ledger updates: %w", err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLogger(p.logger)
	grp.SetLimit(p.cfg.Workers)

	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}

		grp.Go(func() error {
			return p.advance(gctx, key)
		})
	}

	err = grp.Wait()

	span.SetAttributes(attribute.Int("compactor.accounts", len(keys)))

	if len(keys) > 0 {
		p.processed.Add(context.WithoutCancel(ctx), int64(len(keys)))
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to process ledger updates", err)

		return len(keys), err
	}

	return len(keys), nil
}

func (p *LedgerProcessor) advance(ctx context.Context, key model.AccountKey) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := p.procs.ProcessPendingLedgerUpdate(ctx, key)
		if errors.Is(err, shard.ErrNotOwned) {
			if err := p.procs.DiscardPendingLedgerUpdate(ctx, key); err != nil {
				return fmt.Errorf("discard ledger update of account %d/%d: %w", key.CreditorID, key.DebtorID, err)
			}

			p.logger.Log(ctx, log.LevelWarn, "discarded ledger update of a foreign creditor",
				log.Creditor(key.CreditorID), log.Debtor(key.DebtorID))

			return nil
		}

		if err != nil {
			return fmt.Errorf("process ledger of account %d/%d: %w", key.CreditorID, key.DebtorID, err)
		}

		if done {
			return nil
		}
	}
}

// Run processes batches until ctx is done.
func (p *LedgerProcessor) Run(ctx context.Context) error {
	return p.run(ctx, p.ProcessOnce)
}

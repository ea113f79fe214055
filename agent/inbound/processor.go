// Package inbound applies messages received from debtor nodes.
//
// A Processor maps every inbound message variant to the procedure that
// applies it. The rabbitmq consumer drives it through Handle, which decodes
// a delivery and turns the outcome into an ack, a requeue or a dead-letter.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/procedures"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/rabbitmq"
	"github.com/swaptacular/creditors-agent/agent/shard"
	"github.com/swaptacular/creditors-agent/agent/store"
)

var ErrProceduresRequired = errors.New("inbound: procedures are required")

// Procedures applies each inbound message variant. *procedures.Procedures
// implements it.
type Procedures interface {
	ProcessAccountUpdate(ctx context.Context, msg *protocol.AccountUpdate) error
	ProcessAccountPurge(ctx context.Context, msg *protocol.AccountPurge) error
	ProcessRejectedConfig(ctx context.Context, msg *protocol.RejectedConfig) error
	ProcessAccountTransfer(ctx context.Context, msg *protocol.AccountTransfer) error
	ProcessRejectedTransfer(ctx context.Context, msg *protocol.RejectedTransfer) error
	ProcessPreparedTransfer(ctx context.Context, msg *protocol.PreparedTransfer) error
	ProcessFinalizedTransfer(ctx context.Context, msg *protocol.FinalizedTransfer) error
}

var _ Procedures = (*procedures.Procedures)(nil)

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(logger log.Logger) Option {
	return func(p *Processor) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(p *Processor) {
		p.meterProvider = provider
	}
}

// Processor applies inbound messages.
type Processor struct {
	procs         Procedures
	logger        log.Logger
	meterProvider metric.MeterProvider

	processed metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewProcessor returns a processor applying messages through procs.
func NewProcessor(procs Procedures, opts ...Option) (*Processor, error) {
	if nilcheck.Interface(procs) {
		return nil, ErrProceduresRequired
	}

	p := &Processor{
		procs:  procs,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	provider := p.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("creditors-agent.inbound")

	var err error

	p.processed, err = meter.Int64Counter(
		"inbound.messages.processed",
		metric.WithDescription("Number of inbound messages handled, by type and outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inbound.messages.processed counter: %w", err)
	}

	p.latency, err = meter.Float64Histogram(
		"inbound.apply.latency",
		metric.WithDescription("Time taken to apply one inbound message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inbound.apply.latency histogram: %w", err)
	}

	return p, nil
}

// Apply runs the procedure for msg. Stale and duplicate messages are
// no-ops. Messages for creditors outside the shard fail with
// shard.ErrNotOwned.
func (p *Processor) Apply(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.AccountUpdate:
		return p.procs.ProcessAccountUpdate(ctx, m)
	case *protocol.AccountPurge:
		return p.procs.ProcessAccountPurge(ctx, m)
	case *protocol.RejectedConfig:
		return p.procs.ProcessRejectedConfig(ctx, m)
	case *protocol.AccountTransfer:
		return p.procs.ProcessAccountTransfer(ctx, m)
	case *protocol.RejectedTransfer:
		return p.procs.ProcessRejectedTransfer(ctx, m)
	case *protocol.PreparedTransfer:
		return p.procs.ProcessPreparedTransfer(ctx, m)
	case *protocol.FinalizedTransfer:
		return p.procs.ProcessFinalizedTransfer(ctx, m)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownType, msg)
	}
}

// Handle decodes and applies one delivery.
func (p *Processor) Handle(ctx context.Context, d rabbitmq.Delivery) rabbitmq.Action {
	start := time.Now()

	msg, err := protocol.Decode(d.Type, d.ContentType, d.Body)
	if err == nil {
		err = p.Apply(ctx, msg)
	}

	action := p.classify(ctx, d, err)

	attrs := metric.WithAttributes(
		attribute.String("type", d.Type),
		attribute.String("action", action.String()),
	)

	p.processed.Add(context.WithoutCancel(ctx), 1, attrs)
	p.latency.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), attrs)

	return action
}

func (p *Processor) classify(ctx context.Context, d rabbitmq.Delivery, err error) rabbitmq.Action {
	fields := []log.Field{
		log.String("type", d.Type),
		log.String("message_id", d.MessageID),
	}

	switch {
	case err == nil:
		return rabbitmq.Ack
	case protocol.IsProtocolError(err):
		p.logger.Log(ctx, log.LevelWarn, "dead-lettering invalid message", append(fields, log.Err(err))...)

		return rabbitmq.Reject
	case errors.Is(err, shard.ErrNotOwned):
		// Left over from a shard split. The sibling node gets its own copy.
		p.logger.Log(ctx, log.LevelWarn, "dropping message for a foreign creditor", append(fields, log.Err(err))...)

		return rabbitmq.Ack
	case procedures.IsInvariantViolation(err):
		p.logger.Log(ctx, log.LevelError, "dead-lettering message that violates an invariant",
			append(fields, log.Err(err))...)

		return rabbitmq.Reject
	case errors.Is(err, store.ErrTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.logger.Log(ctx, log.LevelDebug, "requeueing message", append(fields, log.Err(err))...)

		return rabbitmq.Requeue
	default:
		p.logger.Log(ctx, log.LevelError, "failed to apply message", append(fields, log.Err(err))...)

		return rabbitmq.Requeue
	}
}

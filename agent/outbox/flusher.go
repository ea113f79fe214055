package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/model"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/protocol"
	"github.com/swaptacular/creditors-agent/agent/runtime"
	"github.com/swaptacular/creditors-agent/agent/store"
)

// Option configures a Flusher.
type Option func(*Flusher)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(flusher *Flusher) {
		flusher.cfg = cfg
	}
}

// WithKind restricts the flusher to one signal kind, so that each kind can
// get dedicated workers.
func WithKind(kind model.SignalKind) Option {
	return func(flusher *Flusher) {
		flusher.cfg.Kind = string(kind)
	}
}

func WithBatchSize(n int) Option {
	return func(flusher *Flusher) {
		flusher.cfg.BatchSize = n
	}
}

func WithInterval(d time.Duration) Option {
	return func(flusher *Flusher) {
		flusher.cfg.Interval = d
	}
}

func WithLease(d time.Duration) Option {
	return func(flusher *Flusher) {
		flusher.cfg.Lease = d
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(flusher *Flusher) {
		flusher.cfg.PublishTimeout = d
	}
}

func WithPublishMaxAttempts(n int) Option {
	return func(flusher *Flusher) {
		flusher.cfg.PublishMaxAttempts = n
	}
}

func WithPublishBackoff(d time.Duration) Option {
	return func(flusher *Flusher) {
		flusher.cfg.PublishBackoff = d
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(flusher *Flusher) {
		flusher.cfg.MeterProvider = provider
	}
}

// WithRetryClassifier decides which publish errors quarantine a row.
func WithRetryClassifier(classifier RetryClassifier) Option {
	return func(flusher *Flusher) {
		if !nilcheck.Interface(classifier) {
			flusher.retryClassifier = classifier
		}
	}
}

func WithLogger(logger log.Logger) Option {
	return func(flusher *Flusher) {
		if !nilcheck.Interface(logger) {
			flusher.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(flusher *Flusher) {
		if !nilcheck.Interface(tracer) {
			flusher.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(flusher *Flusher) {
		if now != nil {
			flusher.now = now
		}
	}
}

// Flusher drains the outbox into a Publisher.
type Flusher struct {
	repo            Repository
	publisher       Publisher
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	now             func() time.Time
	cfg             Config
	metrics         flusherMetrics

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	flushWg    sync.WaitGroup
}

// Result counts the outcomes of one pass.
type Result struct {
	Claimed     int
	Published   int
	Failed      int
	Quarantined int
}

// NewFlusher returns a flusher reading rows from repo and sending them
// through publisher.
func NewFlusher(repo Repository, publisher Publisher, opts ...Option) (*Flusher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	flusher := &Flusher{
		repo:            repo,
		publisher:       publisher,
		retryClassifier: DefaultRetryClassifier,
		logger:          log.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("creditors-agent.noop"),
		now:             time.Now,
		cfg:             DefaultConfig(),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(flusher)
		}
	}

	flusher.cfg.normalize()

	if flusher.cfg.Kind != "" && !model.SignalKind(flusher.cfg.Kind).Valid() {
		return nil, fmt.Errorf("outbox: unknown signal kind %q", flusher.cfg.Kind)
	}

	metrics, err := newFlusherMetrics(flusher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	flusher.metrics = metrics

	return flusher, nil
}

// Flush runs one pass and returns the number of rows confirmed and deleted.
func (flusher *Flusher) Flush(ctx context.Context) (int, error) {
	result, err := flusher.FlushResult(ctx)

	return result.Published, err
}

// FlushResult runs one pass: claim a batch, publish every claimed row and
// settle each row according to the outcome.
func (flusher *Flusher) FlushResult(ctx context.Context) (Result, error) {
	start := time.Now()

	ctx, span := flusher.tracer.Start(ctx, "outbox.flush")
	defer span.End()

	kind := model.SignalKind(flusher.cfg.Kind)

	msgs, err := flusher.repo.Claim(ctx, kind, flusher.cfg.BatchSize, flusher.cfg.Lease)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim outbox messages", err)

		return Result{}, fmt.Errorf("claim outbox messages: %w", err)
	}

	result := Result{Claimed: len(msgs)}

	for _, msg := range msgs {
		// Rows left claimed here become claimable again when their lease ends.
		if ctx.Err() != nil {
			break
		}

		switch flusher.flushOne(ctx, msg) {
		case outcomePublished:
			result.Published++
		case outcomeQuarantined:
			result.Quarantined++
		case outcomeFailed:
			result.Failed++
		}
	}

	span.SetAttributes(
		attribute.String("outbox.kind", flusher.cfg.Kind),
		attribute.Int("outbox.flush.claimed", result.Claimed),
		attribute.Int("outbox.flush.published", result.Published),
		attribute.Int("outbox.flush.failed", result.Failed),
		attribute.Int("outbox.flush.quarantined", result.Quarantined),
	)

	flusher.recordPass(context.WithoutCancel(ctx), result, time.Since(start))

	return result, nil
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeFailed
	outcomeQuarantined
)

func (flusher *Flusher) flushOne(ctx context.Context, msg *model.OutboxMessage) outcome {
	err := flusher.publishWithRetry(ctx, msg)

	// Settling a row is a short write of its own; a shutdown must not
	// interrupt it halfway.
	settleCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		flusher.deletePublished(settleCtx, msg)

		return outcomePublished
	case errors.Is(err, ErrUnroutable) && msg.Kind == model.KindConfigureAccount:
		if rejectErr := flusher.rejectUnroutable(settleCtx, msg); rejectErr != nil {
			flusher.logger.Log(ctx, log.LevelError, "failed to reject unroutable configure request",
				log.Int64("outbox_id", msg.ID), log.Err(rejectErr))

			return outcomeFailed
		}

		return outcomePublished
	case flusher.isNonRetryableError(err):
		flusher.logger.Log(ctx, log.LevelError, "quarantining unpublishable outbox message",
			log.Int64("outbox_id", msg.ID),
			log.String("kind", string(msg.Kind)),
			log.String("dedup_key", msg.DedupKey),
			log.String("error", sanitizeError(err)),
		)

		if qErr := flusher.repo.Quarantine(settleCtx, msg, sanitizeError(err)); qErr != nil {
			flusher.logSettleFailure(ctx, "quarantine", msg, qErr)
		}

		return outcomeQuarantined
	default:
		flusher.logger.Log(ctx, log.LevelWarn, "outbox publish failed; message released for retry",
			log.Int64("outbox_id", msg.ID),
			log.String("kind", string(msg.Kind)),
			log.Int("attempts", msg.Attempts+1),
			log.String("error", sanitizeError(err)),
		)

		if relErr := flusher.repo.Release(settleCtx, msg, sanitizeError(err)); relErr != nil {
			flusher.logSettleFailure(ctx, "release", msg, relErr)
		}

		return outcomeFailed
	}
}

func (flusher *Flusher) deletePublished(ctx context.Context, msg *model.OutboxMessage) {
	err := flusher.repo.Delete(ctx, msg)
	if err == nil {
		return
	}

	// The broker has the message. A row left behind is republished after
	// its lease and dropped by the receiver as a duplicate.
	flusher.logSettleFailure(ctx, "delete", msg, err)
}

func (flusher *Flusher) logSettleFailure(ctx context.Context, op string, msg *model.OutboxMessage, err error) {
	level := log.LevelError
	if errors.Is(err, store.ErrClaimLost) {
		level = log.LevelWarn
	}

	flusher.logger.Log(ctx, level, "failed to settle outbox message",
		log.String("operation", op),
		log.Int64("outbox_id", msg.ID),
		log.String("dedup_key", msg.DedupKey),
		log.Err(err),
	)
}

// rejectUnroutable replaces a ConfigureAccount nobody can receive with a
// RejectedConfig addressed to this node, in one transaction.
func (flusher *Flusher) rejectUnroutable(ctx context.Context, msg *model.OutboxMessage) error {
	request, err := protocol.DecodeConfigureAccount(msg.Payload)
	if err != nil {
		if qErr := flusher.repo.Quarantine(ctx, msg, sanitizeError(err)); qErr != nil {
			return errors.Join(err, qErr)
		}

		return err
	}

	now := flusher.now().UTC().Truncate(time.Microsecond)

	rejection, err := protocol.Encode(&protocol.RejectedConfigSignal{
		Header:           protocol.Header{CreditorID: request.CreditorID, DebtorID: request.DebtorID},
		ConfigTS:         request.TS,
		ConfigSeqnum:     request.Seqnum,
		NegligibleAmount: request.NegligibleAmount,
		ConfigData:       request.ConfigData,
		ConfigFlags:      request.ConfigFlags,
		RejectionCode:    model.SCNoConnectionToDebtor,
		TS:               now,
	}, now)
	if err != nil {
		return err
	}

	flusher.logger.Log(ctx, log.LevelInfo, "configure request is unroutable; rejecting it locally",
		log.Creditor(request.CreditorID),
		log.Debtor(request.DebtorID),
	)

	return flusher.repo.Delete(ctx, msg, rejection)
}

func (flusher *Flusher) publishWithRetry(ctx context.Context, msg *model.OutboxMessage) error {
	if len(msg.Payload) == 0 {
		return ErrEmptyPayload
	}

	maxAttempts := flusher.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := flusher.publishOnce(ctx, msg)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if errors.Is(err, ErrUnroutable) || flusher.isNonRetryableError(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.Jittered(flusher.cfg.PublishBackoff, 0, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (flusher *Flusher) publishOnce(ctx context.Context, msg *model.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, flusher.cfg.PublishTimeout)
	defer cancel()

	return flusher.publisher.Publish(ctx, msg)
}

func (flusher *Flusher) isNonRetryableError(err error) bool {
	if err == nil || nilcheck.Interface(flusher.retryClassifier) {
		return false
	}

	return flusher.retryClassifier.IsNonRetryable(err)
}

func (flusher *Flusher) recordPass(ctx context.Context, result Result, elapsed time.Duration) {
	opts := []metric.AddOption{metric.WithAttributes(attribute.String("kind", flusher.cfg.Kind))}

	if result.Published > 0 {
		flusher.metrics.published.Add(ctx, int64(result.Published), opts...)
	}

	if result.Failed > 0 {
		flusher.metrics.failed.Add(ctx, int64(result.Failed), opts...)
	}

	if result.Quarantined > 0 {
		flusher.metrics.quarantined.Add(ctx, int64(result.Quarantined), opts...)
	}

	recordOpts := []metric.RecordOption{metric.WithAttributes(attribute.String("kind", flusher.cfg.Kind))}
	flusher.metrics.latency.Record(ctx, elapsed.Seconds(), recordOpts...)

	depth, err := flusher.repo.Depth(ctx, model.SignalKind(flusher.cfg.Kind))
	if err != nil {
		flusher.logger.Log(ctx, log.LevelDebug, "failed to read outbox depth", log.Err(err))

		return
	}

	flusher.metrics.queueDepth.Record(ctx, depth, recordOpts...)
}

// Run flushes until a pass publishes less than a full batch, then waits
// Interval. It returns when ctx is cancelled or Stop is called; a pass in
// progress finishes settling the row it is working on.
func (flusher *Flusher) Run(ctx context.Context) error {
	if !flusher.registerRun() {
		return ErrFlusherRunning
	}
	defer flusher.clearRun()

	flusher.logger.Log(ctx, log.LevelInfo, "outbox flusher started", log.String("kind", flusher.cfg.Kind))
	defer flusher.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "outbox flusher stopped")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-flusher.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		published, err := flusher.flushGuarded(ctx)
		if err != nil {
			flusher.logger.Log(ctx, log.LevelError, "outbox flush failed", log.Err(err))
		}

		if err == nil && published >= flusher.cfg.BatchSize {
			continue
		}

		if waitErr := backoff.WaitContext(ctx, flusher.cfg.Interval); waitErr != nil {
			return nil
		}
	}
}

func (flusher *Flusher) flushGuarded(ctx context.Context) (published int, err error) {
	flusher.flushWg.Add(1)
	defer flusher.flushWg.Done()
	defer runtime.RecoverAndLog(ctx, flusher.logger, "outbox", "flush")

	return flusher.Flush(ctx)
}

// Stop signals the run loop to return.
func (flusher *Flusher) Stop() {
	flusher.stopOnce.Do(func() {
		close(flusher.stop)
	})
}

// Shutdown stops the loop and waits for the pass in progress.
func (flusher *Flusher) Shutdown(ctx context.Context) error {
	flusher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(flusher.logger, "outbox.flusher_shutdown_wait", runtime.KeepRunning, func() {
		flusher.flushWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flusher shutdown: %w", ctx.Err())
	}
}

func (flusher *Flusher) registerRun() bool {
	flusher.runStateMu.Lock()
	defer flusher.runStateMu.Unlock()

	if flusher.running {
		return false
	}

	flusher.running = true

	return true
}

func (flusher *Flusher) clearRun() {
	flusher.runStateMu.Lock()
	defer flusher.runStateMu.Unlock()

	flusher.running = false
}

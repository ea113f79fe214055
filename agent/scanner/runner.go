// Package scanner runs the periodic table scans that enforce retention and
// repair drift.
//
// A Job walks its table in beats, a small batch at a time. A Runner paces
// the beats so that a full pass takes about PassDuration, optionally waits
// for a cron schedule before starting a pass and optionally holds a
// distributed lock so that only one node scans at a time.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swaptacular/creditors-agent/agent/backoff"
	"github.com/swaptacular/creditors-agent/agent/cron"
	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/opentelemetry"
	"github.com/swaptacular/creditors-agent/agent/redis"
	"github.com/swaptacular/creditors-agent/agent/runtime"
)

var (
	ErrJobRequired = errors.New("scanner: job is required")
	// ErrLockLost is returned by RunPass when the pass lock expired while
	// the pass was running.
	ErrLockLost = errors.New("scanner: pass lock lost")
)

const (
	defaultPassDuration = time.Hour
	defaultLockRetry    = time.Minute
	defaultErrorDelay   = 5 * time.Second
	defaultLockRefresh  = redis.DefaultLockExpiry / 3
)

// Job is one table scan.
type Job interface {
	Name() string
	// Beat processes the next batch. passDone is true when the batch was
	// the last one of the table; the following Beat starts over.
	Beat(ctx context.Context) (processed int, passDone bool, err error)
}

// Locker hands out the distributed pass lock. *redis.LockManager
// implements it.
type Locker interface {
	TryLock(ctx context.Context, key string) (redis.LockHandle, bool, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPassDuration sets the target length of one full pass.
func WithPassDuration(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.passDuration = d
		}
	}
}

// WithSchedule makes every pass wait for the next matching minute.
func WithSchedule(schedule *cron.Schedule) RunnerOption {
	return func(r *Runner) {
		r.schedule = schedule
	}
}

// WithLocker makes every pass hold the lock "scan:<job name>".
func WithLocker(locker Locker) RunnerOption {
	return func(r *Runner) {
		if !nilcheck.Interface(locker) {
			r.locker = locker
		}
	}
}

// WithLockRetry sets the wait after the pass lock was found taken.
func WithLockRetry(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.lockRetry = d
		}
	}
}

// WithLockRefresh sets how often the pass lock is extended while the runner
// pauses between beats. It must be well below the lock expiry.
func WithLockRefresh(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.lockRefresh = d
		}
	}
}

func WithRunnerLogger(logger log.Logger) RunnerOption {
	return func(r *Runner) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

func WithRunnerTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if !nilcheck.Interface(tracer) {
			r.tracer = tracer
		}
	}
}

// Runner drives a Job.
type Runner struct {
	job          Job
	passDuration time.Duration
	schedule     *cron.Schedule
	locker       Locker
	lockRetry    time.Duration
	lockRefresh  time.Duration
	errorDelay   time.Duration
	logger       log.Logger
	tracer       trace.Tracer

	// lastPass is the number of items seen by the previous full pass. It
	// sizes the pause between beats.
	lastPass int
}

func NewRunner(job Job, opts ...RunnerOption) (*Runner, error) {
	if nilcheck.Interface(job) {
		return nil, ErrJobRequired
	}

	r := &Runner{
		job:          job,
		passDuration: defaultPassDuration,
		lockRetry:    defaultLockRetry,
		lockRefresh:  defaultLockRefresh,
		errorDelay:   defaultErrorDelay,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("creditors-agent.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r, nil
}

// Run starts passes until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	name := r.job.Name()

	r.logger.Log(ctx, log.LevelInfo, "scanner started",
		log.String("job", name), log.Duration("pass_duration", r.passDuration))
	defer r.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "scanner stopped", log.String("job", name))

	for {
		if err := r.waitForSchedule(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("wait for %s schedule: %w", name, err)
		}

		start := time.Now()

		_, ran, err := r.guardedPass(ctx)

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Log(ctx, log.LevelError, "scan pass failed", log.String("job", name), log.Err(err))

			if backoff.WaitContext(ctx, r.errorDelay) != nil {
				return nil
			}

			continue
		case !ran:
			if backoff.WaitContext(ctx, r.lockRetry) != nil {
				return nil
			}

			continue
		}

		// A pass never starts sooner than PassDuration after the previous one.
		if rest := r.passDuration - time.Since(start); rest > 0 {
			if backoff.WaitContext(ctx, rest) != nil {
				return nil
			}
		}
	}
}

func (r *Runner) guardedPass(ctx context.Context) (processed int, ran bool, err error) {
	defer runtime.RecoverAndLog(ctx, r.logger, "scanner", r.job.Name())

	return r.runPass(ctx)
}

// RunPass runs one full pass right away and returns the number of items
// seen. It reports false without scanning when another node holds the
// pass lock.
func (r *Runner) RunPass(ctx context.Context) (int, bool, error) {
	return r.runPass(ctx)
}

func (r *Runner) runPass(ctx context.Context) (int, bool, error) {
	name := r.job.Name()

	ctx, span := r.tracer.Start(ctx, "scanner.pass", trace.WithAttributes(attribute.String("scanner.job", name)))
	defer span.End()

	var lock redis.LockHandle

	if r.locker != nil {
		handle, ok, err := r.locker.TryLock(ctx, "scan:"+name)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to acquire the pass lock", err)

			return 0, false, fmt.Errorf("acquire pass lock: %w", err)
		}

		if !ok {
			r.logger.Log(ctx, log.LevelDebug, "scan pass skipped; another node holds the lock", log.String("job", name))

			return 0, false, nil
		}

		lock = handle

		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
				r.logger.Log(ctx, log.LevelWarn, "failed to release the pass lock", log.String("job", name), log.Err(err))
			}
		}()
	}

	total := 0
	beats := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, true, err
		}

		processed, passDone, err := r.job.Beat(ctx)
		total += processed
		beats++

		if err != nil {
			opentelemetry.HandleSpanError(span, "scan beat failed", err)

			return total, true, fmt.Errorf("%s beat %d: %w", name, beats, err)
		}

		if passDone {
			break
		}

		if lock != nil {
			if err := lock.Extend(ctx); err != nil {
				opentelemetry.HandleSpanError(span, "failed to extend the pass lock", err)

				return total, true, fmt.Errorf("%w: %w", ErrLockLost, err)
			}
		}

		if err := r.pause(ctx, lock, r.beatDelay(processed)); err != nil {
			if ctx.Err() == nil {
				opentelemetry.HandleSpanError(span, "failed to extend the pass lock", err)
			}

			return total, true, err
		}
	}

	r.lastPass = total

	span.SetAttributes(attribute.Int("scanner.items", total), attribute.Int("scanner.beats", beats))
	r.logger.Log(ctx, log.LevelInfo, "scan pass completed",
		log.String("job", name), log.Int("items", total), log.Int("beats", beats))

	return total, true, nil
}

// pause waits d. A held pass lock is extended every lockRefresh meanwhile.
func (r *Runner) pause(ctx context.Context, lock redis.LockHandle, d time.Duration) error {
	for d > 0 {
		step := d
		if lock != nil {
			step = min(step, r.lockRefresh)
		}

		if err := backoff.WaitContext(ctx, step); err != nil {
			return err
		}

		d -= step

		if lock != nil {
			if err := lock.Extend(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrLockLost, err)
			}
		}
	}

	return nil
}

// beatDelay spreads the previous pass's item count over PassDuration. The
// first pass has no estimate and runs without pauses.
func (r *Runner) beatDelay(processed int) time.Duration {
	if r.lastPass <= 0 || processed <= 0 {
		return 0
	}

	return time.Duration(float64(r.passDuration) * float64(processed) / float64(r.lastPass))
}

func (r *Runner) waitForSchedule(ctx context.Context) error {
	if r.schedule == nil {
		return ctx.Err()
	}

	next, err := r.schedule.Next(time.Now())
	if err != nil {
		return err
	}

	return backoff.WaitContext(ctx, time.Until(next))
}

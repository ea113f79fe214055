// Package circuitbreaker guards calls to an external service with
// sony/gobreaker.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
)

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuitbreaker: open")
	// ErrTooManyRequests is returned when the half-open probe quota is used.
	ErrTooManyRequests = errors.New("circuitbreaker: too many requests while half-open")
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // Max requests in half-open state
	Interval            time.Duration // Closed-state period after which counts reset
	Timeout             time.Duration // Open-state period before trying half-open
	ConsecutiveFailures uint32        // Consecutive failures to trigger open state
	FailureRatio        float64       // Failure ratio to trigger open
	MinRequests         uint32        // Min requests before checking ratio
}

// DefaultConfig trips after five consecutive failures or half of at least
// ten requests failing, and probes again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger that receives state changes.
func WithLogger(logger log.Logger) Option {
	return func(b *Breaker) {
		if !nilcheck.Interface(logger) {
			b.logger = logger
		}
	}
}

// WithIgnoredErrors makes the listed errors count as successes. Use it for
// failures that say nothing about the health of the service.
func WithIgnoredErrors(ignore func(err error) bool) Option {
	return func(b *Breaker) {
		b.ignore = ignore
	}
}

// Breaker wraps a gobreaker circuit breaker.
type Breaker struct {
	name    string
	logger  log.Logger
	ignore  func(err error) bool
	breaker *gobreaker.CircuitBreaker
}

// New returns a closed breaker named after the guarded service.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{name: name, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (b.ignore != nil && b.ignore(err))
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("service", b.name),
				log.String("from", string(convertState(from))),
				log.String("to", string(convertState(to))),
			)
		},
	})

	return b
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s", ErrTooManyRequests, b.name)
	}

	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	return convertState(b.breaker.State())
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

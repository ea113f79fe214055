package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what happens after a panic has been logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// SafeGo runs fn in a new goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, "goroutine", name, policy)

		fn()
	}()
}

// RecoverAndLog recovers a panic, logs it and records it on the span in ctx.
// It must be called directly by a defer statement.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

// RecoverWithPolicy is RecoverAndLog with a configurable follow-up.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue processes a panic value that was already recovered.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if !nilcheck.Interface(logger) {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("source", name),
			log.String("value", fmt.Sprint(panicValue)),
			log.String("stack_trace", string(stack)),
		)
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.source", name),
		attribute.String("panic.value", fmt.Sprint(panicValue)),
	))
	span.SetStatus(codes.Error, "panic recovered")
}

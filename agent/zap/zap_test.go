//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/swaptacular/creditors-agent/agent/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	atomic := zap.NewAtomicLevelAt(level)
	core, observed := observer.New(atomic)

	return &Logger{logger: zap.New(core), atomicLevel: atomic}, observed
}

func TestLoggerNilReceiverFallsBackToNop(t *testing.T) {
	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
		nilLogger.SetLevel(logpkg.LevelDebug)
	})
}

func TestLogMapsLevelsAndFields(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "stale message dropped",
		logpkg.Creditor(42), logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, int64(42), entries[0].ContextMap()["creditor_id"])
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestLogAppendsTraceCorrelation(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.Log(ctx, logpkg.LevelInfo, "flushed")

	fields := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestSetLevelAffectsChildren(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)
	child := logger.With(logpkg.String("component", "flusher"))

	child.Log(context.Background(), logpkg.LevelDebug, "hidden")
	assert.False(t, child.Enabled(logpkg.LevelDebug))

	logger.SetLevel(logpkg.LevelDebug)
	child.Log(context.Background(), logpkg.LevelDebug, "visible")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "visible", entries[0].Message)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentProduction})
	require.ErrorIs(t, err, ErrInvalidLoggerConfig)

	_, err = New(Config{Environment: "moon", OTelLibraryName: "agent"})
	require.ErrorIs(t, err, ErrInvalidLoggerConfig)

	_, err = New(Config{Environment: EnvironmentLocal, Level: "loud", OTelLibraryName: "agent"})
	require.ErrorIs(t, err, ErrInvalidLoggerConfig)

	logger, err := New(Config{
		Environment:     EnvironmentProduction,
		Level:           "warn",
		OTelLibraryName: "agent",
		Fields:          map[string]any{"shard": "0-99"},
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentLocal, OTelLibraryName: "agent"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, logger.Level().Level())
}

package zap

import (
	"context"

	logpkg "github.com/swaptacular/creditors-agent/agent/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of a zap logger. Children created by
// With and WithGroup share the level of their parent.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

var zapLevels = [...]zapcore.Level{
	logpkg.LevelError: zapcore.ErrorLevel,
	logpkg.LevelWarn:  zapcore.WarnLevel,
	logpkg.LevelInfo:  zapcore.InfoLevel,
	logpkg.LevelDebug: zapcore.DebugLevel,
}

func toZapLevel(level logpkg.Level) zapcore.Level {
	if int(level) < len(zapLevels) {
		return zapLevels[level]
	}

	return zapcore.InfoLevel
}

func (l *Logger) core() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log writes one entry. Fields are converted only when the level is enabled.
// The trace_id and span_id of the active span in ctx are appended.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	entry := l.core().Check(toZapLevel(level), msg)
	if entry == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields)+2)
	zapFields = appendFields(zapFields, fields)

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			zapFields = append(zapFields,
				zap.Stringer("trace_id", sc.TraceID()),
				zap.Stringer("span_id", sc.SpanID()),
			)
		}
	}

	entry.Write(zapFields...)
}

//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return l.derive(l.core().With(appendFields(nil, fields)...))
}

//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return l.derive(l.core().With(zap.Namespace(name)))
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	child := &Logger{logger: z}
	if l != nil {
		child.atomicLevel = l.atomicLevel
	}

	return child
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.core().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries. It gives up when ctx is done, leaving the
// flush running in the background.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.core().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Level returns the shared level handle.
func (l *Logger) Level() zap.AtomicLevel {
	return l.atomicLevel
}

// SetLevel changes the level of this logger and of every child created from
// it. The config watcher calls it when the log level in the file changes.
func (l *Logger) SetLevel(level logpkg.Level) {
	if l == nil || l.logger == nil {
		return
	}

	l.atomicLevel.SetLevel(toZapLevel(level))
}

func appendFields(dst []zap.Field, fields []logpkg.Field) []zap.Field {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if f.Key == "error" {
				dst = append(dst, zap.Error(v))
			} else {
				dst = append(dst, zap.NamedError(f.Key, v))
			}
		case int64:
			dst = append(dst, zap.Int64(f.Key, v))
		case string:
			dst = append(dst, zap.String(f.Key, v))
		default:
			dst = append(dst, zap.Any(f.Key, v))
		}
	}

	return dst
}

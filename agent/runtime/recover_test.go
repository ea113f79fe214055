//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
}

func (r *recordingLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) With(...log.Field) log.Logger { return r }

func (r *recordingLogger) WithGroup(string) log.Logger { return r }

func (r *recordingLogger) Enabled(log.Level) bool { return true }

func (r *recordingLogger) Sync(context.Context) error { return nil }

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.messages)
}

func TestRecoverAndLogSwallowsPanic(t *testing.T) {
	logger := &recordingLogger{}

	assert.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), logger, "outbox", "flush")
		panic("broken row")
	})

	require.Equal(t, 1, logger.count())
	assert.Equal(t, "panic recovered", logger.messages[0])
	assert.Contains(t, logger.fields[0], log.String("value", "broken row"))
}

func TestRecoverWithPolicyCrash(t *testing.T) {
	assert.Panics(t, func() {
		defer RecoverWithPolicy(context.Background(), nil, "scanner", "beat", CrashProcess)
		panic("fatal")
	})
}

func TestSafeGoKeepsRunning(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGo(logger, "worker", KeepRunning, func() {
		defer close(done)
		panic("worker failed")
	})

	<-done
	assert.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 5*time.Millisecond)
}

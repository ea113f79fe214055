//go:build unit

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input       string
		expected    Level
		expectError bool
	}{
		{input: "debug", expected: LevelDebug},
		{input: "INFO", expected: LevelInfo},
		{input: "warning", expected: LevelWarn},
		{input: " error ", expected: LevelError},
		{input: "fatal", expectError: true},
		{input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
			assert.Equal(t, tt.expected.String(), level.String())
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "dropped", Creditor(-1), Err(assert.AnError))
	})
	assert.Equal(t, logger, logger.With(String("k", "v")))
	assert.Equal(t, logger, logger.WithGroup("g"))
	assert.False(t, logger.Enabled(LevelError))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestAccountFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Field{Key: "creditor_id", Value: int64(-2)}, Creditor(-2))
	assert.Equal(t, Field{Key: "debtor_id", Value: int64(666)}, Debtor(666))
	assert.Equal(t, "unknown", Level(9).String())
}

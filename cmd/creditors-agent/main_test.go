//go:build unit

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/creditors-agent/agent/config"
)

func TestRootCommand_SubCommands(t *testing.T) {
	t.Parallel()

	root := newRootCommand(&session{})

	want := []string{
		"flush",
		"process_log_additions",
		"process_ledger_updates",
		"consume_messages",
		"subscribe",
		"scan_creditors",
		"scan_accounts",
		"scan_log_entries",
		"scan_ledger_entries",
		"scan_committed_transfers",
	}

	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	flush, _, err := root.Find([]string{"flush"})
	require.NoError(t, err)
	assert.NotNil(t, flush.Flags().Lookup("kind"))

	for _, name := range []string{"process_log_additions", "process_ledger_updates", "scan_accounts"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.NotNil(t, cmd.Flags().Lookup("once"), name)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup(config.FlagMinCreditorID))
}

func TestRootCommand_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("CREDITORS_AGENT_POSTGRES_DSN", "")
	t.Setenv("CREDITORS_AGENT_RABBITMQ_URL", "")
	t.Setenv("CREDITORS_AGENT_CONFIG", "")

	s := &session{}
	root := newRootCommand(s)
	root.SetArgs([]string{"subscribe", "--queue=test"})

	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "PostgresDSN(required)")
	assert.Nil(t, s.app)
}

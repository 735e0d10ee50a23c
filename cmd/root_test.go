package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(cmd *cobra.Command) map[string]bool {
	out := make(map[string]bool)
	for _, c := range cmd.Commands() {
		out[c.Name()] = true
	}
	return out
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	got := names(rootCmd)
	for _, name := range []string{"serve", "migrate", "evaluate", "worker", "queue", "thresholds", "signals"} {
		assert.True(t, got[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "autopilot", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	tests := []struct {
		cmd      *cobra.Command
		expected []string
	}{
		{queueCmd, []string{"stats", "retry", "reap"}},
		{thresholdsCmd, []string{"seed", "list"}},
		{signalsCmd, []string{"record", "import"}},
	}
	for _, tt := range tests {
		got := names(tt.cmd)
		for _, name := range tt.expected {
			assert.True(t, got[name], "%s should have subcommand %q", tt.cmd.Name(), name)
		}
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		flag string
		def  string
	}{
		{serveCmd, "port", "0"},
		{serveCmd, "no-evaluate", "false"},
		{serveCmd, "no-monitor", "false"},
		{evaluateCmd, "loop", "false"},
		{workerCmd, "concurrency", "0"},
		{migrateCmd, "seed", "false"},
		{queueStatsCmd, "org", ""},
		{thresholdsSeedCmd, "file", ""},
		{thresholdsListCmd, "action", ""},
		{signalsRecordCmd, "response-ms", "0"},
		{signalsImportCmd, "file", ""},
	}
	for _, tt := range tests {
		f := tt.cmd.Flags().Lookup(tt.flag)
		require.NotNil(t, f, "%s should have --%s", tt.cmd.Name(), tt.flag)
		assert.Equal(t, tt.def, f.DefValue, "%s --%s", tt.cmd.Name(), tt.flag)
	}
}

func TestQueueRetry_RequiresID(t *testing.T) {
	assert.Error(t, queueRetryCmd.Args(queueRetryCmd, nil))
	assert.NoError(t, queueRetryCmd.Args(queueRetryCmd, []string{"item-1"}))
}

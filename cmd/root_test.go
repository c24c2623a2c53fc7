package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "scan", "migrate", "score"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "orgmemory", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("port"))
}

func TestScanCommand_Flags(t *testing.T) {
	require.NotNil(t, scanCmd.Flags().Lookup("concurrency"))
}

func TestScoreCommand_Flags(t *testing.T) {
	for _, name := range []string{"kind", "set", "warning", "file", "weights"} {
		assert.NotNil(t, scoreCmd.Flags().Lookup(name), "missing --%s", name)
	}
}

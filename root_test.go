package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "caltube", cmd.Use)
	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
	assert.Contains(t, names, "add-account")
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "json", "verbose", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag %s", name)
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "caltube.toml", flag.DefValue)
}

func TestBuildLogger_LevelFlags(t *testing.T) {
	origVerbose, origQuiet := flagVerbose, flagQuiet
	t.Cleanup(func() { flagVerbose, flagQuiet = origVerbose, origQuiet })

	flagVerbose, flagQuiet = false, false
	logger := buildLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	flagVerbose = true
	logger = buildLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	flagVerbose, flagQuiet = false, true
	logger = buildLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

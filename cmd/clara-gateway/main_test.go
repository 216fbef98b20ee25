package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/supervisor"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()

	want := []string{"start", "stop", "status", "restart", "adapter", "logs"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	for _, flag := range []string{"host", "port", "pidfile", "logfile", "hooks-dir", "scheduler-dir", "adapters-config"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestFilterAdapters(t *testing.T) {
	configs := []supervisor.AdapterConfig{
		{Name: "discord"},
		{Name: "slack"},
		{Name: "cli"},
	}

	out, err := filterAdapters(configs, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = filterAdapters(configs, []string{"cli", "discord"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "cli", out[0].Name)
	assert.Equal(t, "discord", out[1].Name)

	_, err = filterAdapters(configs, []string{"telegram"})
	assert.ErrorContains(t, err, "unknown adapter")
}

func TestAdapterPIDPath(t *testing.T) {
	assert.Equal(t, "/tmp/clara-adapter-discord.pid", adapterPIDPath("discord"))
}

func TestLogsCommand(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gw.log")
	require.NoError(t, os.WriteFile(logFile, []byte("a\nb\nc\n"), 0o644))

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"logs", "-n", "2", "--logfile", logFile})
	require.NoError(t, root.Execute())
	assert.Equal(t, "b\nc\n", out.String())
}

func TestStopWhenNotRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "gw.pid")

	root := buildRootCmd()
	root.SetArgs([]string{"stop", "--pidfile", pidFile})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

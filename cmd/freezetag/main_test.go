package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/freezetag/pkg/config"
)

// parsed returns the named subcommand of a fresh root with args parsed.
func parsed(t *testing.T, sub string, args ...string) (*cobra.Command, *flags) {
	t.Helper()
	f := &flags{}
	root := newRootCmd(f)
	cmd, _, err := root.Find([]string{sub})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestBuildConfig_Defaults(t *testing.T) {
	cmd, f := parsed(t, "run")
	cfg, err := buildConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestBuildConfig_Flags(t *testing.T) {
	cmd, f := parsed(t, "run",
		"--width", "6", "--height", "4",
		"--evaders", "2", "--positions", "0,0,5,3,2,2",
		"--bus", "redis", "--redis-addr", "localhost:6379",
		"--channel-prefix", "g1", "--metrics-port", "9090", "--render",
	)
	cfg, err := buildConfig(cmd, f)
	require.NoError(t, err)

	assert.Equal(t, config.BoardConfig{Width: 6, Height: 4}, cfg.Board)
	assert.Equal(t, 2, cfg.Evaders)
	assert.Equal(t, [][]int{{0, 0}, {5, 3}, {2, 2}}, cfg.Positions)
	assert.Equal(t, config.BackendRedis, cfg.Bus.Backend)
	assert.Equal(t, "localhost:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, "g1", cfg.Bus.ChannelPrefix)
	assert.Equal(t, 9090, cfg.Observability.MetricsPort)
	assert.True(t, cfg.Render.Enabled)
}

func TestBuildConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.toml")
	require.NoError(t, os.WriteFile(path, []byte("evaders = 1\npositions = [[0, 0], [4, 4]]\n[board]\nwidth = 5\nheight = 5\n"), 0o600))

	cmd, f := parsed(t, "agent", "--config", path, "--positions", "1,1,3,3", "--index", "0")
	cfg, err := buildConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Board.Width)
	assert.Equal(t, [][]int{{1, 1}, {3, 3}}, cfg.Positions)
}

func TestBuildConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "odd positions", args: []string{"--positions", "1,2,3"}},
		{name: "pairs do not match evaders", args: []string{"--evaders", "3"}},
		{name: "off board", args: []string{"--positions", "0,0,10,10"}},
		{name: "redis without address", args: []string{"--bus", "redis"}},
		{name: "missing file", args: []string{"--config", "/nonexistent/game.yaml"}},
		{name: "oversized file", args: []string{"--config", largeConfig(t)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, f := parsed(t, "run", tt.args...)
			_, err := buildConfig(cmd, f)
			assert.Error(t, err)
		})
	}
}

func TestAgentCmd_UnknownRole(t *testing.T) {
	root := newRootCmd(&flags{})
	root.SetArgs([]string{"agent", "referee"})
	err := root.Execute()
	assert.ErrorContains(t, err, `unknown role "referee"`)
}

func largeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "large.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x: value\n", 200000)), 0o600))
	return path
}

func TestAgentCmd_RequiresSharedBus(t *testing.T) {
	root := newRootCmd(&flags{})
	root.SetArgs([]string{"agent", "coordinator"})
	err := root.Execute()
	assert.ErrorContains(t, err, "--bus redis")
}

func TestConfigCmd(t *testing.T) {
	t.Run("prints yaml", func(t *testing.T) {
		var out bytes.Buffer
		root := newRootCmd(&flags{})
		root.SetOut(&out)
		root.SetArgs([]string{"config", "--width", "7", "--positions", "0,0,6,6"})
		require.NoError(t, root.Execute())

		cfg, err := config.Parse(out.Bytes(), config.FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Board.Width)
		assert.Equal(t, [][]int{{0, 0}, {6, 6}}, cfg.Positions)
	})

	t.Run("saves toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "game.toml")
		root := newRootCmd(&flags{})
		root.SetArgs([]string{"config", "--evaders", "2", "--positions", "0,0,1,1,2,2", "--out", path})
		require.NoError(t, root.Execute())

		cfg, err := config.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Evaders)
		assert.NoError(t, cfg.Validate())
	})
}

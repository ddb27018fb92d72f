package freezetag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/freezetag/internal/runtime"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/pkg/config"
)

const cornerGame = `
board: {width: 1, height: 1}
evaders: 1
positions: [[0, 0], [0, 0]]
timing:
  evader_tick: 2ms
  pursuer_tick: 2ms
  coordinator_tick: 2ms
  barrier_poll: 2ms
render:
  enabled: true
`

func TestConfigLoader_LoadConfig(t *testing.T) {
	fr := newMockFileReader()
	fr.AddFile("game.yaml", []byte(cornerGame))
	fr.AddFile("game.toml", []byte(`
evaders = 2
positions = [[0, 0], [1, 1], [2, 2]]

[board]
width = 3
height = 3
`))
	fr.AddFile("bad.yaml", []byte("board: [[["))
	fr.AddFile("short.yaml", []byte("board: {width: 2, height: 2}\nevaders: 2\npositions: [[0, 0]]\n"))

	loader := NewConfigLoader(fr)

	cfg, err := loader.LoadConfig("game.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Board.Width)
	assert.Equal(t, 2*time.Millisecond, cfg.Timing.EvaderTick.Duration)
	assert.True(t, cfg.Render.Enabled)
	assert.Equal(t, config.BackendMemory, cfg.Bus.Backend)

	cfg, err = loader.LoadConfig("game.toml")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Evaders)
	assert.Equal(t, time.Second, cfg.Timing.EvaderTick.Duration, "defaults applied")

	_, err = loader.LoadConfig("bad.yaml")
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = loader.LoadConfig("short.yaml")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = loader.LoadConfig("missing.yaml")
	assert.ErrorContains(t, err, "failed to read config")
	assert.ErrorIs(t, err, os.ErrNotExist)

	fr.SetError(errors.New("disk on fire"))
	_, err = loader.LoadConfig("game.yaml")
	assert.ErrorContains(t, err, "disk on fire")
}

func TestConfigLoader_EnvOverride(t *testing.T) {
	t.Setenv("FREEZETAG_BUS_BACKEND", "redis")
	fr := newMockFileReader()
	fr.AddFile("game.yaml", []byte(cornerGame))

	_, err := NewConfigLoader(fr).LoadConfig("game.yaml")
	assert.ErrorIs(t, err, config.ErrInvalidConfig, "redis needs an address")

	t.Setenv("FREEZETAG_REDIS_ADDR", "localhost:6379")
	cfg, err := NewConfigLoader(fr).LoadConfig("game.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.BackendRedis, cfg.Bus.Backend)
	assert.Equal(t, "localhost:6379", cfg.Bus.Redis.Addr)
}

func TestNewBus(t *testing.T) {
	cfg := config.Default()
	b, err := NewBus(cfg)
	require.NoError(t, err)
	assert.IsType(t, &bus.MemoryBus{}, b)
	require.NoError(t, b.Close())

	mr := miniredis.RunT(t)
	cfg.Bus.Backend = config.BackendRedis
	cfg.Bus.Redis.Addr = mr.Addr()
	b, err = NewBus(cfg)
	require.NoError(t, err)
	assert.IsType(t, &bus.RedisBus{}, b)
	require.NoError(t, b.Close())

	cfg.Bus.Backend = "carrier-pigeon"
	_, err = NewBus(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRun_ConfigFileNotFound(t *testing.T) {
	err := Run(context.Background(), "/nonexistent/config.yaml")
	assert.ErrorContains(t, err, "failed to read config")
}

func TestRun_PlaysGameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.yaml")
	require.NoError(t, os.WriteFile(path, []byte("board: {width: 1, height: 1}\nevaders: 1\npositions: [[0, 0], [0, 0]]\ntiming: {evader_tick: 2ms, pursuer_tick: 2ms, coordinator_tick: 2ms, barrier_poll: 2ms}\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, Run(ctx, path))
}

func TestRunWithBus_RendersBoard(t *testing.T) {
	cfg, err := NewConfigLoader(mockWith("game.yaml", cornerGame)).LoadConfig("game.yaml")
	require.NoError(t, err)

	b := bus.NewMemoryBus()
	defer b.Close()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunWithBus(ctx, cfg, b, &out))

	assert.Contains(t, out.String(), "frame 1  active evaders:")
	assert.Contains(t, out.String(), "P\n")
}

func TestRunWithBus_InvalidPositions(t *testing.T) {
	cfg := config.Default()
	cfg.Positions = [][]int{{0, 0}}
	err := RunWithBus(context.Background(), cfg, bus.NewMemoryBus(), nil)
	assert.ErrorIs(t, err, runtime.ErrInvalidPositions)
}

func TestRunAgentWithBus(t *testing.T) {
	cfg := config.Default()
	b := bus.NewMemoryBus()
	defer b.Close()

	err := RunAgentWithBus(context.Background(), cfg, b, "referee", 0, nil)
	assert.ErrorContains(t, err, "unknown role")

	err = RunAgentWithBus(context.Background(), cfg, b, "evader", 3, nil)
	assert.ErrorContains(t, err, "out of range")

	bad := config.Default()
	bad.Positions = nil
	for _, role := range []string{"pursuer", "evader", "coordinator"} {
		err = RunAgentWithBus(context.Background(), bad, b, role, 0, nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfig, role)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAgentWithBus(ctx, cfg, b, "pursuer", 0, nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func mockWith(path, content string) *mockFileReader {
	fr := newMockFileReader()
	fr.AddFile(path, []byte(content))
	return fr
}

// mockFileReader serves config files from memory.
type mockFileReader struct {
	mu    sync.RWMutex
	files map[string][]byte
	err   error
}

func newMockFileReader() *mockFileReader {
	return &mockFileReader{files: make(map[string][]byte)}
}

func (m *mockFileReader) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (m *mockFileReader) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

func (m *mockFileReader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/freezetag/internal/grid"
)

// MaxFileSize bounds the size of a configuration file.
const MaxFileSize = 1 << 20

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Bus backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the syntax from the file extension. Anything other
// than .toml is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Config is the full description of one game.
type Config struct {
	Board   BoardConfig `yaml:"board" toml:"board"`
	Evaders int         `yaml:"evaders" toml:"evaders"`

	// Positions holds one [x, y] pair per evader followed by the pursuer's.
	Positions [][]int `yaml:"positions" toml:"positions"`

	Timing TimingConfig `yaml:"timing" toml:"timing"`

	// TerminalThreshold is the active-evader count at or below which the
	// game ends. Zero means the default of 1.
	TerminalThreshold int `yaml:"terminal_threshold" toml:"terminal_threshold"`

	Bus           BusConfig           `yaml:"bus" toml:"bus"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Render        RenderConfig        `yaml:"render" toml:"render"`
}

// BoardConfig holds the grid dimensions.
type BoardConfig struct {
	Width  int `yaml:"width" toml:"width"`
	Height int `yaml:"height" toml:"height"`
}

// TimingConfig holds every interval an agent uses.
type TimingConfig struct {
	EvaderTick      Duration `yaml:"evader_tick" toml:"evader_tick"`
	PursuerTick     Duration `yaml:"pursuer_tick" toml:"pursuer_tick"`
	CoordinatorTick Duration `yaml:"coordinator_tick" toml:"coordinator_tick"`
	BarrierPoll     Duration `yaml:"barrier_poll" toml:"barrier_poll"`

	// StartTimeout of zero waits for quorum forever.
	StartTimeout Duration `yaml:"start_timeout" toml:"start_timeout"`

	// AnnounceInterval of zero announces ALIVE exactly once.
	AnnounceInterval Duration `yaml:"announce_interval" toml:"announce_interval"`

	// StaleAfter of zero disables stale-agent detection.
	StaleAfter Duration `yaml:"stale_after" toml:"stale_after"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Backend       string      `yaml:"backend" toml:"backend"`
	BufferSize    int         `yaml:"buffer_size" toml:"buffer_size"`
	ChannelPrefix string      `yaml:"channel_prefix" toml:"channel_prefix"`
	Redis         RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
}

// ObservabilityConfig holds metrics, health and tracing settings. A zero
// port disables the matching server.
type ObservabilityConfig struct {
	MetricsPort    int    `yaml:"metrics_port" toml:"metrics_port"`
	GRPCHealthPort int    `yaml:"grpc_health_port" toml:"grpc_health_port"`
	Tracing        string `yaml:"tracing" toml:"tracing"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
}

// RenderConfig controls the text presenter.
type RenderConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Duration is a time.Duration read from strings such as "500ms".
type Duration struct{ time.Duration }

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts both "1s" and a bare 0.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the reference game: a 10x10 board with one evader.
func Default() *Config {
	cfg := &Config{
		Board:     BoardConfig{Width: 10, Height: 10},
		Evaders:   1,
		Positions: [][]int{{0, 0}, {9, 9}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setDuration(&c.Timing.EvaderTick, time.Second)
	setDuration(&c.Timing.PursuerTick, 500*time.Millisecond)
	setDuration(&c.Timing.CoordinatorTick, 250*time.Millisecond)
	setDuration(&c.Timing.BarrierPoll, time.Second)

	if c.TerminalThreshold == 0 {
		c.TerminalThreshold = 1
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = BackendMemory
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 256
	}
	if c.Bus.Redis.PoolSize == 0 {
		c.Bus.Redis.PoolSize = 10
	}
	if c.Observability.Tracing == "" {
		c.Observability.Tracing = "none"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

// ApplyEnv overrides fields from FREEZETAG_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FREEZETAG_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := os.Getenv("FREEZETAG_REDIS_ADDR"); v != "" {
		c.Bus.Redis.Addr = v
	}
	if v := os.Getenv("FREEZETAG_REDIS_PASSWORD"); v != "" {
		c.Bus.Redis.Password = v
	}
	if v := os.Getenv("FREEZETAG_CHANNEL_PREFIX"); v != "" {
		c.Bus.ChannelPrefix = v
	}
	if err := envInt("FREEZETAG_METRICS_PORT", &c.Observability.MetricsPort); err != nil {
		return err
	}
	return envInt("FREEZETAG_GRPC_HEALTH_PORT", &c.Observability.GRPCHealthPort)
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Board.Width <= 0 || c.Board.Height <= 0 {
		errs = append(errs, fmt.Errorf("board must be at least 1x1, got %dx%d", c.Board.Width, c.Board.Height))
	}
	if c.Evaders < 1 {
		errs = append(errs, fmt.Errorf("evaders must be at least 1, got %d", c.Evaders))
	}
	errs = append(errs, c.positionErrs()...)
	if c.TerminalThreshold < 0 {
		errs = append(errs, fmt.Errorf("terminal_threshold must not be negative, got %d", c.TerminalThreshold))
	}
	for name, d := range map[string]Duration{
		"evader_tick":      c.Timing.EvaderTick,
		"pursuer_tick":     c.Timing.PursuerTick,
		"coordinator_tick": c.Timing.CoordinatorTick,
		"barrier_poll":     c.Timing.BarrierPoll,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("timing.%s must be positive", name))
		}
	}
	if c.Timing.StartTimeout.Duration < 0 || c.Timing.AnnounceInterval.Duration < 0 || c.Timing.StaleAfter.Duration < 0 {
		errs = append(errs, errors.New("timing: optional intervals must not be negative"))
	}
	switch c.Bus.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend))
	}
	switch c.Observability.Tracing {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing: unknown exporter %q", c.Observability.Tracing))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// CheckPositions reports whether Positions holds one on-board [x, y] pair
// per evader followed by the pursuer's pair. EvaderStart and PursuerStart
// are only safe to call once it returns nil.
func (c *Config) CheckPositions() error {
	if errs := c.positionErrs(); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) positionErrs() []error {
	var errs []error
	if len(c.Positions) != c.Evaders+1 {
		errs = append(errs, fmt.Errorf("positions: want %d pairs (evaders then pursuer), got %d", c.Evaders+1, len(c.Positions)))
	}
	board := c.GameBoard()
	for i, p := range c.Positions {
		if len(p) != 2 {
			errs = append(errs, fmt.Errorf("positions[%d]: want [x, y], got %v", i, p))
			continue
		}
		if board.Width > 0 && board.Height > 0 && !board.Contains(pair(p)) {
			errs = append(errs, fmt.Errorf("positions[%d]: (%d, %d) is outside the %dx%d board", i, p[0], p[1], board.Width, board.Height))
		}
	}
	return errs
}

// GameBoard returns the configured board.
func (c *Config) GameBoard() grid.Board {
	return grid.Board{Width: c.Board.Width, Height: c.Board.Height}
}

// EvaderStart returns the initial cell of evader i.
func (c *Config) EvaderStart(i int) grid.Position {
	return pair(c.Positions[i])
}

// PursuerStart returns the pursuer's initial cell, the last pair.
func (c *Config) PursuerStart() grid.Position {
	return pair(c.Positions[len(c.Positions)-1])
}

func pair(p []int) grid.Position {
	return grid.Position{X: p[0], Y: p[1]}
}

// Parse decodes data in the given format and applies defaults. It does not
// validate.
func Parse(data []byte, format Format) (*Config, error) {
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("config too large: %d bytes (max %d)", len(data), MaxFileSize)
	}

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ReadFile reads a configuration file, refusing anything over MaxFileSize.
func ReadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Load parses data in the format implied by path and applies environment
// overrides. It does not validate.
func Load(data []byte, path string) (*Config, error) {
	cfg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads, parses and env-overrides a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, path)
}

// Marshal encodes cfg in format.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	if format == FormatTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveConfig writes the configuration in the format implied by path.
func SaveConfig(cfg *Config, path string) error {
	data, err := Marshal(cfg, FormatFromPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Package freezetag runs games of distributed freeze tag: evaders wander a
// grid, a pursuer chases them, and a coordinator detects captures and ends
// the game, all talking over a publish/subscribe bus.
package freezetag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/agents"
	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/internal/observability"
	"github.com/aixgo-dev/freezetag/internal/runtime"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/pkg/config"
	metrics "github.com/aixgo-dev/freezetag/pkg/observability"
)

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads from disk, refusing files over config.MaxFileSize.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return config.ReadFile(path)
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig reads and parses a YAML or TOML file, applies environment
// overrides and validates the result.
func (cl *ConfigLoader) LoadConfig(configPath string) (*config.Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := config.Load(data, configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewBus connects the bus backend named by cfg.
func NewBus(cfg *config.Config) (bus.Bus, error) {
	opts := []bus.Option{
		bus.WithBufferSize(cfg.Bus.BufferSize),
		bus.WithPrefix(cfg.Bus.ChannelPrefix),
	}
	switch cfg.Bus.Backend {
	case config.BackendMemory, "":
		return bus.NewMemoryBus(opts...), nil
	case config.BackendRedis:
		return bus.NewRedisBus(bus.RedisConfig{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			PoolSize: cfg.Bus.Redis.PoolSize,
		}, opts...)
	}
	return nil, fmt.Errorf("%w: unknown bus backend %q", config.ErrInvalidConfig, cfg.Bus.Backend)
}

// Run plays one in-process game from a config file until it ends or ctx is
// canceled.
func Run(ctx context.Context, configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(ctx, cfg)
}

// RunWithConfig plays one in-process game on the bus cfg describes.
func RunWithConfig(ctx context.Context, cfg *config.Config) error {
	b, err := NewBus(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return RunWithBus(ctx, cfg, b, os.Stdout)
}

// RunWithBus plays one game on b (useful for testing). When rendering is
// enabled the board is written to out.
func RunWithBus(ctx context.Context, cfg *config.Config, b bus.Bus, out io.Writer) error {
	stopTracing := initTracing(cfg)
	defer stopTracing()

	var opts []runtime.Option
	if cfg.Render.Enabled && out != nil {
		opts = append(opts, runtime.WithPresenter(agents.NewTextPresenter(out)))
	}

	l, err := runtime.NewLauncher(cfg, b, opts...)
	if err != nil {
		return err
	}

	checker := metrics.NewHealthChecker()
	registerBusCheck(checker, b)
	coord := l.Coordinator()
	checker.RegisterCheck(metrics.ReadyCheck(coord.Name(), func() bool {
		return coord.Phase() == agent.PhaseRunning
	}))
	stopServers := serveObservability(ctx, cfg, checker)
	defer stopServers()

	return l.Run(ctx)
}

// RunAgent runs a single agent of role on the configured bus, the way one
// process per agent is deployed. index selects the evader.
func RunAgent(ctx context.Context, cfg *config.Config, role string, index int) error {
	b, err := NewBus(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return RunAgentWithBus(ctx, cfg, b, role, index, os.Stdout)
}

// RunAgentWithBus runs a single agent of role on b. cfg is validated first.
func RunAgentWithBus(ctx context.Context, cfg *config.Config, b bus.Bus, role string, index int, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	stopTracing := initTracing(cfg)
	defer stopTracing()

	d := agents.Deps{Bus: b, Config: cfg, Index: index}
	if role == agents.RoleCoordinator && cfg.Render.Enabled && out != nil {
		d.Presenter = agents.NewTextPresenter(out)
	}
	a, err := agents.New(role, d)
	if err != nil {
		return err
	}

	checker := metrics.NewHealthChecker()
	registerBusCheck(checker, b)
	if p, ok := a.(agent.Phaser); ok {
		checker.RegisterCheck(metrics.ReadyCheck(a.Name(), func() bool {
			return p.Phase() == agent.PhaseRunning
		}))
	}
	stopServers := serveObservability(ctx, cfg, checker)
	defer stopServers()

	runner := agent.NewRunner(b)
	return runner.Run(ctx, a)
}

func registerBusCheck(checker *metrics.HealthChecker, b bus.Bus) {
	if p, ok := b.(interface{ Ping(context.Context) error }); ok {
		checker.RegisterCheck(metrics.BusCheck(p.Ping))
	}
}

// serveObservability starts the HTTP and gRPC health servers that cfg
// enables and returns a function stopping them.
func serveObservability(ctx context.Context, cfg *config.Config, checker *metrics.HealthChecker) func() {
	log := logging.For("observability")
	var stops []func()

	if port := cfg.Observability.MetricsPort; port > 0 {
		metrics.InitMetrics()
		srv := metrics.NewServer(port, checker)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Int("port", port).Msg("metrics server stopped")
			}
		}()
		log.Info().Int("port", port).Msg("serving /health and /metrics")
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if port := cfg.Observability.GRPCHealthPort; port > 0 {
		srv := metrics.NewGRPCHealthServer(port, checker, time.Second)
		watchCtx, cancel := context.WithCancel(ctx)
		go srv.Watch(watchCtx)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Int("port", port).Msg("grpc health server stopped")
			}
		}()
		stops = append(stops, func() {
			cancel()
			srv.Shutdown()
		})
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// initTracing installs the configured exporter and returns its shutdown.
func initTracing(cfg *config.Config) func() {
	if cfg.Observability.Tracing == "" || cfg.Observability.Tracing == observability.ExporterNone {
		return func() {}
	}

	tc := observability.ConfigFromEnv()
	tc.ExporterType = cfg.Observability.Tracing
	if cfg.Observability.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	}
	if err := observability.Init(tc); err != nil {
		log := logging.For("tracing")
		log.Warn().Err(err).Msg("tracing disabled")
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log := logging.For("tracing")
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}
}

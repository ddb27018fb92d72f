package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/freezetag"
	"github.com/aixgo-dev/freezetag/agents"
	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/pkg/config"
	metrics "github.com/aixgo-dev/freezetag/pkg/observability"
)

// Version information (set via ldflags)
var Version = "dev"

// flags holds every command line override of the configuration file.
type flags struct {
	configFile     string
	width          int
	height         int
	evaders        int
	positions      []int
	backend        string
	redisAddr      string
	prefix         string
	metricsPort    int
	grpcHealthPort int
	render         bool
	index          int
}

func main() {
	logging.ConfigureRuntime()
	metrics.Version = Version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&flags{}).ExecuteContext(ctx); err != nil {
		log := logging.For("main")
		log.Error().Err(err).Msg("freezetag failed")
		stop()
		os.Exit(1)
	}
}

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "freezetag",
		Short:         "Distributed freeze tag over publish/subscribe",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", getEnv("FREEZETAG_CONFIG", ""), "YAML or TOML game configuration")
	pf.IntVar(&f.width, "width", 0, "board width")
	pf.IntVar(&f.height, "height", 0, "board height")
	pf.IntVar(&f.evaders, "evaders", 0, "number of evaders")
	pf.IntSliceVar(&f.positions, "positions", nil, "flat x,y list: one pair per evader, then the pursuer")
	pf.StringVar(&f.backend, "bus", "", "bus backend (memory or redis)")
	pf.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the redis backend")
	pf.StringVar(&f.prefix, "channel-prefix", "", "namespace for every channel")
	pf.IntVar(&f.metricsPort, "metrics-port", 0, "serve /health and /metrics on this port")
	pf.IntVar(&f.grpcHealthPort, "grpc-health-port", 0, "serve grpc.health.v1 on this port")
	pf.BoolVar(&f.render, "render", false, "print the board every coordinator tick")

	root.AddCommand(newRunCmd(f), newAgentCmd(f), newConfigCmd(f))
	return root
}

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Play a whole game in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}
			log := logging.For("main")
			log.Info().
				Str("version", Version).
				Int("evaders", cfg.Evaders).
				Str("bus", cfg.Bus.Backend).
				Msgf("starting %dx%d game", cfg.Board.Width, cfg.Board.Height)
			return freezetag.RunWithConfig(cmd.Context(), cfg)
		},
	}
}

func newAgentCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "agent <role>",
		Short:     "Run one agent of a multi-process game",
		Long:      "Run a single agent. Every agent of one game must share a Redis bus and configuration.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: agents.Roles(),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := args[0]
			if !isRole(role) {
				return fmt.Errorf("unknown role %q (want one of %s)", role, strings.Join(agents.Roles(), ", "))
			}
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}
			if cfg.Bus.Backend != config.BackendRedis {
				return fmt.Errorf("agent needs a shared bus: set --bus redis (got %q, which is private to this process)", cfg.Bus.Backend)
			}
			log := logging.For("main")
			log.Info().Str("version", Version).Str("role", role).Int("index", f.index).Msg("starting agent")
			return freezetag.RunAgent(cmd.Context(), cfg, role, f.index)
		},
	}
	cmd.Flags().IntVar(&f.index, "index", 0, "evader index into the positions list")
	return cmd
}

func newConfigCmd(f *flags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or save the effective configuration",
		Long:  "Resolve the configuration file, environment and flags, then write the result as YAML to stdout or to --out (YAML or TOML by extension).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}
			if out != "" {
				return config.SaveConfig(cfg, out)
			}
			data, err := config.Marshal(cfg, config.FormatYAML)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func isRole(role string) bool {
	for _, r := range agents.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// buildConfig loads the configuration file, if any, then applies
// environment overrides and every flag set on the command line.
func buildConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	var cfg *config.Config
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("width") {
		cfg.Board.Width = f.width
	}
	if changed("height") {
		cfg.Board.Height = f.height
	}
	if changed("evaders") {
		cfg.Evaders = f.evaders
	}
	if changed("positions") {
		if len(f.positions)%2 != 0 {
			return nil, fmt.Errorf("--positions needs x,y pairs, got %d values", len(f.positions))
		}
		cfg.Positions = make([][]int, 0, len(f.positions)/2)
		for i := 0; i < len(f.positions); i += 2 {
			cfg.Positions = append(cfg.Positions, []int{f.positions[i], f.positions[i+1]})
		}
	}
	if changed("bus") {
		cfg.Bus.Backend = f.backend
	}
	if changed("redis-addr") {
		cfg.Bus.Redis.Addr = f.redisAddr
	}
	if changed("channel-prefix") {
		cfg.Bus.ChannelPrefix = f.prefix
	}
	if changed("metrics-port") {
		cfg.Observability.MetricsPort = f.metricsPort
	}
	if changed("grpc-health-port") {
		cfg.Observability.GRPCHealthPort = f.grpcHealthPort
	}
	if changed("render") {
		cfg.Render.Enabled = f.render
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

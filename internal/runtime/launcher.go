package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/agents"
	"github.com/aixgo-dev/freezetag/internal/grid"
	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/internal/observability"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/pkg/config"
)

// Launcher runs a whole game in one process. Every agent is built when the
// Launcher is created, so identities are fixed before anything starts.
type Launcher struct {
	cfg    *config.Config
	bus    bus.Bus
	config *RuntimeConfig
	runner *agent.Runner
	issuer *Issuer
	log    zerolog.Logger

	coordinator *agents.Coordinator
	evaders     []agent.Agent
	pursuer     agent.Agent

	mu      sync.Mutex
	started bool
}

// NewLauncher validates cfg and builds the coordinator, the evaders and the
// pursuer on b.
func NewLauncher(cfg *config.Config, b bus.Bus, opts ...Option) (*Launcher, error) {
	if err := ValidatePositions(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rc := DefaultConfig()
	for _, opt := range opts {
		opt(rc)
	}

	l := &Launcher{
		cfg:    cfg,
		bus:    b,
		config: rc,
		runner: agent.NewRunner(b, agent.WithStopTimeout(rc.StopTimeout)),
		issuer: NewIssuer(),
		log:    logging.For("launcher"),
	}

	a, err := agents.New(agents.RoleCoordinator, agents.Deps{Bus: b, Config: cfg, Presenter: rc.Presenter})
	if err != nil {
		return nil, err
	}
	coord, ok := a.(*agents.Coordinator)
	if !ok {
		return nil, fmt.Errorf("coordinator role built %T", a)
	}
	l.coordinator = coord

	for i := 0; i < cfg.Evaders; i++ {
		d := agents.Deps{Bus: b, Config: cfg, Name: l.issuer.Next(), Index: i}
		if rc.RandFor != nil {
			d.Rand = rc.RandFor(i)
		}
		e, err := agents.New(agents.RoleEvader, d)
		if err != nil {
			return nil, err
		}
		l.evaders = append(l.evaders, e)
	}

	l.pursuer, err = agents.New(agents.RolePursuer, agents.Deps{Bus: b, Config: cfg})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ValidatePositions checks that cfg holds one on-board pair per evader
// followed by the pursuer's pair.
func ValidatePositions(cfg *config.Config) error {
	if len(cfg.Positions) != cfg.Evaders+1 {
		return fmt.Errorf("%w: want %d pairs for %d evaders and the pursuer, got %d",
			ErrInvalidPositions, cfg.Evaders+1, cfg.Evaders, len(cfg.Positions))
	}
	board := cfg.GameBoard()
	for i, p := range cfg.Positions {
		if len(p) != 2 {
			return fmt.Errorf("%w: pair %d has %d values", ErrInvalidPositions, i, len(p))
		}
		if pos := (grid.Position{X: p[0], Y: p[1]}); !board.Contains(pos) {
			return fmt.Errorf("%w: pair %d %s is outside the %dx%d board",
				ErrInvalidPositions, i, pos, board.Width, board.Height)
		}
	}
	return nil
}

// Coordinator returns the game's coordinator.
func (l *Launcher) Coordinator() *agents.Coordinator { return l.coordinator }

// Agents returns every agent in start order: coordinator, evaders, pursuer.
func (l *Launcher) Agents() []agent.Agent {
	out := make([]agent.Agent, 0, len(l.evaders)+2)
	out = append(out, l.coordinator)
	out = append(out, l.evaders...)
	return append(out, l.pursuer)
}

// Running returns the names of agents that have not finished yet.
func (l *Launcher) Running() []string { return l.runner.Running() }

// Issuer returns the identity issuer used for the evaders.
func (l *Launcher) Issuer() *Issuer { return l.issuer }

// Run starts the coordinator, waits for its subscriptions, then starts the
// evaders and the pursuer and blocks until every agent has stopped. The first
// agent error cancels the rest. Agents still running a grace period after the
// coordinator has stopped are canceled.
func (l *Launcher) Run(ctx context.Context) (err error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrLauncherStarted
	}
	l.started = true
	l.mu.Unlock()

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.launch",
		trace.WithAttributes(
			attribute.Int("game.evaders", l.cfg.Evaders),
			attribute.Int("game.width", l.cfg.Board.Width),
			attribute.Int("game.height", l.cfg.Board.Height),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	coord := l.runner.Start(gctx, l.coordinator)
	g.Go(coord.Wait)

	select {
	case <-coord.Subscribed():
	case <-ctx.Done():
		return g.Wait()
	}

	go func() {
		select {
		case <-coord.Done():
		case <-ctx.Done():
			return
		}
		t := time.NewTimer(l.config.StopTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			l.log.Warn().Strs("running", l.Running()).Msg("agents did not stop after game over, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, e := range l.evaders {
		g.Go(l.runner.Start(gctx, e).Wait)
	}
	pursuer := l.runner.Start(gctx, l.pursuer)
	g.Go(pursuer.Wait)

	l.log.Info().
		Str("session", l.coordinator.Session()).
		Int("evaders", len(l.evaders)).
		Msg("game launched")

	err = g.Wait()
	if err != nil {
		l.log.Error().Err(err).Msg("game ended with error")
		return err
	}
	l.log.Info().Int("evaders", l.issuer.Issued()).Msg("game finished")
	return nil
}

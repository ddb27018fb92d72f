package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/internal/grid"
	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/internal/observability"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	metrics "github.com/aixgo-dev/freezetag/pkg/observability"
	"github.com/aixgo-dev/freezetag/proto"
)

// ErrQuorumTimeout is returned by the coordinator when not every expected
// agent announced itself within the configured start timeout.
var ErrQuorumTimeout = errors.New("quorum not reached")

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Board   grid.Board
	Evaders int

	// TerminalThreshold is the active-evader count at or below which the
	// game ends. It is capped at Evaders-1.
	TerminalThreshold int

	// Tick paces the main loop (presentation and stale checks).
	Tick time.Duration

	// BarrierPoll bounds how long the barrier wait goes between checks.
	BarrierPoll time.Duration

	// StartTimeout of zero waits for quorum forever.
	StartTimeout time.Duration

	// StaleAfter of zero disables stale-agent detection.
	StaleAfter time.Duration

	// Presenter, when set, receives a snapshot every tick.
	Presenter Presenter
}

type tracked struct {
	pos    grid.Position
	active bool
	seen   time.Time
}

// Coordinator owns the game: the start barrier, capture detection,
// termination and the GAMEOVER broadcast.
type Coordinator struct {
	cfg  CoordinatorConfig
	bus  bus.Bus
	life *agent.Lifecycle
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex
	session   string
	barrier   *Barrier
	order     []string
	positions map[string]*tracked
	active    map[string]struct{}
	frozen    map[string]struct{}
	reported  map[string]struct{}
	stale     map[string]struct{}
	started   bool
	span      *observability.Span

	finished   chan struct{}
	finishOnce sync.Once
	over       chan struct{}
	overOnce   sync.Once
	stopOnce   sync.Once
}

var _ agent.Agent = (*Coordinator)(nil)

// NewCoordinator creates the coordinator "game" publishing on b.
func NewCoordinator(b bus.Bus, cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		cfg:  cfg,
		bus:  b,
		life: agent.NewLifecycle(CoordinatorName),
		log:  logging.For(RoleCoordinator).With().Str("agent", CoordinatorName).Logger(),
		now:  time.Now,
	}
	c.reset()
	return c
}

func (c *Coordinator) Name() string       { return CoordinatorName }
func (c *Coordinator) Role() string       { return RoleCoordinator }
func (c *Coordinator) Phase() agent.Phase { return c.life.Phase() }

// reset begins a fresh session with empty rosters.
func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = uuid.NewString()
	c.barrier = NewBarrier(c.cfg.Evaders + 1)
	c.order = nil
	c.positions = make(map[string]*tracked)
	c.active = make(map[string]struct{})
	c.frozen = make(map[string]struct{})
	c.reported = make(map[string]struct{})
	c.stale = make(map[string]struct{})
	c.started = false
	c.finished = make(chan struct{})
	c.finishOnce = sync.Once{}
	c.over = make(chan struct{})
	c.overOnce = sync.Once{}
	c.stopOnce = sync.Once{}
}

// Session identifies the current game.
func (c *Coordinator) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Alive returns every identity that has announced itself, sorted.
func (c *Coordinator) Alive() []string {
	c.mu.Lock()
	b := c.barrier
	c.mu.Unlock()
	return b.Members()
}

// Active returns the un-frozen evaders, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for name := range c.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Started reports whether START has been published this session.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Snapshot copies the position roster.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Session: c.session,
		Board:   c.cfg.Board,
		Pieces:  make([]Piece, 0, len(c.order)),
	}
	for _, name := range c.order {
		t := c.positions[name]
		s.Pieces = append(s.Pieces, Piece{Name: name, Pos: t.pos, Active: t.active})
	}
	return s
}

func (c *Coordinator) OnStart(ctx context.Context, sub agent.Subscriber) error {
	c.reset()

	_, span := observability.StartSpanWithContext(ctx, "game.session", map[string]any{
		"session": c.Session(),
		"evaders": c.cfg.Evaders,
		"width":   c.cfg.Board.Width,
		"height":  c.cfg.Board.Height,
	})
	c.mu.Lock()
	c.span = span
	c.mu.Unlock()

	c.log.Info().
		Str("session", c.Session()).
		Int("evaders", c.cfg.Evaders).
		Stringer("board", boardSize(c.cfg.Board)).
		Msg("new game")

	if err := sub.Subscribe(proto.ChannelAlive, c.handleAlive); err != nil {
		return err
	}
	if err := sub.Subscribe(proto.ChannelPosition, c.handlePosition); err != nil {
		return err
	}
	return sub.Subscribe(proto.ChannelGameOver, c.handleGameOver)
}

func (c *Coordinator) Run(ctx context.Context) error {
	ok, err := c.awaitQuorum(ctx)
	if !ok {
		return err
	}
	if err := c.publishStart(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	finished, over := c.finished, c.over
	c.mu.Unlock()

	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()

	for {
		select {
		case <-finished:
			c.log.Info().Strs("remaining", c.Active()).Msg("termination condition met")
			return nil
		case <-over:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.present()
			c.checkStale()
		}
	}
}

// OnStop publishes GAMEOVER once and releases the presenter.
func (c *Coordinator) OnStop(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		c.life.Advance(agent.PhaseStopped)

		if err := c.bus.Publish(ctx, proto.ChannelGameOver, (&proto.GameOver{}).Marshal()); err != nil {
			errs = append(errs, fmt.Errorf("publish gameover: %w", err))
		} else {
			c.log.Info().Str("session", c.Session()).Msg("game over")
		}

		if c.cfg.Presenter != nil {
			c.present()
			if err := c.cfg.Presenter.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		c.mu.Lock()
		span := c.span
		c.mu.Unlock()
		if span != nil {
			span.AddEvent("gameover", nil)
			span.End()
		}
	})
	return errors.Join(errs...)
}

// awaitQuorum blocks until every expected agent has announced itself. It
// returns false if the game ended, ctx was canceled or the start timeout
// expired first.
func (c *Coordinator) awaitQuorum(ctx context.Context) (bool, error) {
	c.mu.Lock()
	barrier, over := c.barrier, c.over
	c.mu.Unlock()

	poll := time.NewTicker(c.cfg.BarrierPoll)
	defer poll.Stop()

	var deadline <-chan time.Time
	if c.cfg.StartTimeout > 0 {
		timer := time.NewTimer(c.cfg.StartTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-barrier.Done():
			return true, nil
		case <-over:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, fmt.Errorf("%w after %s: %d of %d agents alive",
				ErrQuorumTimeout, c.cfg.StartTimeout, barrier.Count(), c.cfg.Evaders+1)
		case <-poll.C:
			c.log.Debug().Int("alive", barrier.Count()).Int("expected", c.cfg.Evaders+1).Msg("waiting for agents")
		}
	}
}

func (c *Coordinator) publishStart(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	span := c.span
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, proto.ChannelStart, (&proto.Start{}).Marshal()); err != nil {
		return fmt.Errorf("publish start: %w", err)
	}
	c.life.Advance(agent.PhaseRunning)
	if span != nil {
		span.AddEvent("start", nil)
	}
	c.log.Info().Msg("all agents alive, game started")
	return nil
}

func (c *Coordinator) handleAlive(_ context.Context, payload []byte) error {
	msg, err := decode[proto.Alive](payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	barrier := c.barrier
	c.mu.Unlock()

	count, released := barrier.Arrive(msg.Name)
	c.log.Debug().Str("from", msg.Name).Int("alive", count).Msg("alive")
	if released {
		c.log.Info().Int("alive", count).Msg("quorum reached")
	}
	return nil
}

func (c *Coordinator) handlePosition(ctx context.Context, payload []byte) error {
	msg, err := decode[proto.Position](payload)
	if err != nil {
		return err
	}

	captures, activeCount := c.record(msg)
	metrics.SetActiveEvaders(activeCount)

	for _, name := range captures {
		if err := c.bus.Publish(ctx, proto.ChannelFreeze, (&proto.Freeze{Name: name}).Marshal()); err != nil {
			return fmt.Errorf("publish freeze %s: %w", name, err)
		}
		metrics.RecordFreeze()
		c.mu.Lock()
		span := c.span
		c.mu.Unlock()
		if span != nil {
			span.AddEvent("freeze", map[string]any{"evader": name})
		}
		c.log.Info().Str("evader", name).Msg("captured")
	}
	return nil
}

// record upserts msg into the rosters, returns the active evaders now
// sharing the pursuer's cell and the active-set size, and checks the
// termination condition.
func (c *Coordinator) record(msg *proto.Position) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.positions[msg.Name]
	if !ok {
		t = &tracked{}
		c.positions[msg.Name] = t
		c.order = append(c.order, msg.Name)
	}
	t.pos = grid.Position{X: int(msg.X), Y: int(msg.Y)}
	t.active = msg.Active
	t.seen = c.now()

	if IsEvader(msg.Name) {
		switch {
		case !msg.Active:
			delete(c.active, msg.Name)
			c.frozen[msg.Name] = struct{}{}
		case !isMember(c.frozen, msg.Name):
			c.active[msg.Name] = struct{}{}
		}
		if c.started {
			c.reported[msg.Name] = struct{}{}
		}
	}

	var captures []string
	if it, ok := c.positions[PursuerName]; ok {
		for _, name := range c.order {
			if !IsEvader(name) || !isMember(c.active, name) {
				continue
			}
			if c.positions[name].pos == it.pos {
				captures = append(captures, name)
			}
		}
	}

	if c.started && len(c.reported) >= c.cfg.Evaders && len(c.active) <= c.threshold() {
		c.finishOnce.Do(func() { close(c.finished) })
	}
	return captures, len(c.active)
}

// threshold caps the terminal threshold below the evader count so a game
// never ends before its first capture.
func (c *Coordinator) threshold() int {
	return min(c.cfg.TerminalThreshold, c.cfg.Evaders-1)
}

func (c *Coordinator) handleGameOver(_ context.Context, payload []byte) error {
	if _, err := decode[proto.GameOver](payload); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overOnce.Do(func() { close(c.over) })
	return nil
}

func (c *Coordinator) present() {
	if c.cfg.Presenter == nil {
		return
	}
	if err := c.cfg.Presenter.Present(c.Snapshot()); err != nil {
		c.log.Warn().Err(err).Msg("presenter failed")
	}
}

// checkStale reports agents whose last POSITION is older than StaleAfter.
// It never changes the outcome of the game.
func (c *Coordinator) checkStale() {
	if c.cfg.StaleAfter <= 0 {
		return
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	now := c.now()
	var newlyStale, recovered []string
	for _, name := range c.order {
		isStale := now.Sub(c.positions[name].seen) > c.cfg.StaleAfter
		wasStale := isMember(c.stale, name)
		switch {
		case isStale && !wasStale:
			c.stale[name] = struct{}{}
			newlyStale = append(newlyStale, name)
		case !isStale && wasStale:
			delete(c.stale, name)
			recovered = append(recovered, name)
		}
	}
	count := len(c.stale)
	c.mu.Unlock()

	metrics.SetStaleAgents(count)
	for _, name := range newlyStale {
		c.log.Warn().Str("peer", name).Dur("after", c.cfg.StaleAfter).Msg("no position received, agent may have died")
	}
	for _, name := range recovered {
		c.log.Info().Str("peer", name).Msg("agent reporting again")
	}
}

// StaleAgents returns the agents currently considered stale, sorted.
func (c *Coordinator) StaleAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.stale))
	for name := range c.stale {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isMember(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

type boardSize grid.Board

func (b boardSize) String() string { return fmt.Sprintf("%dx%d", b.Width, b.Height) }

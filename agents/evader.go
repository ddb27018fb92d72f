package agents

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/internal/grid"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/proto"
)

// EvaderConfig configures an Evader.
type EvaderConfig struct {
	Name  string
	Board grid.Board
	Start grid.Position

	// Tick is the period between move/publish cycles.
	Tick time.Duration

	// AnnounceInterval repeats ALIVE until START when > 0.
	AnnounceInterval time.Duration

	// Rand picks moves. Defaults to math/rand/v2.
	Rand Rand
}

// Evader random-walks the board until frozen.
type Evader struct {
	BaseAgent
	cfg EvaderConfig

	mu     sync.Mutex
	pos    grid.Position
	frozen atomic.Bool
}

var _ agent.Agent = (*Evader)(nil)

// NewEvader creates an evader publishing on b.
func NewEvader(b bus.Bus, cfg EvaderConfig) *Evader {
	if cfg.Rand == nil {
		cfg.Rand = globalRand{}
	}
	e := &Evader{cfg: cfg, pos: cfg.Start}
	e.setup(cfg.Name, RoleEvader, b)
	return e
}

// Position returns the evader's current cell.
func (e *Evader) Position() grid.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Frozen reports whether the evader has been captured.
func (e *Evader) Frozen() bool { return e.frozen.Load() }

func (e *Evader) OnStart(ctx context.Context, sub agent.Subscriber) error {
	if err := e.subscribeLifecycle(sub); err != nil {
		return err
	}
	return sub.Subscribe(proto.ChannelFreeze, e.handleFreeze)
}

func (e *Evader) Run(ctx context.Context) error {
	ok, err := e.awaitStart(ctx, e.cfg.AnnounceInterval)
	if !ok {
		return err
	}
	return e.tickUntilOver(ctx, e.cfg.Tick, e.step)
}

func (e *Evader) OnStop(ctx context.Context) error {
	e.stop()
	e.log.Debug().Stringer("position", e.Position()).Bool("frozen", e.Frozen()).Msg("stopped")
	return nil
}

func (e *Evader) handleFreeze(_ context.Context, payload []byte) error {
	msg, err := decode[proto.Freeze](payload)
	if err != nil {
		return err
	}
	if msg.Name != e.name {
		return nil
	}
	if e.frozen.CompareAndSwap(false, true) {
		e.log.Info().Stringer("position", e.Position()).Msg("frozen")
	}
	return nil
}

// step moves one random Moore step unless frozen, then reports the cell.
// A frozen evader keeps reporting its last cell with active=false.
func (e *Evader) step(ctx context.Context) error {
	frozen := e.frozen.Load()

	e.mu.Lock()
	if !frozen {
		e.pos = e.cfg.Board.Step(e.pos, grid.MooreOffsets[e.cfg.Rand.IntN(len(grid.MooreOffsets))])
	}
	pos := e.pos
	e.mu.Unlock()

	return e.publish(ctx, &proto.Position{
		Name:   e.name,
		X:      int32(pos.X), // #nosec G115 - board bounds are validated ints
		Y:      int32(pos.Y), // #nosec G115
		Active: !frozen,
	})
}

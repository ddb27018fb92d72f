package agents

import (
	"context"
	"sync"
	"time"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/internal/grid"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/proto"
)

// PursuerConfig configures a Pursuer.
type PursuerConfig struct {
	Board grid.Board
	Start grid.Position

	// Tick is the period between moves. It is normally half the evader tick.
	Tick time.Duration

	// AnnounceInterval repeats ALIVE until START when > 0.
	AnnounceInterval time.Duration
}

// Pursuer greedily chases the nearest active evader by Manhattan distance.
type Pursuer struct {
	BaseAgent
	cfg PursuerConfig

	mu       sync.Mutex
	pos      grid.Position
	order    []string // first-report order; breaks distance ties
	targets  map[string]grid.Position
	captured map[string]struct{}
}

var _ agent.Agent = (*Pursuer)(nil)

// NewPursuer creates the pursuer "it" publishing on b.
func NewPursuer(b bus.Bus, cfg PursuerConfig) *Pursuer {
	p := &Pursuer{
		cfg:      cfg,
		pos:      cfg.Start,
		targets:  make(map[string]grid.Position),
		captured: make(map[string]struct{}),
	}
	p.setup(PursuerName, RolePursuer, b)
	return p
}

// Position returns the pursuer's current cell.
func (p *Pursuer) Position() grid.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Targets returns the chase pool in tie-break order.
func (p *Pursuer) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pursuer) OnStart(ctx context.Context, sub agent.Subscriber) error {
	if err := p.subscribeLifecycle(sub); err != nil {
		return err
	}
	return sub.Subscribe(proto.ChannelPosition, p.handlePosition)
}

func (p *Pursuer) Run(ctx context.Context) error {
	ok, err := p.awaitStart(ctx, p.cfg.AnnounceInterval)
	if !ok {
		return err
	}
	return p.tickUntilOver(ctx, p.cfg.Tick, p.step)
}

func (p *Pursuer) OnStop(ctx context.Context) error {
	p.stop()
	p.log.Debug().Stringer("position", p.Position()).Int("targets", len(p.Targets())).Msg("stopped")
	return nil
}

func (p *Pursuer) handlePosition(_ context.Context, payload []byte) error {
	msg, err := decode[proto.Position](payload)
	if err != nil {
		return err
	}
	if !IsEvader(msg.Name) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.captured[msg.Name]; done {
		return nil
	}
	if !msg.Active {
		p.captured[msg.Name] = struct{}{}
		delete(p.targets, msg.Name)
		for i, name := range p.order {
			if name == msg.Name {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		return nil
	}

	if _, known := p.targets[msg.Name]; !known {
		p.order = append(p.order, msg.Name)
	}
	p.targets[msg.Name] = grid.Position{X: int(msg.X), Y: int(msg.Y)}
	return nil
}

// nearest returns the closest target; the earliest reported wins ties.
// Callers hold p.mu.
func (p *Pursuer) nearest() (grid.Position, bool) {
	var (
		best  grid.Position
		bestD = -1
	)
	for _, name := range p.order {
		t := p.targets[name]
		if d := grid.Manhattan(p.pos, t); bestD < 0 || d < bestD {
			best, bestD = t, d
		}
	}
	return best, bestD >= 0
}

// step moves one cell toward the nearest target, or stays put when the
// pool is empty, then reports the cell.
func (p *Pursuer) step(ctx context.Context) error {
	p.mu.Lock()
	if target, ok := p.nearest(); ok {
		p.pos = p.cfg.Board.Step(p.pos, grid.Toward(p.pos, target))
	}
	pos := p.pos
	p.mu.Unlock()

	return p.publish(ctx, &proto.Position{
		Name:   p.name,
		X:      int32(pos.X), // #nosec G115 - board bounds are validated ints
		Y:      int32(pos.Y), // #nosec G115
		Active: true,
	})
}

package agents

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/freezetag/agent"
	"github.com/aixgo-dev/freezetag/internal/logging"
	"github.com/aixgo-dev/freezetag/pkg/bus"
	"github.com/aixgo-dev/freezetag/proto"
)

// Identities.
const (
	PursuerName     = "it"
	CoordinatorName = "game"
	EvaderPrefix    = "evader_"
)

// Roles.
const (
	RoleEvader      = "evader"
	RolePursuer     = "pursuer"
	RoleCoordinator = "coordinator"
)

// EvaderName returns the identity of evader i.
func EvaderName(i int) string {
	return EvaderPrefix + strconv.Itoa(i)
}

// IsEvader reports whether name follows the evader naming pattern.
func IsEvader(name string) bool {
	return strings.HasPrefix(name, EvaderPrefix)
}

// Rand is the source of random moves.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

// #nosec G404 - movement randomness, not security sensitive
func (globalRand) IntN(n int) int { return rand.IntN(n) }

// decode unmarshals payload into a fresh record of type T.
func decode[T any, PT interface {
	*T
	proto.Record
}](payload []byte) (*T, error) {
	rec := PT(new(T))
	if err := rec.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%s: %w", rec.Channel(), err)
	}
	return (*T)(rec), nil
}

// BaseAgent holds what the evader and pursuer share: identity, the
// START/GAMEOVER lifecycle and the ALIVE announcement.
type BaseAgent struct {
	name string
	role string
	bus  bus.Bus
	life *agent.Lifecycle
	log  zerolog.Logger

	started   chan struct{}
	startOnce sync.Once
	over      chan struct{}
	overOnce  sync.Once
}

func (b *BaseAgent) setup(name, role string, bs bus.Bus) {
	b.name = name
	b.role = role
	b.bus = bs
	b.life = agent.NewLifecycle(name)
	b.log = logging.For(role).With().Str("agent", name).Logger()
	b.started = make(chan struct{})
	b.over = make(chan struct{})
}

// Name returns the agent identity
func (b *BaseAgent) Name() string { return b.name }

// Role returns the agent role
func (b *BaseAgent) Role() string { return b.role }

// Phase returns the lifecycle phase
func (b *BaseAgent) Phase() agent.Phase { return b.life.Phase() }

// Started is closed when START has been received.
func (b *BaseAgent) Started() <-chan struct{} { return b.started }

func (b *BaseAgent) subscribeLifecycle(sub agent.Subscriber) error {
	if err := sub.Subscribe(proto.ChannelStart, b.handleStart); err != nil {
		return err
	}
	return sub.Subscribe(proto.ChannelGameOver, b.handleGameOver)
}

func (b *BaseAgent) handleStart(_ context.Context, payload []byte) error {
	if _, err := decode[proto.Start](payload); err != nil {
		return err
	}
	b.startOnce.Do(func() {
		if b.life.Advance(agent.PhaseRunning) {
			b.log.Info().Msg("game started")
		}
		close(b.started)
	})
	return nil
}

func (b *BaseAgent) handleGameOver(_ context.Context, payload []byte) error {
	if _, err := decode[proto.GameOver](payload); err != nil {
		return err
	}
	b.overOnce.Do(func() {
		b.life.Advance(agent.PhaseStopped)
		b.log.Info().Msg("game over")
		close(b.over)
	})
	return nil
}

func (b *BaseAgent) publish(ctx context.Context, rec proto.Record) error {
	if err := b.bus.Publish(ctx, rec.Channel(), rec.Marshal()); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return nil
}

func (b *BaseAgent) announce(ctx context.Context) error {
	return b.publish(ctx, &proto.Alive{Name: b.name})
}

// awaitStart announces ALIVE and blocks until START. When every > 0 the
// announcement repeats at that interval. It returns false if the game ended
// or ctx was canceled first.
func (b *BaseAgent) awaitStart(ctx context.Context, every time.Duration) (bool, error) {
	if err := b.announce(ctx); err != nil {
		return false, err
	}

	var repeat <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		repeat = t.C
	}

	for {
		select {
		case <-b.started:
			return true, nil
		case <-b.over:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-repeat:
			if err := b.announce(ctx); err != nil {
				return false, err
			}
		}
	}
}

// tickUntilOver calls step every period until GAMEOVER, ctx ends or step fails.
func (b *BaseAgent) tickUntilOver(ctx context.Context, period time.Duration, step func(context.Context) error) error {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-b.over:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := step(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *BaseAgent) stop() {
	b.life.Advance(agent.PhaseStopped)
}
